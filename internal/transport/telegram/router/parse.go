package router

import (
	"errors"
	"fmt"
	"strings"

	"casebot/internal/storage"
)

var errUsage = errors.New("usage")

// splitCommand extracts a leading /command (stripping a @botname suffix) and
// its whitespace-separated arguments. Non-command text returns "".
func splitCommand(text string) (cmd string, args []string) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", nil
	}
	cmd = strings.ToLower(fields[0])
	if i := strings.IndexByte(cmd, '@'); i > 0 {
		cmd = cmd[:i]
	}
	return cmd, fields[1:]
}

type remindParams struct {
	caseNumber string
	kind       storage.Kind
	timeOfDay  string
	note       string
}

// parseRemind handles "/remind <case> <kind> <HH:MM> [note...]".
func parseRemind(args []string) (remindParams, error) {
	if len(args) < 3 {
		return remindParams{}, fmt.Errorf("%w: /remind <case> <CONTACT|COMPLETION|OTHER> <HH:MM> [note]", errUsage)
	}
	kind, err := storage.ParseKind(strings.ToUpper(args[1]))
	if err != nil {
		return remindParams{}, fmt.Errorf("%w: kind must be CONTACT, COMPLETION or OTHER", errUsage)
	}
	return remindParams{
		caseNumber: args[0],
		kind:       kind,
		timeOfDay:  args[2],
		note:       strings.Join(args[3:], " "),
	}, nil
}
