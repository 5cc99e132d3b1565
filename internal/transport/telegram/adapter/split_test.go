package adapter

import (
	"strings"
	"testing"
)

func TestSplitTelegramText(t *testing.T) {
	t.Parallel()

	t.Run("short text is untouched", func(t *testing.T) {
		got := splitTelegramText("hello", 100)
		if len(got) != 1 || got[0] != "hello" {
			t.Fatalf("got %v", got)
		}
	})

	t.Run("prefers newline cuts", func(t *testing.T) {
		text := strings.Repeat("x", 60) + "\n" + strings.Repeat("y", 60)
		got := splitTelegramText(text, 100)
		if len(got) != 2 {
			t.Fatalf("chunks = %d, want 2: %v", len(got), got)
		}
		if strings.ContainsRune(got[0], 'y') || strings.ContainsRune(got[1], 'x') {
			t.Fatalf("cut not at newline: %v", got)
		}
	})

	t.Run("hard cut without newlines", func(t *testing.T) {
		text := strings.Repeat("z", 250)
		got := splitTelegramText(text, 100)
		if len(got) != 3 {
			t.Fatalf("chunks = %d, want 3", len(got))
		}
		total := 0
		for _, c := range got {
			if len(c) > 100 {
				t.Fatalf("chunk over limit: %d", len(c))
			}
			total += len(c)
		}
		if total != 250 {
			t.Fatalf("lost characters: %d", total)
		}
	})

	t.Run("ignores tiny tail before newline", func(t *testing.T) {
		// Newline too close to the start; a hard cut should win.
		text := "ab\n" + strings.Repeat("c", 200)
		got := splitTelegramText(text, 100)
		for _, c := range got {
			if len(c) > 100 {
				t.Fatalf("chunk over limit: %q", c)
			}
		}
	})
}
