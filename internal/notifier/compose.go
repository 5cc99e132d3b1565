package notifier

import (
	"strings"

	"casebot/internal/storage"
)

// compose renders the outbound message from the record's payload snapshot
// only, so delivery never depends on the case directory being reachable.
func (s *Service) compose(rec *storage.Record) string {
	var b strings.Builder

	switch rec.Kind {
	case storage.KindContact:
		b.WriteString("📞 Contact reminder")
	case storage.KindCompletion:
		b.WriteString("✅ Completion check")
	default:
		b.WriteString("🔔 Reminder")
	}
	b.WriteString("\nCase: ")
	b.WriteString(rec.CaseNumber)
	if rec.DossierNumber != "" {
		b.WriteString("\nDossier: ")
		b.WriteString(rec.DossierNumber)
	}
	if rec.Payload.ClientName != "" {
		b.WriteString("\nClient: ")
		b.WriteString(rec.Payload.ClientName)
	}
	if rec.Payload.ClientPhone != "" {
		b.WriteString("\nPhone: ")
		b.WriteString(rec.Payload.ClientPhone)
	}
	if rec.Payload.VehiclePlate != "" {
		b.WriteString("\nVehicle: ")
		b.WriteString(rec.Payload.VehiclePlate)
	}
	if rec.Payload.Note != "" {
		b.WriteString("\n\n")
		b.WriteString(rec.Payload.Note)
	}
	b.WriteString("\n\nScheduled for ")
	b.WriteString(rec.ScheduledAt.In(s.cfg.Timezone).Format("2006-01-02 15:04"))
	return b.String()
}
