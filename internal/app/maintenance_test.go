package app

import (
	"testing"
	"time"

	"casebot/internal/config"
	logx "casebot/pkg/logx"
)

func TestMaintenanceSweepInterval(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		raw  string
		want time.Duration
	}{
		{"empty keeps default", "", 5 * time.Minute},
		{"zero seconds disables", "0s", 0},
		{"zero minutes disables", "0m", 0},
		{"zero hours disables", "0h", 0},
		{"custom interval", "2m", 2 * time.Minute},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, err := newMaintenance(&config.MaintenanceConfig{SweepInterval: tc.raw}, time.UTC, nil, nil, logx.Nop())
			if err != nil {
				t.Fatalf("newMaintenance: %v", err)
			}
			if m.sweep != tc.want {
				t.Fatalf("sweep = %v, want %v", m.sweep, tc.want)
			}
		})
	}

	if _, err := newMaintenance(&config.MaintenanceConfig{SweepInterval: "soon"}, time.UTC, nil, nil, logx.Nop()); err == nil {
		t.Fatal("bad duration accepted")
	}
}
