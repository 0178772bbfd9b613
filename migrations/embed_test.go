package migrations

import (
	"strings"
	"testing"

	"github.com/clinic/clinic/internal/platform/db"
)

func TestEmbeddedMigrations(t *testing.T) {
	migrations, err := db.NewMigrator(nil, FS).LoadMigrations()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(migrations) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(migrations))
	}
	for i, m := range migrations {
		if m.Version != i+1 {
			t.Errorf("migration %d has version %d", i, m.Version)
		}
	}
	if !strings.Contains(migrations[0].SQL, "bookings_one_active_per_patient") {
		t.Error("scheduling schema must define the active booking index")
	}
	if !strings.Contains(migrations[2].SQL, "activity_log") {
		t.Error("third migration must create the activity log")
	}
}
