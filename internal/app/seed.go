package app

import (
	"context"
	"fmt"

	"github.com/petervdpas/telehealth/internal/storage"
)

// Seed stores appointment a in the database at dbPath.
func Seed(ctx context.Context, dbPath string, a storage.Appointment) error {
	db, err := storage.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := db.UpsertAppointment(ctx, a); err != nil {
		return err
	}
	log.Infof("[%d] appointment stored: %s with %s", a.ID, a.PatientID, a.DoctorID)
	return nil
}
