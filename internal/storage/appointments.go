package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/petervdpas/telehealth/internal/call"
)

// Appointment is a scheduled consultation between one patient and one doctor.
type Appointment struct {
	ID          int64  `json:"id"`
	PatientID   string `json:"patient_id"`
	DoctorID    string `json:"doctor_id"`
	PatientName string `json:"patient_name"`
	DoctorName  string `json:"doctor_name"`
	Specialty   string `json:"specialty"`
	Date        string `json:"date"`
	Reason      string `json:"reason"`
	Notes       string `json:"notes"`
	UpdatedAt   string `json:"updated_at"`
}

// Participants returns the subset the call machine needs.
func (a Appointment) Participants() call.Appointment {
	return call.Appointment{
		ID:          a.ID,
		PatientID:   a.PatientID,
		DoctorID:    a.DoctorID,
		PatientName: a.PatientName,
		DoctorName:  a.DoctorName,
		Specialty:   a.Specialty,
	}
}

const appointmentCols = `id, patient_id, doctor_id, patient_name, doctor_name, specialty, date, reason, notes, updated_at`

func scanAppointment(row interface{ Scan(...any) error }) (Appointment, error) {
	var a Appointment
	err := row.Scan(&a.ID, &a.PatientID, &a.DoctorID, &a.PatientName, &a.DoctorName,
		&a.Specialty, &a.Date, &a.Reason, &a.Notes, &a.UpdatedAt)
	return a, err
}

// UpsertAppointment stores a. Existing notes are kept.
func (d *DB) UpsertAppointment(ctx context.Context, a Appointment) error {
	if a.ID <= 0 || a.PatientID == "" || a.DoctorID == "" {
		return fmt.Errorf("appointment needs an id, a patient and a doctor")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO appointments
			(id, patient_id, doctor_id, patient_name, doctor_name, specialty, date, reason, notes, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			patient_id   = excluded.patient_id,
			doctor_id    = excluded.doctor_id,
			patient_name = excluded.patient_name,
			doctor_name  = excluded.doctor_name,
			specialty    = excluded.specialty,
			date         = excluded.date,
			reason       = excluded.reason,
			notes        = CASE WHEN excluded.notes = '' THEN appointments.notes ELSE excluded.notes END,
			updated_at   = CURRENT_TIMESTAMP`,
		a.ID, a.PatientID, a.DoctorID, a.PatientName, a.DoctorName, a.Specialty, a.Date, a.Reason, a.Notes,
	)
	return err
}

// Appointment returns the appointment with id, or ErrNotFound.
func (d *DB) Appointment(ctx context.Context, id int64) (Appointment, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, err := scanAppointment(d.db.QueryRowContext(ctx,
		`SELECT `+appointmentCols+` FROM appointments WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Appointment{}, fmt.Errorf("appointment %d: %w", id, ErrNotFound)
	}
	return a, err
}

// ListAppointments returns every appointment userID takes part in.
func (d *DB) ListAppointments(ctx context.Context, userID string) ([]Appointment, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.QueryContext(ctx,
		`SELECT `+appointmentCols+` FROM appointments
		 WHERE patient_id = ? OR doctor_id = ?
		 ORDER BY date, id`, userID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SaveNotes replaces the consultation notes of appointment id.
func (d *DB) SaveNotes(ctx context.Context, id int64, notes string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.db.ExecContext(ctx, `
		UPDATE appointments
		SET notes = ?, notes_updated_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, notes, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("appointment %d: %w", id, ErrNotFound)
	}
	return nil
}

// Notes returns the consultation notes of appointment id.
func (d *DB) Notes(ctx context.Context, id int64) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var notes string
	err := d.db.QueryRowContext(ctx, `SELECT notes FROM appointments WHERE id = ?`, id).Scan(&notes)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("appointment %d: %w", id, ErrNotFound)
	}
	return notes, err
}
