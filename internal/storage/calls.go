package storage

import (
	"context"

	"github.com/google/uuid"

	"github.com/petervdpas/telehealth/internal/call"
)

// CallRow is one finished call attempt.
type CallRow struct {
	ID            string `json:"id"`
	AppointmentID int64  `json:"appointment_id"`
	PatientID     string `json:"patient_id"`
	DoctorID      string `json:"doctor_id"`
	Direction     string `json:"direction"`
	Outcome       string `json:"outcome"`
	StartedAt     int64  `json:"started_at"`
	AnsweredAt    int64  `json:"answered_at,omitempty"`
	EndedAt       int64  `json:"ended_at"`

	// Connected time, zero for calls never answered.
	DurationMs int64 `json:"duration_ms"`
}

func connectedMs(answeredAt, endedAt int64) int64 {
	if answeredAt == 0 || endedAt < answeredAt {
		return 0
	}
	return endedAt - answeredAt
}

// RecordCall appends rec to the call log. It satisfies call.Recorder.
func (d *DB) RecordCall(ctx context.Context, rec call.Record) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO call_log
			(id, appointment_id, patient_id, doctor_id, direction, outcome, started_at, answered_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), rec.AppointmentID, rec.PatientID, rec.DoctorID,
		rec.Direction, rec.Outcome, rec.StartedAt, rec.AnsweredAt, rec.EndedAt,
	)
	if err == nil {
		log.Debugf("[%d] recorded %s call (%s)", rec.AppointmentID, rec.Direction, rec.Outcome)
	}
	return err
}

// CallHistory returns the newest calls first. appointmentID 0 means all.
func (d *DB) CallHistory(ctx context.Context, appointmentID int64, limit int) ([]CallRow, error) {
	if limit <= 0 {
		limit = 50
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.QueryContext(ctx, `
		SELECT id, appointment_id, patient_id, doctor_id, direction, outcome, started_at, answered_at, ended_at
		FROM call_log
		WHERE ? = 0 OR appointment_id = ?
		ORDER BY ended_at DESC, started_at DESC
		LIMIT ?`, appointmentID, appointmentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CallRow
	for rows.Next() {
		var c CallRow
		if err := rows.Scan(&c.ID, &c.AppointmentID, &c.PatientID, &c.DoctorID,
			&c.Direction, &c.Outcome, &c.StartedAt, &c.AnsweredAt, &c.EndedAt); err != nil {
			return nil, err
		}
		c.DurationMs = connectedMs(c.AnsweredAt, c.EndedAt)
		out = append(out, c)
	}
	return out, rows.Err()
}
