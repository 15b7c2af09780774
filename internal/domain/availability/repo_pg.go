package availability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medbook/medbook/internal/platform/db"
)

const scheduledSlotKey = "appointment_scheduled_slot_key"

type storePG struct{ pool *pgxpool.Pool }

func NewStorePG(pool *pgxpool.Pool) Store { return &storePG{pool: pool} }

func (r *storePG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

// lockDoctor serializes calendar writes for one doctor until the enclosing
// transaction ends.
func (r *storePG) lockDoctor(ctx context.Context, doctorID uuid.UUID) error {
	return db.LockKey(ctx, r.conn(ctx), "calendar:"+doctorID.String())
}

func pgTime(t TimeOfDay) pgtype.Time {
	return pgtype.Time{Microseconds: int64(t) * int64(time.Minute/time.Microsecond), Valid: true}
}

func fromPGTime(t pgtype.Time) TimeOfDay {
	return TimeOfDay(t.Microseconds / int64(time.Minute/time.Microsecond))
}

const patientNameExpr = `COALESCE(NULLIF(p.full_name, ''),
	NULLIF(TRIM(COALESCE(p.first_name, '') || ' ' || COALESCE(p.last_name, '')), ''), '')`

const apptCols = `a.id, a.doctor_id, a.patient_id, ` + patientNameExpr + `, a.date, a.start_time,
	a.duration_minutes, a.reason, a.notes, a.status, a.created_at, a.updated_at`

const apptFrom = ` FROM appointment a LEFT JOIN person p ON p.id = a.patient_id`

func (r *storePG) scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var date time.Time
	var start pgtype.Time
	err := row.Scan(&a.ID, &a.DoctorID, &a.PatientID, &a.PatientName, &date, &start,
		&a.DurationMinutes, &a.Reason, &a.Notes, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Date = DateOf(date)
	a.Time = fromPGTime(start)
	return &a, nil
}

const blockCols = `id, doctor_id, date, start_time, end_time, reason, overridden_appointment_ids, created_at`

func (r *storePG) scanBlock(row pgx.Row) (*UnavailabilityBlock, error) {
	var b UnavailabilityBlock
	var date time.Time
	var start, end pgtype.Time
	err := row.Scan(&b.ID, &b.DoctorID, &date, &start, &end, &b.Reason, &b.OverriddenAppointmentIDs, &b.CreatedAt)
	if err != nil {
		return nil, err
	}
	b.Date = DateOf(date)
	b.StartTime, b.EndTime = fromPGTime(start), fromPGTime(end)
	return &b, nil
}

func (r *storePG) queryAppointments(ctx context.Context, sql string, args ...interface{}) ([]*Appointment, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Appointment
	for rows.Next() {
		a, err := r.scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

func (r *storePG) ListAppointments(ctx context.Context, doctorID uuid.UUID, w Window) ([]*Appointment, error) {
	items, err := r.queryAppointments(ctx, `SELECT `+apptCols+apptFrom+`
		WHERE a.doctor_id = $1 AND a.status = 'scheduled' AND a.date BETWEEN $2 AND $3
		ORDER BY a.date, a.start_time`, doctorID, w.From.Time(), w.To.Time())
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	return items, nil
}

func (r *storePG) ListUnavailability(ctx context.Context, doctorID uuid.UUID, w Window) ([]*UnavailabilityBlock, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+blockCols+` FROM unavailability_block
		WHERE doctor_id = $1 AND date BETWEEN $2 AND $3
		ORDER BY date, start_time`, doctorID, w.From.Time(), w.To.Time())
	if err != nil {
		return nil, fmt.Errorf("list unavailability: %w", err)
	}
	defer rows.Close()
	var items []*UnavailabilityBlock
	for rows.Next() {
		b, err := r.scanBlock(rows)
		if err != nil {
			return nil, fmt.Errorf("scan unavailability: %w", err)
		}
		items = append(items, b)
	}
	return items, rows.Err()
}

func (r *storePG) CreateAppointment(ctx context.Context, a *Appointment, guard CommitGuard) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Status == "" {
		a.Status = StatusScheduled
	}
	err := db.InTx(ctx, r.pool, func(ctx context.Context) error {
		if err := r.lockDoctor(ctx, a.DoctorID); err != nil {
			return err
		}
		if guard != nil {
			if err := guard(ctx, r); err != nil {
				return err
			}
		}
		err := r.conn(ctx).QueryRow(ctx, `
			INSERT INTO appointment (id, doctor_id, patient_id, date, start_time, duration_minutes, reason, notes, status)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			RETURNING created_at, updated_at`,
			a.ID, a.DoctorID, a.PatientID, a.Date.Time(), pgTime(a.Time), a.DurationMinutes,
			a.Reason, a.Notes, a.Status).Scan(&a.CreatedAt, &a.UpdatedAt)
		if err != nil {
			if db.IsUniqueViolation(err, scheduledSlotKey) {
				return &ConcurrentConflictError{}
			}
			return fmt.Errorf("insert appointment: %w", err)
		}
		if err := r.conn(ctx).QueryRow(ctx, `SELECT `+patientNameExpr+` FROM person p WHERE p.id = $1`, a.PatientID).Scan(&a.PatientName); err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("read patient name: %w", err)
		}
		return r.appendHistory(ctx, a.ID, "", a.Status, a.PatientID.String(), "")
	})
	return err
}

func (r *storePG) appendHistory(ctx context.Context, apptID uuid.UUID, from, to Status, changedBy, reason string) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO appointment_history (id, appointment_id, previous_status, new_status, changed_by, reason)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		uuid.New(), apptID, from, to, changedBy, reason)
	if err != nil {
		return fmt.Errorf("append appointment history: %w", err)
	}
	return nil
}

func (r *storePG) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := r.scanAppointment(r.conn(ctx).QueryRow(ctx, `SELECT `+apptCols+apptFrom+` WHERE a.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &NotFoundError{Kind: "appointment", ID: id.String()}
	}
	if err != nil {
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	return a, nil
}

func (r *storePG) CancelAppointment(ctx context.Context, id uuid.UUID, change StatusChange) (*Appointment, error) {
	change.To = StatusCancelled
	return r.UpdateAppointmentStatus(ctx, id, change)
}

func (r *storePG) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, change StatusChange) (*Appointment, error) {
	var out *Appointment
	err := db.InTx(ctx, r.pool, func(ctx context.Context) error {
		a, err := r.scanAppointment(r.conn(ctx).QueryRow(ctx,
			`SELECT `+apptCols+apptFrom+` WHERE a.id = $1 FOR UPDATE OF a`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return &NotFoundError{Kind: "appointment", ID: id.String()}
		}
		if err != nil {
			return fmt.Errorf("lock appointment: %w", err)
		}
		out = a
		if err := change.allow(a); err != nil {
			return err
		}
		from := a.Status
		a.Status = change.To
		if change.Notes != nil {
			a.Notes = change.Notes
		}
		if err := r.conn(ctx).QueryRow(ctx, `
			UPDATE appointment SET status = $2, notes = $3, updated_at = NOW()
			WHERE id = $1 RETURNING updated_at`, a.ID, a.Status, a.Notes).Scan(&a.UpdatedAt); err != nil {
			return fmt.Errorf("update appointment status: %w", err)
		}
		if from == a.Status {
			return nil
		}
		return r.appendHistory(ctx, a.ID, from, a.Status, change.ChangedBy, change.Reason)
	})
	if errors.Is(err, errNoChange) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *storePG) ListPatientAppointments(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM appointment WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count patient appointments: %w", err)
	}
	items, err := r.queryAppointments(ctx, `SELECT `+apptCols+apptFrom+`
		WHERE a.patient_id = $1 ORDER BY a.date DESC, a.start_time DESC LIMIT $2 OFFSET $3`,
		patientID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list patient appointments: %w", err)
	}
	return items, total, nil
}

func (r *storePG) ListDoctorAppointments(ctx context.Context, doctorID uuid.UUID, f AppointmentFilter, limit, offset int) ([]*Appointment, int, error) {
	where := ` WHERE a.doctor_id = $1`
	args := []interface{}{doctorID}
	if !f.From.IsZero() {
		args = append(args, f.From.Time())
		where += fmt.Sprintf(" AND a.date >= $%d", len(args))
	}
	if !f.To.IsZero() {
		args = append(args, f.To.Time())
		where += fmt.Sprintf(" AND a.date <= $%d", len(args))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		where += fmt.Sprintf(" AND a.status = $%d", len(args))
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM appointment a`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count doctor appointments: %w", err)
	}
	args = append(args, limit, offset)
	items, err := r.queryAppointments(ctx, `SELECT `+apptCols+apptFrom+where+
		fmt.Sprintf(` ORDER BY a.date, a.start_time, a.id LIMIT $%d OFFSET $%d`, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list doctor appointments: %w", err)
	}
	return items, total, nil
}

func (r *storePG) AppointmentStats(ctx context.Context, party Party, personID uuid.UUID, today Date) (*AppointmentStats, error) {
	column := "patient_id"
	if party == PartyDoctor {
		column = "doctor_id"
	}
	var s AppointmentStats
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE status = 'scheduled'),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'cancelled'),
			COUNT(*) FILTER (WHERE status = 'scheduled' AND date >= $2)
		FROM appointment WHERE `+column+` = $1`, personID, today.Time()).
		Scan(&s.Total, &s.Scheduled, &s.Completed, &s.Cancelled, &s.Upcoming)
	if err != nil {
		return nil, fmt.Errorf("appointment stats: %w", err)
	}
	return &s, nil
}

func (r *storePG) AppointmentHistory(ctx context.Context, appointmentID uuid.UUID) ([]*HistoryEntry, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, appointment_id, previous_status, new_status, changed_by, reason, at
		FROM appointment_history WHERE appointment_id = $1 ORDER BY at, id`, appointmentID)
	if err != nil {
		return nil, fmt.Errorf("list appointment history: %w", err)
	}
	defer rows.Close()
	var items []*HistoryEntry
	for rows.Next() {
		var h HistoryEntry
		if err := rows.Scan(&h.ID, &h.AppointmentID, &h.PreviousStatus, &h.NewStatus, &h.ChangedBy, &h.Reason, &h.At); err != nil {
			return nil, fmt.Errorf("scan appointment history: %w", err)
		}
		items = append(items, &h)
	}
	return items, rows.Err()
}

func (r *storePG) CreateUnavailability(ctx context.Context, doctorID uuid.UUID, blocks []*UnavailabilityBlock, guard CommitGuard) error {
	for _, b := range blocks {
		if b.ID == uuid.Nil {
			b.ID = uuid.New()
		}
		b.DoctorID = doctorID
	}
	return db.InTx(ctx, r.pool, func(ctx context.Context) error {
		if err := r.lockDoctor(ctx, doctorID); err != nil {
			return err
		}
		if guard != nil {
			if err := guard(ctx, r); err != nil {
				return err
			}
		}
		batch := &pgx.Batch{}
		for _, b := range blocks {
			ids := b.OverriddenAppointmentIDs
			if ids == nil {
				ids = []uuid.UUID{}
			}
			batch.Queue(`
				INSERT INTO unavailability_block (id, doctor_id, date, start_time, end_time, reason, overridden_appointment_ids)
				VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING created_at`,
				b.ID, b.DoctorID, b.Date.Time(), pgTime(b.StartTime), pgTime(b.EndTime), b.Reason, ids)
		}
		tx := db.TxFromContext(ctx)
		results := tx.SendBatch(ctx, batch)
		for _, b := range blocks {
			if err := results.QueryRow().Scan(&b.CreatedAt); err != nil {
				results.Close()
				return fmt.Errorf("insert unavailability %s: %w", b.Date, err)
			}
		}
		return results.Close()
	})
}

func (r *storePG) DeleteUnavailability(ctx context.Context, doctorID, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM unavailability_block WHERE id = $1 AND doctor_id = $2`, id, doctorID)
	if err != nil {
		return fmt.Errorf("delete unavailability: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &NotFoundError{Kind: "unavailability block", ID: id.String()}
	}
	return nil
}

func (r *storePG) ListWorkingHours(ctx context.Context, doctorID uuid.UUID) ([]*WorkingHours, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT doctor_id, weekday, start_time, end_time FROM working_hours
		WHERE doctor_id = $1 ORDER BY weekday, start_time`, doctorID)
	if err != nil {
		return nil, fmt.Errorf("list working hours: %w", err)
	}
	defer rows.Close()
	var items []*WorkingHours
	for rows.Next() {
		var h WorkingHours
		var weekday int16
		var start, end pgtype.Time
		if err := rows.Scan(&h.DoctorID, &weekday, &start, &end); err != nil {
			return nil, fmt.Errorf("scan working hours: %w", err)
		}
		h.Weekday = time.Weekday(weekday)
		h.StartTime, h.EndTime = fromPGTime(start), fromPGTime(end)
		items = append(items, &h)
	}
	return items, rows.Err()
}

func (r *storePG) ReplaceWorkingHours(ctx context.Context, doctorID uuid.UUID, hours []*WorkingHours) error {
	return db.InTx(ctx, r.pool, func(ctx context.Context) error {
		if _, err := r.conn(ctx).Exec(ctx, `DELETE FROM working_hours WHERE doctor_id = $1`, doctorID); err != nil {
			return fmt.Errorf("clear working hours: %w", err)
		}
		for _, h := range hours {
			h.DoctorID = doctorID
			if _, err := r.conn(ctx).Exec(ctx, `
				INSERT INTO working_hours (doctor_id, weekday, start_time, end_time) VALUES ($1,$2,$3,$4)`,
				doctorID, int16(h.Weekday), pgTime(h.StartTime), pgTime(h.EndTime)); err != nil {
				return fmt.Errorf("insert working hours: %w", err)
			}
		}
		return nil
	})
}
