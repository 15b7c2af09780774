package availability

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an appointment.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// DefaultDurationMinutes is applied when a booking does not carry an end time.
const DefaultDurationMinutes = 30

// Appointment maps to the appointment table.
type Appointment struct {
	ID              uuid.UUID `db:"id" json:"id"`
	DoctorID        uuid.UUID `db:"doctor_id" json:"doctor_id"`
	PatientID       uuid.UUID `db:"patient_id" json:"patient_id"`
	PatientName     string    `json:"patient_name,omitempty"`
	Date            Date      `db:"date" json:"date"`
	Time            TimeOfDay `db:"start_time" json:"time"`
	DurationMinutes int       `db:"duration_minutes" json:"duration_minutes"`
	Reason          string    `db:"reason" json:"reason"`
	Notes           *string   `db:"notes" json:"notes,omitempty"`
	Status          Status    `db:"status" json:"status"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

// Range is the time the appointment occupies on the doctor's calendar.
func (a *Appointment) Range() TimeRange {
	d := a.DurationMinutes
	if d <= 0 {
		d = DefaultDurationMinutes
	}
	return TimeRange{Date: a.Date, Start: a.Time, End: a.Time.Add(d)}
}

// UnavailabilityBlock maps to the unavailability_block table.
type UnavailabilityBlock struct {
	ID                       uuid.UUID   `db:"id" json:"id"`
	DoctorID                 uuid.UUID   `db:"doctor_id" json:"doctor_id"`
	Date                     Date        `db:"date" json:"date"`
	StartTime                TimeOfDay   `db:"start_time" json:"start_time"`
	EndTime                  TimeOfDay   `db:"end_time" json:"end_time"`
	Reason                   *string     `db:"reason" json:"reason,omitempty"`
	OverriddenAppointmentIDs []uuid.UUID `db:"overridden_appointment_ids" json:"overridden_appointment_ids"`
	CreatedAt                time.Time   `db:"created_at" json:"created_at"`
}

func (b *UnavailabilityBlock) Range() TimeRange {
	return TimeRange{Date: b.Date, Start: b.StartTime, End: b.EndTime}
}

// HistoryEntry maps to the appointment_history table. Creation is recorded
// with an empty PreviousStatus.
type HistoryEntry struct {
	ID             uuid.UUID `db:"id" json:"id"`
	AppointmentID  uuid.UUID `db:"appointment_id" json:"appointment_id"`
	PreviousStatus Status    `db:"previous_status" json:"previous_status"`
	NewStatus      Status    `db:"new_status" json:"new_status"`
	ChangedBy      string    `db:"changed_by" json:"changed_by"`
	Reason         string    `db:"reason" json:"reason,omitempty"`
	At             time.Time `db:"at" json:"at"`
}

// WorkingHours is one entry of a doctor's weekly template.
type WorkingHours struct {
	DoctorID  uuid.UUID    `db:"doctor_id" json:"doctor_id"`
	Weekday   time.Weekday `db:"weekday" json:"weekday"`
	StartTime TimeOfDay    `db:"start_time" json:"start_time"`
	EndTime   TimeOfDay    `db:"end_time" json:"end_time"`
}

// AppointmentFilter narrows a doctor's appointment list. Zero fields match
// everything.
type AppointmentFilter struct {
	From   Date
	To     Date
	Status Status
}

func (f AppointmentFilter) match(a *Appointment) bool {
	if !f.From.IsZero() && a.Date.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && a.Date.After(f.To) {
		return false
	}
	return f.Status == "" || a.Status == f.Status
}

// Party selects which side of an appointment a person is counted on.
type Party int

const (
	PartyPatient Party = iota
	PartyDoctor
)

// AppointmentStats counts a person's appointments. Upcoming counts scheduled
// appointments dated today or later.
type AppointmentStats struct {
	Total     int `json:"total_appointments"`
	Scheduled int `json:"scheduled_appointments"`
	Completed int `json:"completed_appointments"`
	Cancelled int `json:"cancelled_appointments"`
	Upcoming  int `json:"upcoming_appointments"`
}

// StatusChange describes an appointment status transition. Allow is evaluated
// by the store against the locked current row inside the write transaction.
type StatusChange struct {
	To        Status
	ChangedBy string
	Reason    string
	Notes     *string
	Allow     func(current *Appointment) error
}

func (c StatusChange) allow(current *Appointment) error {
	if c.Allow == nil {
		return nil
	}
	return c.Allow(current)
}

// ConflictKind distinguishes what a proposed range collided with.
type ConflictKind string

const (
	ConflictAppointment ConflictKind = "appointment"
	ConflictBlockedSlot ConflictKind = "blocked_slot"
)

// Conflict is produced during evaluation only and never persisted.
// Exactly one of Appointment and Block is set, according to Kind.
type Conflict struct {
	Kind        ConflictKind
	Appointment *Appointment
	Block       *UnavailabilityBlock
	Overlap     TimeRange
}

// ConflictView is the rendering of a Conflict handed to callers, so they
// can present it without further lookups.
type ConflictView struct {
	Kind        ConflictKind `json:"kind"`
	Date        Date         `json:"date"`
	Time        TimeOfDay    `json:"time"`
	EndTime     TimeOfDay    `json:"end_time"`
	PatientID   *uuid.UUID   `json:"patient_id,omitempty"`
	Patient     string       `json:"patient,omitempty"`
	Reason      string       `json:"reason,omitempty"`
	Appointment *uuid.UUID   `json:"appointment_id,omitempty"`
	Block       *uuid.UUID   `json:"block_id,omitempty"`
}

func (c Conflict) View() ConflictView {
	v := ConflictView{Kind: c.Kind, Date: c.Overlap.Date}
	switch {
	case c.Appointment != nil:
		r := c.Appointment.Range()
		id, pid := c.Appointment.ID, c.Appointment.PatientID
		v.Time, v.EndTime = r.Start, r.End
		v.PatientID = &pid
		v.Patient = c.Appointment.PatientName
		if v.Patient == "" {
			v.Patient = pid.String()
		}
		v.Reason = c.Appointment.Reason
		v.Appointment = &id
	case c.Block != nil:
		id := c.Block.ID
		v.Time, v.EndTime = c.Block.StartTime, c.Block.EndTime
		if c.Block.Reason != nil {
			v.Reason = *c.Block.Reason
		}
		v.Block = &id
	}
	return v
}

func Views(conflicts []Conflict) []ConflictView {
	out := make([]ConflictView, 0, len(conflicts))
	for _, c := range conflicts {
		out = append(out, c.View())
	}
	return out
}

// ConflictReport is the answer to a conflict check.
type ConflictReport struct {
	HasConflicts bool           `json:"has_conflicts"`
	Conflicts    []ConflictView `json:"conflicts"`
	conflicts    []Conflict
}

func newReport(conflicts []Conflict) *ConflictReport {
	return &ConflictReport{
		HasConflicts: len(conflicts) > 0,
		Conflicts:    Views(conflicts),
		conflicts:    conflicts,
	}
}

// Raw returns the conflicts the report was built from.
func (r *ConflictReport) Raw() []Conflict { return r.conflicts }

func appointmentIDs(conflicts []Conflict) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(conflicts))
	seen := make(map[uuid.UUID]bool, len(conflicts))
	for _, c := range conflicts {
		if c.Appointment == nil || seen[c.Appointment.ID] {
			continue
		}
		seen[c.Appointment.ID] = true
		ids = append(ids, c.Appointment.ID)
	}
	return ids
}
