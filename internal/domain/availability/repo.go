package availability

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// CalendarReader reads a doctor's committed calendar.
type CalendarReader interface {
	// ListAppointments returns scheduled appointments in w ordered by date and time.
	ListAppointments(ctx context.Context, doctorID uuid.UUID, w Window) ([]*Appointment, error)
	// ListUnavailability returns blocks in w ordered by date and start time.
	ListUnavailability(ctx context.Context, doctorID uuid.UUID, w Window) ([]*UnavailabilityBlock, error)
}

// CommitGuard runs inside the store's per-doctor critical section, against a
// reader bound to the same transaction. A non-nil error aborts the write and
// is returned unchanged.
type CommitGuard func(ctx context.Context, r CalendarReader) error

// errNoChange is returned by a StatusChange.Allow to leave the appointment
// untouched without failing.
var errNoChange = errors.New("status unchanged")

type Store interface {
	CalendarReader

	CreateAppointment(ctx context.Context, a *Appointment, guard CommitGuard) error
	GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)
	CancelAppointment(ctx context.Context, id uuid.UUID, change StatusChange) (*Appointment, error)
	UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, change StatusChange) (*Appointment, error)
	ListPatientAppointments(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Appointment, int, error)
	// ListDoctorAppointments returns appointments of any status ordered by
	// date and time, with the total matching f.
	ListDoctorAppointments(ctx context.Context, doctorID uuid.UUID, f AppointmentFilter, limit, offset int) ([]*Appointment, int, error)
	AppointmentStats(ctx context.Context, party Party, personID uuid.UUID, today Date) (*AppointmentStats, error)
	AppointmentHistory(ctx context.Context, appointmentID uuid.UUID) ([]*HistoryEntry, error)

	CreateUnavailability(ctx context.Context, doctorID uuid.UUID, blocks []*UnavailabilityBlock, guard CommitGuard) error
	DeleteUnavailability(ctx context.Context, doctorID, id uuid.UUID) error

	ListWorkingHours(ctx context.Context, doctorID uuid.UUID) ([]*WorkingHours, error)
	ReplaceWorkingHours(ctx context.Context, doctorID uuid.UUID, hours []*WorkingHours) error
}
