package availability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Invalidator drops cached calendar views of a doctor after a mutation.
type Invalidator interface {
	Invalidate(ctx context.Context, doctorID uuid.UUID) error
}

type Option func(*Service)

// WithClock replaces time.Now, used to reject bookings in the past.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithDurationBounds sets the accepted appointment length in minutes.
func WithDurationBounds(minMinutes, maxMinutes int) Option {
	return func(s *Service) { s.minMinutes, s.maxMinutes = minMinutes, maxMinutes }
}

// WithMaxSpanDays bounds the number of days a conflict check or block may
// cover.
func WithMaxSpanDays(days int) Option {
	return func(s *Service) {
		if days > 0 {
			s.maxSpanDays = days
		}
	}
}

func WithInvalidator(inv Invalidator) Option {
	return func(s *Service) { s.invalidator = inv }
}

// Service orchestrates booking and blocking against a Store.
type Service struct {
	store       Store
	logger      zerolog.Logger
	now         func() time.Time
	minMinutes  int
	maxMinutes  int
	maxSpanDays int
	invalidator Invalidator
}

func NewService(store Store, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		store:       store,
		logger:      logger.With().Str("component", "availability").Logger(),
		now:         time.Now,
		minMinutes:  30,
		maxMinutes:  120,
		maxSpanDays: DefaultMaxSpanDays,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) invalidate(ctx context.Context, doctorID uuid.UUID) {
	if s.invalidator == nil {
		return
	}
	if err := s.invalidator.Invalidate(ctx, doctorID); err != nil {
		s.logger.Warn().Err(err).Str("doctor_id", doctorID.String()).Msg("calendar cache invalidation failed")
	}
}

// DefaultMaxSpanDays bounds a block span when no limit is configured.
const DefaultMaxSpanDays = 366

// expandSpan validates span and rejects spans longer than the configured
// maximum.
func (s *Service) expandSpan(span DaySpan) (DaySpan, error) {
	span, err := ExpandDateSpan(span.From, span.To, span.Start, span.End)
	if err != nil {
		return DaySpan{}, err
	}
	if days := span.Len(); days > s.maxSpanDays {
		return DaySpan{}, &InvalidRangeError{Reason: fmt.Sprintf("span covers %d days, at most %d allowed", days, s.maxSpanDays)}
	}
	return span, nil
}

// -- Check --

// CheckConflicts reports what a proposal over span would collide with,
// without committing anything.
func (s *Service) CheckConflicts(ctx context.Context, doctorID uuid.UUID, span DaySpan, purpose Purpose) (*ConflictReport, error) {
	if doctorID == uuid.Nil {
		return nil, &ValidationError{Field: "doctor_id", Reason: "is required"}
	}
	span, err := s.expandSpan(span)
	if err != nil {
		return nil, err
	}
	conflicts, err := findAll(ctx, s.store, doctorID, span.Ranges(), purpose)
	if err != nil {
		return nil, err
	}
	return newReport(conflicts), nil
}

// -- Book --

type BookingRequest struct {
	DoctorID  uuid.UUID
	PatientID uuid.UUID
	Range     TimeRange
	Reason    string
	Notes     *string
}

func (s *Service) validateBooking(req BookingRequest) error {
	if req.DoctorID == uuid.Nil {
		return &ValidationError{Field: "doctor_id", Reason: "is required"}
	}
	if req.PatientID == uuid.Nil {
		return &ValidationError{Field: "patient_id", Reason: "is required"}
	}
	if err := req.Range.Validate(); err != nil {
		return err
	}
	now := s.now()
	today := DateOf(now)
	if req.Range.Date.Before(today) ||
		(req.Range.Date == today && req.Range.Start < Clock(now.Hour(), now.Minute())) {
		return &InvalidRangeError{Reason: "cannot book an appointment in the past"}
	}
	if d := req.Range.Minutes(); d < s.minMinutes || d > s.maxMinutes {
		return &InvalidRangeError{Reason: fmt.Sprintf("appointment must last between %d and %d minutes", s.minMinutes, s.maxMinutes)}
	}
	return nil
}

// BookAppointment books req.Range for the patient. Any overlap with a
// scheduled appointment or a block rejects the booking.
func (s *Service) BookAppointment(ctx context.Context, req BookingRequest) (*Appointment, error) {
	if err := s.validateBooking(req); err != nil {
		return nil, err
	}

	ranges := []TimeRange{req.Range}
	p := newProposal(s.logger, "book", req.DoctorID, ranges)
	conflicts, err := findAll(ctx, s.store, req.DoctorID, ranges, PurposeBooking)
	if err != nil {
		return nil, err
	}
	if err := p.checked(conflicts); err != nil {
		return nil, err
	}
	if len(conflicts) > 0 {
		return nil, p.reject(&SlotUnavailableError{Conflicts: conflicts})
	}

	a := &Appointment{
		DoctorID:        req.DoctorID,
		PatientID:       req.PatientID,
		Date:            req.Range.Date,
		Time:            req.Range.Start,
		DurationMinutes: req.Range.Minutes(),
		Reason:          req.Reason,
		Notes:           req.Notes,
		Status:          StatusScheduled,
	}
	guard := func(ctx context.Context, r CalendarReader) error {
		late, err := findAll(ctx, r, req.DoctorID, ranges, PurposeBooking)
		if err != nil {
			return err
		}
		if len(late) > 0 {
			return &ConcurrentConflictError{Conflicts: late}
		}
		return nil
	}
	if err := s.store.CreateAppointment(ctx, a, guard); err != nil {
		return nil, p.reject(err)
	}
	if err := p.commit(); err != nil {
		return nil, err
	}
	s.invalidate(ctx, req.DoctorID)
	return a, nil
}

// -- Block --

type BlockRequest struct {
	DoctorID uuid.UUID
	Span     DaySpan
	Reason   *string
	Force    bool
}

// BlockRange blocks the same hours on every day of the span. Every day is
// checked; without Force any appointment conflict rejects the whole span.
// With Force one block per day is written, each recording the appointments
// it overlaps, which stay scheduled. The span commits as a unit.
func (s *Service) BlockRange(ctx context.Context, req BlockRequest) ([]*UnavailabilityBlock, error) {
	if req.DoctorID == uuid.Nil {
		return nil, &ValidationError{Field: "doctor_id", Reason: "is required"}
	}
	span, err := s.expandSpan(req.Span)
	if err != nil {
		return nil, err
	}

	ranges := span.Ranges()
	p := newProposal(s.logger, "block", req.DoctorID, ranges)
	conflicts, err := FindConflicts(ctx, s.store, req.DoctorID, ranges)
	if err != nil {
		return nil, err
	}
	if err := p.checked(conflicts); err != nil {
		return nil, err
	}
	if len(conflicts) > 0 && !req.Force {
		return nil, p.reject(&ConflictError{Conflicts: conflicts})
	}

	blocks := make([]*UnavailabilityBlock, 0, len(ranges))
	for _, r := range ranges {
		blocks = append(blocks, &UnavailabilityBlock{
			DoctorID:  req.DoctorID,
			Date:      r.Date,
			StartTime: r.Start,
			EndTime:   r.End,
			Reason:    req.Reason,
		})
	}
	guard := func(ctx context.Context, r CalendarReader) error {
		late, err := FindConflicts(ctx, r, req.DoctorID, ranges)
		if err != nil {
			return err
		}
		if len(late) > 0 && !req.Force {
			return &ConcurrentConflictError{Conflicts: late}
		}
		byDate := make(map[Date][]Conflict)
		for _, c := range late {
			byDate[c.Overlap.Date] = append(byDate[c.Overlap.Date], c)
		}
		for _, b := range blocks {
			b.OverriddenAppointmentIDs = appointmentIDs(byDate[b.Date])
		}
		return nil
	}
	if err := s.store.CreateUnavailability(ctx, req.DoctorID, blocks, guard); err != nil {
		return nil, p.reject(err)
	}
	if err := p.commit(); err != nil {
		return nil, err
	}
	if req.Force && len(conflicts) > 0 {
		s.logger.Info().Str("doctor_id", req.DoctorID.String()).
			Int("overridden", len(appointmentIDs(conflicts))).Msg("forced block over scheduled appointments")
	}
	s.invalidate(ctx, req.DoctorID)
	return blocks, nil
}

// Unblock removes a block. It never changes appointment status, and an
// unknown id is not an error.
func (s *Service) Unblock(ctx context.Context, doctorID, blockID uuid.UUID) error {
	err := s.store.DeleteUnavailability(ctx, doctorID, blockID)
	if IsNotFound(err) {
		s.logger.Debug().Str("doctor_id", doctorID.String()).Str("block_id", blockID.String()).Msg("unblock of unknown block")
		return nil
	}
	if err != nil {
		return err
	}
	s.invalidate(ctx, doctorID)
	return nil
}

func (s *Service) ListUnavailability(ctx context.Context, doctorID uuid.UUID, w Window) ([]*UnavailabilityBlock, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return s.store.ListUnavailability(ctx, doctorID, w)
}

// -- Appointment status --

type CancelRequest struct {
	AppointmentID uuid.UUID
	ActorID       uuid.UUID
	Reason        string
}

func isParticipant(a *Appointment, actorID uuid.UUID) bool {
	return actorID == a.PatientID || actorID == a.DoctorID
}

// CancelAppointment cancels on behalf of the patient or the doctor.
// Cancelling a cancelled appointment is a no-op.
func (s *Service) CancelAppointment(ctx context.Context, req CancelRequest) (*Appointment, error) {
	var changed bool
	a, err := s.store.CancelAppointment(ctx, req.AppointmentID, StatusChange{
		ChangedBy: req.ActorID.String(),
		Reason:    req.Reason,
		Allow: func(cur *Appointment) error {
			if !isParticipant(cur, req.ActorID) {
				return ErrNotParticipant
			}
			switch cur.Status {
			case StatusCancelled:
				return errNoChange
			case StatusCompleted:
				return &StatusTransitionError{From: cur.Status, To: StatusCancelled}
			}
			changed = true
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.logger.Info().Str("appointment_id", a.ID.String()).Str("actor_id", req.ActorID.String()).Msg("appointment cancelled")
		s.invalidate(ctx, a.DoctorID)
	}
	return a, nil
}

type StatusRequest struct {
	AppointmentID uuid.UUID
	DoctorID      uuid.UUID
	Status        Status
	Notes         *string
	Reason        string
}

// UpdateAppointmentStatus lets the doctor settle a scheduled appointment as
// completed or cancelled.
func (s *Service) UpdateAppointmentStatus(ctx context.Context, req StatusRequest) (*Appointment, error) {
	if req.Status != StatusCompleted && req.Status != StatusCancelled {
		return nil, &ValidationError{Field: "status", Reason: fmt.Sprintf("must be %s or %s", StatusCompleted, StatusCancelled)}
	}
	var changed bool
	a, err := s.store.UpdateAppointmentStatus(ctx, req.AppointmentID, StatusChange{
		To:        req.Status,
		ChangedBy: req.DoctorID.String(),
		Reason:    req.Reason,
		Notes:     req.Notes,
		Allow: func(cur *Appointment) error {
			if cur.DoctorID != req.DoctorID {
				return ErrNotParticipant
			}
			if cur.Status == req.Status && req.Notes == nil {
				return errNoChange
			}
			if cur.Status != StatusScheduled && cur.Status != req.Status {
				return &StatusTransitionError{From: cur.Status, To: req.Status}
			}
			changed = true
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.invalidate(ctx, a.DoctorID)
	}
	return a, nil
}

// GetAppointment returns the appointment when actorID takes part in it.
func (s *Service) GetAppointment(ctx context.Context, id, actorID uuid.UUID) (*Appointment, error) {
	a, err := s.store.GetAppointment(ctx, id)
	if err != nil {
		return nil, err
	}
	if !isParticipant(a, actorID) {
		return nil, ErrNotParticipant
	}
	return a, nil
}

func (s *Service) ListPatientAppointments(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	return s.store.ListPatientAppointments(ctx, patientID, limit, offset)
}

// ListDoctorAppointments lists the doctor's appointments of every status. A
// missing From defaults to today.
func (s *Service) ListDoctorAppointments(ctx context.Context, doctorID uuid.UUID, f AppointmentFilter, limit, offset int) ([]*Appointment, int, error) {
	if f.From.IsZero() {
		f.From = DateOf(s.now())
	}
	if !f.To.IsZero() && f.From.After(f.To) {
		return nil, 0, &InvalidRangeError{Reason: fmt.Sprintf("date_from %s is after date_to %s", f.From, f.To)}
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", f.Status)}
	}
	return s.store.ListDoctorAppointments(ctx, doctorID, f, limit, offset)
}

// AppointmentStats counts the appointments personID takes part in as party.
func (s *Service) AppointmentStats(ctx context.Context, party Party, personID uuid.UUID) (*AppointmentStats, error) {
	return s.store.AppointmentStats(ctx, party, personID, DateOf(s.now()))
}

func (s *Service) AppointmentHistory(ctx context.Context, id, actorID uuid.UUID) ([]*HistoryEntry, error) {
	if _, err := s.GetAppointment(ctx, id, actorID); err != nil {
		return nil, err
	}
	return s.store.AppointmentHistory(ctx, id)
}

// -- Working hours --

// SetWorkingHours replaces the doctor's weekly template.
func (s *Service) SetWorkingHours(ctx context.Context, doctorID uuid.UUID, hours []*WorkingHours) error {
	if doctorID == uuid.Nil {
		return &ValidationError{Field: "doctor_id", Reason: "is required"}
	}
	byDay := make(map[time.Weekday][]*WorkingHours)
	for _, h := range hours {
		if h.Weekday < time.Sunday || h.Weekday > time.Saturday {
			return &ValidationError{Field: "weekday", Reason: fmt.Sprintf("%d is not a weekday", h.Weekday)}
		}
		if h.StartTime < 0 || h.EndTime > EndOfDay || h.StartTime >= h.EndTime {
			return &InvalidRangeError{Reason: fmt.Sprintf("working hours %s-%s on %s", h.StartTime, h.EndTime, h.Weekday)}
		}
		for _, other := range byDay[h.Weekday] {
			if h.StartTime < other.EndTime && other.StartTime < h.EndTime {
				return &InvalidRangeError{Reason: fmt.Sprintf("working hours overlap on %s", h.Weekday)}
			}
		}
		byDay[h.Weekday] = append(byDay[h.Weekday], h)
	}
	if err := s.store.ReplaceWorkingHours(ctx, doctorID, hours); err != nil {
		return err
	}
	s.invalidate(ctx, doctorID)
	return nil
}

func (s *Service) ListWorkingHours(ctx context.Context, doctorID uuid.UUID) ([]*WorkingHours, error) {
	return s.store.ListWorkingHours(ctx, doctorID)
}

// IsConflict reports whether err carries conflicts.
func IsConflict(err error) bool {
	var c Conflicted
	return errors.As(err, &c)
}
