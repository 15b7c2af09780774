package availability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/medbook/medbook/internal/platform/cache"
)

// MaxViewDays bounds a range view.
const MaxViewDays = 92

type CalendarDay struct {
	Date           Date                   `json:"date"`
	Appointments   []*Appointment         `json:"appointments"`
	Unavailability []*UnavailabilityBlock `json:"unavailability"`
}

type CalendarView struct {
	DoctorID uuid.UUID     `json:"doctor_id"`
	From     Date          `json:"from"`
	To       Date          `json:"to"`
	Days     []CalendarDay `json:"days"`
}

// Calendar serves read models of a doctor's calendar. Views are cached per
// doctor and dropped by Invalidate after every committed mutation.
type Calendar struct {
	store       Store
	views       cache.ViewCache
	logger      zerolog.Logger
	slotMinutes int
	now         func() time.Time
}

func NewCalendar(store Store, views cache.ViewCache, logger zerolog.Logger, slotMinutes int) *Calendar {
	if slotMinutes <= 0 {
		slotMinutes = DefaultDurationMinutes
	}
	return &Calendar{
		store:       store,
		views:       views,
		logger:      logger.With().Str("component", "calendar").Logger(),
		slotMinutes: slotMinutes,
		now:         time.Now,
	}
}

func (c *Calendar) Invalidate(ctx context.Context, doctorID uuid.UUID) error {
	if c.views == nil {
		return nil
	}
	return c.views.Invalidate(ctx, doctorID.String())
}

// cachedView returns the cached value under key, loading and storing it on
// a miss. The value is stored under the generation seen before loading, so a
// mutation that invalidates the scope mid-load discards it. Cache failures
// are logged and never fail the read.
func cachedView[T any](ctx context.Context, c *Calendar, doctorID uuid.UUID, key string, load func() (T, error)) (T, error) {
	scope := doctorID.String()
	var gen cache.Generation
	writeBack := false
	if c.views != nil {
		var hit T
		g, err := c.views.Get(ctx, scope, key, &hit)
		switch {
		case err == nil:
			return hit, nil
		case errors.Is(err, cache.ErrMiss):
			gen, writeBack = g, true
		default:
			c.logger.Warn().Err(err).Str("key", key).Msg("calendar cache read failed")
		}
	}
	v, err := load()
	if err != nil {
		return v, err
	}
	if writeBack {
		if err := c.views.Set(ctx, scope, gen, key, v); err != nil {
			c.logger.Warn().Err(err).Str("key", key).Msg("calendar cache write failed")
		}
	}
	return v, nil
}

// MonthView returns every day of the month with its appointments and blocks.
func (c *Calendar) MonthView(ctx context.Context, doctorID uuid.UUID, year int, month time.Month) (*CalendarView, error) {
	if month < time.January || month > time.December {
		return nil, &ValidationError{Field: "month", Reason: "must be between 1 and 12"}
	}
	return c.RangeView(ctx, doctorID, MonthWindow(year, month))
}

func (c *Calendar) RangeView(ctx context.Context, doctorID uuid.UUID, w Window) (*CalendarView, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	if days := (DaySpan{From: w.From, To: w.To}).Len(); days > MaxViewDays {
		return nil, &InvalidRangeError{Reason: fmt.Sprintf("view spans %d days, at most %d allowed", days, MaxViewDays)}
	}
	key := fmt.Sprintf("range:%s:%s", w.From, w.To)
	return cachedView(ctx, c, doctorID, key, func() (*CalendarView, error) {
		return c.loadView(ctx, doctorID, w)
	})
}

func (c *Calendar) loadView(ctx context.Context, doctorID uuid.UUID, w Window) (*CalendarView, error) {
	var appts []*Appointment
	var blocks []*UnavailabilityBlock
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		appts, err = c.store.ListAppointments(gctx, doctorID, w)
		return err
	})
	g.Go(func() error {
		var err error
		blocks, err = c.store.ListUnavailability(gctx, doctorID, w)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("load calendar: %w", err)
	}

	view := &CalendarView{DoctorID: doctorID, From: w.From, To: w.To}
	index := make(map[Date]int)
	for d := w.From; !d.After(w.To); d = d.AddDays(1) {
		index[d] = len(view.Days)
		view.Days = append(view.Days, CalendarDay{
			Date:           d,
			Appointments:   []*Appointment{},
			Unavailability: []*UnavailabilityBlock{},
		})
	}
	for _, a := range appts {
		if i, ok := index[a.Date]; ok {
			view.Days[i].Appointments = append(view.Days[i].Appointments, a)
		}
	}
	for _, b := range blocks {
		if i, ok := index[b.Date]; ok {
			view.Days[i].Unavailability = append(view.Days[i].Unavailability, b)
		}
	}
	return view, nil
}

// AvailableSlots lists bookable slots of the configured length inside the
// doctor's working hours on date, excluding slots that overlap a scheduled
// appointment or a block. Past slots are omitted.
func (c *Calendar) AvailableSlots(ctx context.Context, doctorID uuid.UUID, date Date) ([]TimeRange, error) {
	if date.IsZero() {
		return nil, &ValidationError{Field: "date", Reason: "is required"}
	}
	now := c.now()
	today := DateOf(now)
	if date.Before(today) {
		return []TimeRange{}, nil
	}

	slots, err := cachedView(ctx, c, doctorID, "slots:"+date.String(), func() ([]TimeRange, error) {
		return c.loadSlots(ctx, doctorID, date)
	})
	if err != nil {
		return nil, err
	}
	if date != today {
		return slots, nil
	}
	cutoff := Clock(now.Hour(), now.Minute())
	out := make([]TimeRange, 0, len(slots))
	for _, s := range slots {
		if s.Start >= cutoff {
			out = append(out, s)
		}
	}
	return out, nil
}

func (c *Calendar) loadSlots(ctx context.Context, doctorID uuid.UUID, date Date) ([]TimeRange, error) {
	hours, err := c.store.ListWorkingHours(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	var candidates []TimeRange
	for _, h := range hours {
		if h.Weekday != date.Weekday() {
			continue
		}
		for t := h.StartTime; t.Add(c.slotMinutes) <= h.EndTime; t = t.Add(c.slotMinutes) {
			candidates = append(candidates, TimeRange{Date: date, Start: t, End: t.Add(c.slotMinutes)})
		}
	}
	slots := make([]TimeRange, 0, len(candidates))
	if len(candidates) == 0 {
		return slots, nil
	}

	appts, err := c.store.ListAppointments(ctx, doctorID, DayWindow(date))
	if err != nil {
		return nil, err
	}
	blocks, err := c.store.ListUnavailability(ctx, doctorID, DayWindow(date))
	if err != nil {
		return nil, err
	}
	taken := make([]TimeRange, 0, len(appts)+len(blocks))
	for _, a := range appts {
		taken = append(taken, a.Range())
	}
	for _, b := range blocks {
		taken = append(taken, b.Range())
	}

next:
	for _, s := range candidates {
		for _, t := range taken {
			if Overlaps(s, t) {
				continue next
			}
		}
		slots = append(slots, s)
	}
	return slots, nil
}
