package availability

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type slotKey struct {
	doctorID uuid.UUID
	date     Date
	time     TimeOfDay
}

// MemoryStore is an in-process Store. Calendar writes for one doctor are
// serialized by a per-doctor mutex held across guard and write.
type MemoryStore struct {
	mu           sync.RWMutex
	appointments map[uuid.UUID]*Appointment
	slotBookings map[slotKey]uuid.UUID // scheduled slot -> appointment, prevents double booking
	blocks       map[uuid.UUID]*UnavailabilityBlock
	history      map[uuid.UUID][]*HistoryEntry
	hours        map[uuid.UUID][]*WorkingHours
	names        map[uuid.UUID]string

	locksMu sync.Mutex
	locks   map[uuid.UUID]*sync.Mutex

	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		appointments: make(map[uuid.UUID]*Appointment),
		slotBookings: make(map[slotKey]uuid.UUID),
		blocks:       make(map[uuid.UUID]*UnavailabilityBlock),
		history:      make(map[uuid.UUID][]*HistoryEntry),
		hours:        make(map[uuid.UUID][]*WorkingHours),
		names:        make(map[uuid.UUID]string),
		locks:        make(map[uuid.UUID]*sync.Mutex),
		now:          time.Now,
	}
}

// SetDisplayName registers the name shown for a patient on their appointments.
func (m *MemoryStore) SetDisplayName(personID uuid.UUID, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.names[personID] = name
}

func (m *MemoryStore) doctorLock(doctorID uuid.UUID) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[doctorID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[doctorID] = l
	}
	return l
}

func (m *MemoryStore) copyAppointment(a *Appointment) *Appointment {
	c := *a
	c.PatientName = m.names[a.PatientID]
	if a.Notes != nil {
		n := *a.Notes
		c.Notes = &n
	}
	return &c
}

func copyBlock(b *UnavailabilityBlock) *UnavailabilityBlock {
	c := *b
	c.OverriddenAppointmentIDs = append([]uuid.UUID{}, b.OverriddenAppointmentIDs...)
	return &c
}

func (m *MemoryStore) ListAppointments(_ context.Context, doctorID uuid.UUID, w Window) ([]*Appointment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Appointment
	for _, a := range m.appointments {
		if a.DoctorID != doctorID || a.Status != StatusScheduled || !w.Contains(a.Date) {
			continue
		}
		out = append(out, m.copyAppointment(a))
	}
	sortAppointments(out)
	return out, nil
}

func (m *MemoryStore) ListUnavailability(_ context.Context, doctorID uuid.UUID, w Window) ([]*UnavailabilityBlock, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*UnavailabilityBlock
	for _, b := range m.blocks {
		if b.DoctorID != doctorID || !w.Contains(b.Date) {
			continue
		}
		out = append(out, copyBlock(b))
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Date.Compare(out[j].Date); c != 0 {
			return c < 0
		}
		if out[i].StartTime != out[j].StartTime {
			return out[i].StartTime < out[j].StartTime
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func sortAppointments(items []*Appointment) {
	sort.Slice(items, func(i, j int) bool {
		if c := items[i].Date.Compare(items[j].Date); c != 0 {
			return c < 0
		}
		if items[i].Time != items[j].Time {
			return items[i].Time < items[j].Time
		}
		return items[i].ID.String() < items[j].ID.String()
	})
}

func (m *MemoryStore) CreateAppointment(ctx context.Context, a *Appointment, guard CommitGuard) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Status == "" {
		a.Status = StatusScheduled
	}

	l := m.doctorLock(a.DoctorID)
	l.Lock()
	defer l.Unlock()

	if guard != nil {
		if err := guard(ctx, m); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := slotKey{a.DoctorID, a.Date, a.Time}
	if a.Status == StatusScheduled {
		if _, taken := m.slotBookings[key]; taken {
			return &ConcurrentConflictError{}
		}
		m.slotBookings[key] = a.ID
	}
	now := m.now()
	a.CreatedAt, a.UpdatedAt = now, now
	a.PatientName = m.names[a.PatientID]
	stored := *a
	m.appointments[a.ID] = &stored
	m.appendHistory(a.ID, "", a.Status, a.PatientID.String(), "")
	return nil
}

// appendHistory requires m.mu to be held.
func (m *MemoryStore) appendHistory(apptID uuid.UUID, from, to Status, changedBy, reason string) {
	m.history[apptID] = append(m.history[apptID], &HistoryEntry{
		ID:             uuid.New(),
		AppointmentID:  apptID,
		PreviousStatus: from,
		NewStatus:      to,
		ChangedBy:      changedBy,
		Reason:         reason,
		At:             m.now(),
	})
}

func (m *MemoryStore) GetAppointment(_ context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.appointments[id]
	if !ok {
		return nil, &NotFoundError{Kind: "appointment", ID: id.String()}
	}
	return m.copyAppointment(a), nil
}

func (m *MemoryStore) CancelAppointment(ctx context.Context, id uuid.UUID, change StatusChange) (*Appointment, error) {
	change.To = StatusCancelled
	return m.UpdateAppointmentStatus(ctx, id, change)
}

func (m *MemoryStore) UpdateAppointmentStatus(_ context.Context, id uuid.UUID, change StatusChange) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.appointments[id]
	if !ok {
		return nil, &NotFoundError{Kind: "appointment", ID: id.String()}
	}
	if err := change.allow(m.copyAppointment(a)); err != nil {
		if errors.Is(err, errNoChange) {
			return m.copyAppointment(a), nil
		}
		return nil, err
	}

	from := a.Status
	if from == StatusScheduled && change.To != StatusScheduled {
		delete(m.slotBookings, slotKey{a.DoctorID, a.Date, a.Time})
	}
	a.Status = change.To
	if change.Notes != nil {
		n := *change.Notes
		a.Notes = &n
	}
	a.UpdatedAt = m.now()
	if from != a.Status {
		m.appendHistory(a.ID, from, a.Status, change.ChangedBy, change.Reason)
	}
	return m.copyAppointment(a), nil
}

func (m *MemoryStore) ListPatientAppointments(_ context.Context, patientID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []*Appointment
	for _, a := range m.appointments {
		if a.PatientID == patientID {
			all = append(all, m.copyAppointment(a))
		}
	}
	sortAppointments(all)
	// newest first
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	return paginate(all, limit, offset)
}

func (m *MemoryStore) ListDoctorAppointments(_ context.Context, doctorID uuid.UUID, f AppointmentFilter, limit, offset int) ([]*Appointment, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []*Appointment
	for _, a := range m.appointments {
		if a.DoctorID == doctorID && f.match(a) {
			all = append(all, m.copyAppointment(a))
		}
	}
	sortAppointments(all)
	return paginate(all, limit, offset)
}

func paginate(all []*Appointment, limit, offset int) ([]*Appointment, int, error) {
	total := len(all)
	if offset >= total {
		return []*Appointment{}, total, nil
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return all[offset:end], total, nil
}

func (m *MemoryStore) AppointmentStats(_ context.Context, party Party, personID uuid.UUID, today Date) (*AppointmentStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &AppointmentStats{}
	for _, a := range m.appointments {
		owner := a.PatientID
		if party == PartyDoctor {
			owner = a.DoctorID
		}
		if owner != personID {
			continue
		}
		stats.Total++
		switch a.Status {
		case StatusScheduled:
			stats.Scheduled++
			if !a.Date.Before(today) {
				stats.Upcoming++
			}
		case StatusCompleted:
			stats.Completed++
		case StatusCancelled:
			stats.Cancelled++
		}
	}
	return stats, nil
}

func (m *MemoryStore) AppointmentHistory(_ context.Context, appointmentID uuid.UUID) ([]*HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*HistoryEntry, 0, len(m.history[appointmentID]))
	for _, h := range m.history[appointmentID] {
		c := *h
		out = append(out, &c)
	}
	return out, nil
}

func (m *MemoryStore) CreateUnavailability(ctx context.Context, doctorID uuid.UUID, blocks []*UnavailabilityBlock, guard CommitGuard) error {
	for _, b := range blocks {
		if b.ID == uuid.Nil {
			b.ID = uuid.New()
		}
		b.DoctorID = doctorID
	}

	l := m.doctorLock(doctorID)
	l.Lock()
	defer l.Unlock()

	if guard != nil {
		if err := guard(ctx, m); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for _, b := range blocks {
		b.CreatedAt = now
		m.blocks[b.ID] = copyBlock(b)
	}
	return nil
}

func (m *MemoryStore) DeleteUnavailability(_ context.Context, doctorID, id uuid.UUID) error {
	l := m.doctorLock(doctorID)
	l.Lock()
	defer l.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blocks[id]
	if !ok || b.DoctorID != doctorID {
		return &NotFoundError{Kind: "unavailability block", ID: id.String()}
	}
	delete(m.blocks, id)
	return nil
}

func (m *MemoryStore) ListWorkingHours(_ context.Context, doctorID uuid.UUID) ([]*WorkingHours, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*WorkingHours, 0, len(m.hours[doctorID]))
	for _, h := range m.hours[doctorID] {
		c := *h
		out = append(out, &c)
	}
	return out, nil
}

func (m *MemoryStore) ReplaceWorkingHours(_ context.Context, doctorID uuid.UUID, hours []*WorkingHours) error {
	stored := make([]*WorkingHours, 0, len(hours))
	for _, h := range hours {
		c := *h
		c.DoctorID = doctorID
		stored = append(stored, &c)
	}
	sort.Slice(stored, func(i, j int) bool {
		if stored[i].Weekday != stored[j].Weekday {
			return stored[i].Weekday < stored[j].Weekday
		}
		return stored[i].StartTime < stored[j].StartTime
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	m.hours[doctorID] = stored
	return nil
}
