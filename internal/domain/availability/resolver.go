package availability

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// coveringWindow is the smallest window holding every range.
func coveringWindow(ranges []TimeRange) Window {
	w := DayWindow(ranges[0].Date)
	for _, r := range ranges[1:] {
		if r.Date.Before(w.From) {
			w.From = r.Date
		}
		if r.Date.After(w.To) {
			w.To = r.Date
		}
	}
	return w
}

// FindConflicts returns, for each proposed range in order, the scheduled
// appointments it overlaps. The store is read once per call.
func FindConflicts(ctx context.Context, r CalendarReader, doctorID uuid.UUID, ranges []TimeRange) ([]Conflict, error) {
	if len(ranges) == 0 {
		return nil, nil
	}
	w := coveringWindow(ranges)
	appts, err := r.ListAppointments(ctx, doctorID, w)
	if err != nil {
		return nil, fmt.Errorf("read appointments for %s..%s: %w", w.From, w.To, err)
	}
	byDate := make(map[Date][]*Appointment)
	for _, a := range appts {
		byDate[a.Date] = append(byDate[a.Date], a)
	}
	var out []Conflict
	for _, proposed := range ranges {
		for _, a := range byDate[proposed.Date] {
			if overlap, ok := Intersect(proposed, a.Range()); ok {
				out = append(out, Conflict{Kind: ConflictAppointment, Appointment: a, Overlap: overlap})
			}
		}
	}
	return out, nil
}

// FindBlockedSlots returns, for each proposed range in order, the
// unavailability blocks it overlaps.
func FindBlockedSlots(ctx context.Context, r CalendarReader, doctorID uuid.UUID, ranges []TimeRange) ([]Conflict, error) {
	if len(ranges) == 0 {
		return nil, nil
	}
	w := coveringWindow(ranges)
	blocks, err := r.ListUnavailability(ctx, doctorID, w)
	if err != nil {
		return nil, fmt.Errorf("read unavailability for %s..%s: %w", w.From, w.To, err)
	}
	byDate := make(map[Date][]*UnavailabilityBlock)
	for _, b := range blocks {
		byDate[b.Date] = append(byDate[b.Date], b)
	}
	var out []Conflict
	for _, proposed := range ranges {
		for _, b := range byDate[proposed.Date] {
			if overlap, ok := Intersect(proposed, b.Range()); ok {
				out = append(out, Conflict{Kind: ConflictBlockedSlot, Block: b, Overlap: overlap})
			}
		}
	}
	return out, nil
}

// Purpose selects which kinds of conflict a check reports.
type Purpose int

const (
	// PurposeBlocking reports scheduled appointments only. Blocks never
	// conflict with blocks.
	PurposeBlocking Purpose = iota
	// PurposeBooking also reports unavailability blocks.
	PurposeBooking
)

func (p Purpose) String() string {
	if p == PurposeBooking {
		return "booking"
	}
	return "blocking"
}

func findAll(ctx context.Context, r CalendarReader, doctorID uuid.UUID, ranges []TimeRange, purpose Purpose) ([]Conflict, error) {
	conflicts, err := FindConflicts(ctx, r, doctorID, ranges)
	if err != nil {
		return nil, err
	}
	if purpose != PurposeBooking {
		return conflicts, nil
	}
	blocked, err := FindBlockedSlots(ctx, r, doctorID, ranges)
	if err != nil {
		return nil, err
	}
	conflicts = append(conflicts, blocked...)
	sort.SliceStable(conflicts, func(i, j int) bool {
		a, b := conflicts[i].Overlap, conflicts[j].Overlap
		if c := a.Date.Compare(b.Date); c != 0 {
			return c < 0
		}
		return a.Start < b.Start
	})
	return conflicts, nil
}
