package availability

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/medbook/medbook/internal/platform/db"
)

// newPGStore connects to MEDBOOK_TEST_DATABASE_URL and applies the project
// migrations. Tests are skipped when it is unset.
func newPGStore(t *testing.T) (Store, *pgxpool.Pool) {
	t.Helper()
	url := os.Getenv("MEDBOOK_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("MEDBOOK_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, url, 10, 1)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	if _, err := db.NewMigrator(pool, "../../../migrations").Up(ctx, db.DefaultSchema); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewStorePG(pool), pool
}

func insertPerson(t *testing.T, pool *pgxpool.Pool, role, name string) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := pool.Exec(context.Background(),
		`INSERT INTO person (id, role, full_name) VALUES ($1, $2, $3)`, id, role, name)
	if err != nil {
		t.Fatalf("insert person: %v", err)
	}
	return id
}

func TestStorePG_BookAndBlock(t *testing.T) {
	store, pool := newPGStore(t)
	svc, _ := newTestService(t, store)
	ctx := context.Background()
	doctorID := insertPerson(t, pool, "doctor", "Dr. Grey")
	patientID := insertPerson(t, pool, "patient", "Ada Lovelace")

	a, err := svc.BookAppointment(ctx, BookingRequest{
		DoctorID:  doctorID,
		PatientID: patientID,
		Range:     rng(t, "2026-03-09", Clock(10, 0), Clock(10, 30)),
		Reason:    "checkup",
	})
	if err != nil {
		t.Fatalf("book: %v", err)
	}

	_, err = svc.BlockRange(ctx, BlockRequest{
		DoctorID: doctorID,
		Span:     blockSpan(t, "2026-03-09", "2026-03-09", Clock(9, 0), Clock(11, 0)),
	})
	var ce *ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *ConflictError, got %v", err)
	}
	if v := ce.Conflicts[0].View(); v.Patient != "Ada Lovelace" {
		t.Errorf("patient name = %q", v.Patient)
	}

	blocks, err := svc.BlockRange(ctx, BlockRequest{
		DoctorID: doctorID,
		Span:     blockSpan(t, "2026-03-09", "2026-03-09", Clock(9, 0), Clock(11, 0)),
		Force:    true,
	})
	if err != nil {
		t.Fatalf("forced block: %v", err)
	}
	stored, err := store.ListUnavailability(ctx, doctorID, DayWindow(Date{2026, 3, 9}))
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 1 || stored[0].ID != blocks[0].ID || len(stored[0].OverriddenAppointmentIDs) != 1 ||
		stored[0].OverriddenAppointmentIDs[0] != a.ID {
		t.Errorf("unexpected stored blocks: %+v", stored)
	}

	if err := svc.Unblock(ctx, doctorID, blocks[0].ID); err != nil {
		t.Fatal(err)
	}
	if err := svc.Unblock(ctx, doctorID, blocks[0].ID); err != nil {
		t.Fatalf("second unblock should be a no-op: %v", err)
	}

	if _, err := svc.CancelAppointment(ctx, CancelRequest{AppointmentID: a.ID, ActorID: patientID, Reason: "travel"}); err != nil {
		t.Fatal(err)
	}
	history, err := svc.AppointmentHistory(ctx, a.ID, doctorID)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 || history[1].NewStatus != StatusCancelled {
		t.Errorf("unexpected history: %+v", history)
	}
}

func TestStorePG_ConcurrentBooking(t *testing.T) {
	store, pool := newPGStore(t)
	svc, _ := newTestService(t, store)
	doctorID := insertPerson(t, pool, "doctor", "Dr. House")

	var patients []uuid.UUID
	for i := 0; i < 8; i++ {
		patients = append(patients, insertPerson(t, pool, "patient", ""))
	}

	var mu sync.Mutex
	var booked int
	var g errgroup.Group
	for _, p := range patients {
		p := p
		g.Go(func() error {
			_, err := svc.BookAppointment(context.Background(), BookingRequest{
				DoctorID:  doctorID,
				PatientID: p,
				Range:     rng(t, "2026-03-10", Clock(14, 0), Clock(14, 30)),
			})
			if err != nil && !IsConflict(err) {
				return err
			}
			if err == nil {
				mu.Lock()
				booked++
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if booked != 1 {
		t.Errorf("expected exactly one booking, got %d", booked)
	}
}

func TestStorePG_WorkingHours(t *testing.T) {
	store, pool := newPGStore(t)
	ctx := context.Background()
	doctorID := insertPerson(t, pool, "doctor", "Dr. Who")

	hours := []*WorkingHours{{Weekday: 1, StartTime: Clock(9, 0), EndTime: Clock(17, 0)}}
	if err := store.ReplaceWorkingHours(ctx, doctorID, hours); err != nil {
		t.Fatal(err)
	}
	got, err := store.ListWorkingHours(ctx, doctorID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].StartTime != Clock(9, 0) || got[0].EndTime != Clock(17, 0) {
		t.Errorf("unexpected working hours: %+v", got)
	}
}

func TestStorePG_DoctorAppointmentsAndStats(t *testing.T) {
	store, pool := newPGStore(t)
	ctx := context.Background()
	doctorID := insertPerson(t, pool, "doctor", "Dr. Quinn")
	patientID := insertPerson(t, pool, "patient", "Grace Hopper")

	var booked []*Appointment
	for _, b := range []struct {
		date  Date
		start TimeOfDay
	}{
		{Date{2026, 4, 7}, Clock(9, 0)},
		{Date{2026, 4, 6}, Clock(11, 0)},
		{Date{2026, 4, 6}, Clock(9, 0)},
	} {
		a := &Appointment{DoctorID: doctorID, PatientID: patientID, Date: b.date, Time: b.start, DurationMinutes: 30}
		if err := store.CreateAppointment(ctx, a, nil); err != nil {
			t.Fatal(err)
		}
		booked = append(booked, a)
	}
	if _, err := store.UpdateAppointmentStatus(ctx, booked[0].ID, StatusChange{To: StatusCancelled}); err != nil {
		t.Fatal(err)
	}
	notes := "rescheduling by phone"
	if _, err := store.UpdateAppointmentStatus(ctx, booked[0].ID, StatusChange{To: StatusCancelled, Notes: &notes}); err != nil {
		t.Fatal(err)
	}
	history, err := store.AppointmentHistory(ctx, booked[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Errorf("notes edit should not add history, got %d entries", len(history))
	}

	items, total, err := store.ListDoctorAppointments(ctx, doctorID,
		AppointmentFilter{From: Date{2026, 4, 6}, To: Date{2026, 4, 7}}, 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 || len(items) != 2 || items[0].ID != booked[2].ID || items[1].ID != booked[1].ID {
		t.Errorf("unexpected page: total=%d %+v", total, items)
	}
	items, total, err = store.ListDoctorAppointments(ctx, doctorID, AppointmentFilter{Status: StatusCancelled}, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || items[0].ID != booked[0].ID || items[0].Notes == nil || *items[0].Notes != notes {
		t.Errorf("expected the cancelled appointment with notes, got %+v", items)
	}

	stats, err := store.AppointmentStats(ctx, PartyDoctor, doctorID, Date{2026, 4, 7})
	if err != nil {
		t.Fatal(err)
	}
	want := &AppointmentStats{Total: 3, Scheduled: 2, Cancelled: 1, Upcoming: 0}
	if *stats != *want {
		t.Errorf("stats = %+v, want %+v", stats, want)
	}
}
