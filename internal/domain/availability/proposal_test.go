package availability

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func TestProposal_Lifecycle(t *testing.T) {
	p := newProposal(zerolog.Nop(), "book", uuid.New(), nil)
	if p.state != Proposed {
		t.Fatalf("initial state = %s", p.state)
	}
	if err := p.commit(); err == nil {
		t.Fatal("commit before check should fail")
	}
	if err := p.checked(nil); err != nil {
		t.Fatal(err)
	}
	if err := p.checked(nil); err == nil {
		t.Fatal("second check should fail")
	}
	if err := p.commit(); err != nil {
		t.Fatal(err)
	}
	var pse *ProposalStateError
	if err := p.reject(errors.New("late")); !errors.As(err, &pse) || pse.From != Committed {
		t.Fatalf("expected *ProposalStateError from committed, got %v", err)
	}
}

func TestProposal_RejectReturnsCause(t *testing.T) {
	p := newProposal(zerolog.Nop(), "block", uuid.New(), nil)
	if err := p.checked(nil); err != nil {
		t.Fatal(err)
	}
	cause := &ConflictError{}
	if err := p.reject(cause); err != cause {
		t.Fatalf("expected the cause back, got %v", err)
	}
	if p.state != Rejected {
		t.Errorf("state = %s", p.state)
	}
	if err := p.commit(); err == nil {
		t.Error("rejected proposal must not commit")
	}
}

func TestProposalState_String(t *testing.T) {
	for s, want := range map[ProposalState]string{
		Proposed: "proposed", Checked: "checked", Committed: "committed", Rejected: "rejected",
	} {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", int(s), s.String(), want)
		}
	}
}
