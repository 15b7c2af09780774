package availability

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ProposalState is the lifecycle of one booking or blocking attempt.
type ProposalState int

const (
	Proposed ProposalState = iota
	Checked
	Committed
	Rejected
)

func (s ProposalState) String() string {
	switch s {
	case Proposed:
		return "proposed"
	case Checked:
		return "checked"
	case Committed:
		return "committed"
	case Rejected:
		return "rejected"
	}
	return fmt.Sprintf("ProposalState(%d)", int(s))
}

// ProposalStateError is returned for a transition the lifecycle does not allow.
type ProposalStateError struct {
	From ProposalState
	To   ProposalState
}

func (e *ProposalStateError) Error() string {
	return fmt.Sprintf("proposal cannot move from %s to %s", e.From, e.To)
}

// proposal is checked once and settled once. It holds no lock; abandoning
// it before commit needs no cleanup.
type proposal struct {
	op        string
	doctorID  uuid.UUID
	ranges    []TimeRange
	state     ProposalState
	conflicts []Conflict
	logger    zerolog.Logger
}

func newProposal(logger zerolog.Logger, op string, doctorID uuid.UUID, ranges []TimeRange) *proposal {
	return &proposal{
		op:       op,
		doctorID: doctorID,
		ranges:   ranges,
		state:    Proposed,
		logger:   logger.With().Str("op", op).Str("doctor_id", doctorID.String()).Int("days", len(ranges)).Logger(),
	}
}

func (p *proposal) move(to ProposalState) error {
	legal := (p.state == Proposed && to == Checked) ||
		(p.state == Checked && (to == Committed || to == Rejected))
	if !legal {
		return &ProposalStateError{From: p.state, To: to}
	}
	p.state = to
	return nil
}

func (p *proposal) checked(conflicts []Conflict) error {
	if err := p.move(Checked); err != nil {
		return err
	}
	p.conflicts = conflicts
	p.logger.Debug().Int("conflicts", len(conflicts)).Msg("proposal checked")
	return nil
}

func (p *proposal) commit() error {
	if err := p.move(Committed); err != nil {
		return err
	}
	p.logger.Info().Int("conflicts", len(p.conflicts)).Msg("proposal committed")
	return nil
}

// reject settles the proposal and returns cause for the caller to surface.
func (p *proposal) reject(cause error) error {
	if err := p.move(Rejected); err != nil {
		return err
	}
	ev := p.logger.Info()
	var c Conflicted
	if errors.As(cause, &c) {
		ev = ev.Int("conflicts", len(c.Conflicted()))
	}
	ev.Str("reason", cause.Error()).Msg("proposal rejected")
	return cause
}
