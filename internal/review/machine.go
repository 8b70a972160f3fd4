// Package review holds the per-generation proposal review state.
package review

import (
	"context"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/MarcoPoloResearchLab/flashcards/backend/internal/cards"
	"github.com/MarcoPoloResearchLab/flashcards/backend/internal/generations"
)

// State is the review state of one proposal.
type State string

const (
	StatePending  State = "pending"
	StateAccepted State = "accepted"
	StateRejected State = "rejected"
	StateEditing  State = "editing"
)

// Saver persists accepted proposals and closes the generation.
type Saver interface {
	SaveAccepted(ctx context.Context, userID string, generationID int64, accepted []generations.Proposal) (cards.SaveResult, error)
}

type item struct {
	id            string
	front         string
	back          string
	originalFront string
	originalBack  string
	source        generations.CardSource
	state         State
}

// Machine tracks accept/reject/edit decisions for one generation's proposals.
// It is safe for concurrent use.
type Machine struct {
	mu           sync.Mutex
	userID       string
	generationID int64
	items        []*item
	index        map[string]*item
	closed       bool
}

// ProposalView is a read-only copy of one proposal.
type ProposalView struct {
	ID           string                 `json:"id"`
	Front        string                 `json:"front"`
	Back         string                 `json:"back"`
	Source       generations.CardSource `json:"source"`
	State        State                  `json:"state"`
	EditDistance int                    `json:"edit_distance"`
}

// Counts tallies proposals per state.
type Counts struct {
	Pending  int `json:"pending"`
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`
	Editing  int `json:"editing"`
}

// Snapshot is the full review state.
type Snapshot struct {
	GenerationID int64          `json:"generation_id"`
	Proposals    []ProposalView `json:"proposals"`
	Counts       Counts         `json:"counts"`
	Closed       bool           `json:"closed"`
}

// NewMachine starts a review cycle with every proposal pending.
func NewMachine(userID string, generationID int64, proposals []generations.Proposal) *Machine {
	machine := &Machine{
		userID:       userID,
		generationID: generationID,
		items:        make([]*item, 0, len(proposals)),
		index:        make(map[string]*item, len(proposals)),
	}
	for _, proposal := range proposals {
		source := proposal.Source
		if source == "" {
			source = generations.SourceAICreated
		}
		entry := &item{
			id:            uuid.NewString(),
			front:         proposal.Front,
			back:          proposal.Back,
			originalFront: proposal.Front,
			originalBack:  proposal.Back,
			source:        source,
			state:         StatePending,
		}
		machine.items = append(machine.items, entry)
		machine.index[entry.id] = entry
	}
	return machine
}

// GenerationID returns the generation under review.
func (m *Machine) GenerationID() int64 {
	return m.generationID
}

// IDs returns proposal ids in generation order.
func (m *Machine) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.items))
	for _, entry := range m.items {
		ids = append(ids, entry.id)
	}
	return ids
}

// Accept marks a pending or rejected proposal accepted.
func (m *Machine) Accept(id string) error {
	return m.transition(id, StateAccepted, StatePending, StateRejected, StateAccepted)
}

// Reject marks a pending or accepted proposal rejected.
func (m *Machine) Reject(id string) error {
	return m.transition(id, StateRejected, StatePending, StateAccepted, StateRejected)
}

// StartEdit moves a proposal into editing.
func (m *Machine) StartEdit(id string) error {
	return m.transition(id, StateEditing, StatePending, StateAccepted, StateRejected)
}

// CancelEdit returns an editing proposal to pending with its generated text.
// The source is left unchanged.
func (m *Machine) CancelEdit(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, err := m.lookup(id)
	if err != nil {
		return err
	}
	if entry.state != StateEditing {
		return ErrInvalidTransition
	}
	entry.front = entry.originalFront
	entry.back = entry.originalBack
	entry.state = StatePending
	return nil
}

// SaveEdit stores new text for an editing proposal and accepts it. Text that
// differs from the generated original marks the proposal ai_edited for good.
func (m *Machine) SaveEdit(id, front, back string) error {
	front = strings.TrimSpace(front)
	back = strings.TrimSpace(back)
	if !validText(front, cards.MaxFrontLength) || !validText(back, cards.MaxBackLength) {
		return ErrInvalidEdit
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	entry, err := m.lookup(id)
	if err != nil {
		return err
	}
	if entry.state != StateEditing {
		return ErrInvalidTransition
	}
	entry.front = front
	entry.back = back
	if front != entry.originalFront || back != entry.originalBack {
		entry.source = generations.SourceAIEdited
	}
	entry.state = StateAccepted
	return nil
}

// AcceptAll accepts every proposal not being edited and returns how many changed.
func (m *Machine) AcceptAll() (int, error) {
	return m.bulk(StateAccepted)
}

// RejectAll rejects every proposal not being edited and returns how many changed.
func (m *Machine) RejectAll() (int, error) {
	return m.bulk(StateRejected)
}

// Snapshot returns a copy of the current state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	dmp := diffmatchpatch.New()
	views := make([]ProposalView, 0, len(m.items))
	for _, entry := range m.items {
		distance := 0
		if entry.front != entry.originalFront || entry.back != entry.originalBack {
			distance = dmp.DiffLevenshtein(dmp.DiffMain(entry.originalFront, entry.front, false)) +
				dmp.DiffLevenshtein(dmp.DiffMain(entry.originalBack, entry.back, false))
		}
		views = append(views, ProposalView{
			ID:           entry.id,
			Front:        entry.front,
			Back:         entry.back,
			Source:       entry.source,
			State:        entry.state,
			EditDistance: distance,
		})
	}
	return Snapshot{
		GenerationID: m.generationID,
		Proposals:    views,
		Counts:       m.countsLocked(),
		Closed:       m.closed,
	}
}

// Counts tallies proposals per state.
func (m *Machine) Counts() Counts {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countsLocked()
}

// Save hands the accepted proposals to saver and closes the machine on success.
// Any proposal still editing blocks the save before saver is called. With nothing
// accepted the machine closes without calling saver.
func (m *Machine) Save(ctx context.Context, saver Saver) (cards.SaveResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return cards.SaveResult{}, ErrClosed
	}
	if m.countsLocked().Editing > 0 {
		return cards.SaveResult{}, ErrEditsInProgress
	}

	accepted := make([]generations.Proposal, 0, len(m.items))
	for _, entry := range m.items {
		if entry.state == StateAccepted {
			accepted = append(accepted, generations.Proposal{Front: entry.front, Back: entry.back, Source: entry.source})
		}
	}
	if len(accepted) == 0 {
		m.closed = true
		return cards.SaveResult{}, nil
	}

	result, err := saver.SaveAccepted(ctx, m.userID, m.generationID, accepted)
	if err != nil {
		return cards.SaveResult{}, err
	}
	m.closed = true
	return result, nil
}

func (m *Machine) transition(id string, target State, from ...State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, err := m.lookup(id)
	if err != nil {
		return err
	}
	for _, allowed := range from {
		if entry.state == allowed {
			entry.state = target
			return nil
		}
	}
	return ErrInvalidTransition
}

func (m *Machine) bulk(target State) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	changed := 0
	for _, entry := range m.items {
		if entry.state == StateEditing || entry.state == target {
			continue
		}
		entry.state = target
		changed++
	}
	return changed, nil
}

func (m *Machine) lookup(id string) (*item, error) {
	if m.closed {
		return nil, ErrClosed
	}
	entry, ok := m.index[id]
	if !ok {
		return nil, ErrUnknownProposal
	}
	return entry, nil
}

func (m *Machine) countsLocked() Counts {
	var counts Counts
	for _, entry := range m.items {
		switch entry.state {
		case StatePending:
			counts.Pending++
		case StateAccepted:
			counts.Accepted++
		case StateRejected:
			counts.Rejected++
		case StateEditing:
			counts.Editing++
		}
	}
	return counts
}

func validText(value string, limit int) bool {
	length := utf8.RuneCountInString(value)
	return length > 0 && length <= limit
}
