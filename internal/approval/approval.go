// Package approval implements the in-memory store of actions awaiting a
// human confirmation or authorization decision.
package approval

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/officebus/internal/domain"
)

var (
	ErrNotFound        = errors.New("pending action not found")
	ErrDuplicate       = errors.New("pending action already exists")
	ErrAlreadyResolved = errors.New("pending action already resolved")
)

// State represents where a stored action is in its decision lifecycle.
type State int

const (
	StatePending State = iota
	StateExecuting
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateExecuting:
		return "executing"
	default:
		return "unknown"
	}
}

// Outcome is what a suspended submitter receives. Dropped is set when the
// entry was cleared without a decision.
type Outcome struct {
	Result  domain.ActionResult
	Dropped bool
}

// Entry holds a pending action and the deferred result of its submitter.
type Entry struct {
	Action    domain.Action
	CreatedAt time.Time

	state State
	done  chan Outcome // Buffered, receives at most one value.
	once  sync.Once
}

// Done returns the channel the submitter waits on.
func (e *Entry) Done() <-chan Outcome { return e.done }

func (e *Entry) deliver(o Outcome) {
	e.once.Do(func() { e.done <- o })
}

// Store is keyed by action id. Thread-safe; every operation is a single map
// lookup under the lock.
type Store struct {
	mu      sync.Mutex
	pending map[string]*Entry
	logger  *slog.Logger
}

// NewStore creates an empty pending store.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		pending: make(map[string]*Entry),
		logger:  logger,
	}
}

// Add parks an action and returns its entry.
func (s *Store) Add(action domain.Action) (*Entry, error) {
	e := &Entry{
		Action:    action,
		CreatedAt: time.Now().UTC(),
		state:     StatePending,
		done:      make(chan Outcome, 1),
	}

	s.mu.Lock()
	if _, exists := s.pending[action.ID]; exists {
		s.mu.Unlock()
		return nil, ErrDuplicate
	}
	s.pending[action.ID] = e
	s.mu.Unlock()

	s.logger.Info("action parked",
		slog.String("action_id", action.ID),
		slog.String("type", action.Type),
		slog.String("risk", string(action.RiskTier)),
	)
	return e, nil
}

// Get returns a copy of the stored action.
func (s *Store) Get(id string) (domain.Action, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.pending[id]
	if !ok {
		return domain.Action{}, false
	}
	return e.Action, true
}

// StateOf reports the state of a stored action.
func (s *Store) StateOf(id string) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.pending[id]
	if !ok {
		return 0, ErrNotFound
	}
	return e.state, nil
}

// Claim moves a pending entry to executing so that exactly one decision
// wins. The entry stays in the store until Complete.
func (s *Store) Claim(id string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.pending[id]
	if !ok {
		return nil, ErrNotFound
	}
	if e.state != StatePending {
		return nil, ErrAlreadyResolved
	}
	e.state = StateExecuting
	return e, nil
}

// Complete removes a claimed entry and hands the result to its submitter.
// If the store was cleared in the meantime only the submitter is released.
func (s *Store) Complete(e *Entry, result domain.ActionResult) {
	s.mu.Lock()
	if cur, ok := s.pending[e.Action.ID]; ok && cur == e {
		delete(s.pending, e.Action.ID)
	}
	s.mu.Unlock()

	e.deliver(Outcome{Result: result})

	s.logger.Info("action resolved",
		slog.String("action_id", e.Action.ID),
		slog.String("status", string(result.Status)),
	)
}

// Contains reports whether e is still the live entry for its id.
func (s *Store) Contains(e *Entry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.pending[e.Action.ID]
	return ok && cur == e
}

// Count returns the number of stored actions.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Clear drops every entry without a decision and returns how many were
// dropped. Their submitters observe Outcome.Dropped.
func (s *Store) Clear() int {
	s.mu.Lock()
	dropped := s.pending
	s.pending = make(map[string]*Entry)
	s.mu.Unlock()

	for _, e := range dropped {
		e.deliver(Outcome{Dropped: true})
	}
	if n := len(dropped); n > 0 {
		s.logger.Warn("pending actions dropped", slog.Int("count", n))
	}
	return len(dropped)
}
