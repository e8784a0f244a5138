package observability

import "sync"

const (
	// OtherTaskType replaces task types seen after the limit is reached.
	OtherTaskType = "other"
	// DefaultMaxTaskTypes bounds distinct task_type label values.
	DefaultMaxTaskTypes = 100
)

// taskTypeSet admits the first limit distinct task types. Task types are
// chosen by clients, so everything past the limit shares OtherTaskType.
type taskTypeSet struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	limit int
}

func newTaskTypeSet(limit int) *taskTypeSet {
	if limit <= 0 {
		limit = DefaultMaxTaskTypes
	}
	return &taskTypeSet{seen: make(map[string]struct{}), limit: limit}
}

// admit returns t, recording it when there is room, or OtherTaskType.
func (s *taskTypeSet) admit(t string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[t]; ok {
		return t
	}
	if len(s.seen) >= s.limit {
		return OtherTaskType
	}
	s.seen[t] = struct{}{}
	return t
}

// lookup is admit without recording.
func (s *taskTypeSet) lookup(t string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[t]; ok || len(s.seen) < s.limit {
		return t
	}
	return OtherTaskType
}
