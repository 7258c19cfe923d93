package agreement

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// UpdateFunc mutates a private working copy of one agreement and returns the
// events describing the change. Returning an error discards the copy.
type UpdateFunc func(ctx context.Context, a *Agreement) ([]Event, error)

// Store is the durable home of agreement records. Implementations guarantee
// that Update calls on the same id never interleave and that a record and
// its events are committed together or not at all.
type Store interface {
	Insert(ctx context.Context, draft Agreement, events []Event) (Agreement, error)
	Get(ctx context.Context, id uint64) (Agreement, error)
	Update(ctx context.Context, id uint64, fn UpdateFunc) (Agreement, error)
	List(ctx context.Context, filters ListFilters) ([]Agreement, int, error)
}

type memoryEntry struct {
	mu  sync.Mutex
	rec Agreement
}

// MemoryStore keeps agreements in an arena indexed by id, so ids start at 1
// and are never reused. Each record has its own mutex so work on different
// agreements proceeds in parallel.
type MemoryStore struct {
	mu    sync.RWMutex
	arena []*memoryEntry
	sink  Sink
	log   zerolog.Logger
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithSink delivers committed events to sink.
func WithSink(sink Sink) MemoryOption {
	return func(s *MemoryStore) { s.sink = sink }
}

// WithStoreLogger sets the logger used for sink failures.
func WithStoreLogger(log zerolog.Logger) MemoryOption {
	return func(s *MemoryStore) { s.log = log }
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{log: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Insert(ctx context.Context, draft Agreement, events []Event) (Agreement, error) {
	if draft.Parties == nil {
		draft.Parties = make(map[string]*Party)
	}
	if draft.Stakes == nil {
		draft.Stakes = make(map[string]uint64)
	}

	s.mu.Lock()
	draft.ID = uint64(len(s.arena)) + 1
	entry := &memoryEntry{rec: draft.Clone()}
	entry.mu.Lock()
	s.arena = append(s.arena, entry)
	s.mu.Unlock()
	defer entry.mu.Unlock()

	stampEvents(events, draft.ID)
	s.publish(ctx, events)
	return entry.rec.Clone(), nil
}

func (s *MemoryStore) Get(_ context.Context, id uint64) (Agreement, error) {
	entry, ok := s.entry(id)
	if !ok {
		return Agreement{}, ErrAgreementNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.rec.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, id uint64, fn UpdateFunc) (Agreement, error) {
	entry, ok := s.entry(id)
	if !ok {
		return Agreement{}, ErrAgreementNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	working := entry.rec.Clone()
	events, err := fn(ctx, &working)
	if err != nil {
		return Agreement{}, err
	}
	working.ID = id
	entry.rec = working

	stampEvents(events, id)
	s.publish(ctx, events)
	return working.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context, filters ListFilters) ([]Agreement, int, error) {
	filters = filters.normalize()

	s.mu.RLock()
	entries := append([]*memoryEntry(nil), s.arena...)
	s.mu.RUnlock()

	var matched []Agreement
	for _, entry := range entries {
		entry.mu.Lock()
		if filters.Status == "" || entry.rec.Status == filters.Status {
			matched = append(matched, entry.rec.Clone())
		}
		entry.mu.Unlock()
	}

	total := len(matched)
	start := filters.offset()
	if start >= total {
		return []Agreement{}, total, nil
	}
	end := start + filters.PageSize
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (s *MemoryStore) entry(id uint64) (*memoryEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id == 0 || id > uint64(len(s.arena)) {
		return nil, false
	}
	return s.arena[id-1], true
}

func (s *MemoryStore) publish(ctx context.Context, events []Event) {
	if s.sink == nil || len(events) == 0 {
		return
	}
	if err := s.sink.Publish(ctx, events); err != nil {
		s.log.Error().Err(err).Uint64("agreement_id", events[0].AgreementID).Msg("publish events")
	}
}
