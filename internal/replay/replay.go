// Package replay implements the Replay Buffer Subscriber (C3): bounded,
// sequence-numbered in-memory buffers per execution used for live replay
// and SSE bootstrapping.
package replay

import (
	"sync"
	"time"

	"github.com/shellsrv/mcp-shell-server/internal/publisher"
)

const (
	// DefaultMaxBuffers bounds the number of replay entries kept per execution.
	DefaultMaxBuffers = 1000

	// DefaultRetention is how long an inactive stream's buffer survives
	// before the background sweeper reclaims it.
	DefaultRetention = 1 * time.Hour

	sweepInterval = 5 * time.Minute
)

// Entry is one chunk of captured output, stamped with a monotone sequence
// number shared across stdout and stderr for a single execution.
type Entry struct {
	Timestamp time.Time
	Bytes     []byte
	IsStderr  bool
	Sequence  uint64
}

// StreamState summarizes a single execution's replay buffer.
type StreamState struct {
	IsActive           bool
	LastUpdateTime     time.Time
	TotalBytesReceived uint64
	SequenceCounter    uint64
}

type stream struct {
	mu         sync.Mutex
	entries    []Entry
	nextSeq    uint64
	active     bool
	lastUpdate time.Time
	totalBytes uint64
}

func (s *stream) append(maxBuffers int, data []byte, isStderr bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := Entry{
		Timestamp: time.Now(),
		Bytes:     append([]byte(nil), data...),
		IsStderr:  isStderr,
		Sequence:  s.nextSeq,
	}
	s.nextSeq++
	s.totalBytes += uint64(len(data))
	s.lastUpdate = time.Now()

	s.entries = append(s.entries, e)
	if len(s.entries) > maxBuffers {
		drop := len(s.entries) - maxBuffers
		s.entries = append(s.entries[:0], s.entries[drop:]...)
	}
}

// Store owns every execution's replay buffer, keyed by execution id.
type Store struct {
	mu          sync.RWMutex
	streams     map[string]*stream
	maxBuffers  int
	retention   time.Duration
	stopSweeper chan struct{}
	sweeperOnce sync.Once
}

func NewStore(maxBuffers int, retention time.Duration) *Store {
	if maxBuffers <= 0 {
		maxBuffers = DefaultMaxBuffers
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Store{
		streams:     make(map[string]*stream),
		maxBuffers:  maxBuffers,
		retention:   retention,
		stopSweeper: make(chan struct{}),
	}
}

// Subscriber returns a publisher.Subscriber that feeds this store.
func (st *Store) Subscriber() publisher.Subscriber {
	return &replaySubscriber{store: st}
}

func (st *Store) getOrCreate(executionID string) *stream {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.streams[executionID]
	if !ok {
		s = &stream{active: true, lastUpdate: time.Now()}
		st.streams[executionID] = s
	}
	return s
}

func (st *Store) get(executionID string) (*stream, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.streams[executionID]
	return s, ok
}

// GetLatestBuffers returns the last n entries for executionID; n <= 0
// returns every retained entry.
func (st *Store) GetLatestBuffers(executionID string, n int) []Entry {
	s, ok := st.get(executionID)
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n > len(s.entries) {
		n = len(s.entries)
	}
	out := make([]Entry, n)
	copy(out, s.entries[len(s.entries)-n:])
	return out
}

// GetBuffersFromSequence returns entries with Sequence >= from, up to max entries.
func (st *Store) GetBuffersFromSequence(executionID string, from uint64, max int) []Entry {
	s, ok := st.get(executionID)
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Entry
	for _, e := range s.entries {
		if e.Sequence >= from {
			out = append(out, e)
			if max > 0 && len(out) >= max {
				break
			}
		}
	}
	return out
}

// GetStreamState returns a snapshot of executionID's stream state.
func (st *Store) GetStreamState(executionID string) (StreamState, bool) {
	s, ok := st.get(executionID)
	if !ok {
		return StreamState{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return StreamState{
		IsActive:           s.active,
		LastUpdateTime:     s.lastUpdate,
		TotalBytesReceived: s.totalBytes,
		SequenceCounter:    s.nextSeq,
	}, true
}

// StartSweeper launches the background goroutine that reclaims inactive,
// expired streams every 5 minutes. Call Stop to terminate it.
func (st *Store) StartSweeper() {
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				st.sweep()
			case <-st.stopSweeper:
				return
			}
		}
	}()
}

func (st *Store) sweep() {
	now := time.Now()
	st.mu.Lock()
	defer st.mu.Unlock()
	for id, s := range st.streams {
		s.mu.Lock()
		expired := !s.active && now.Sub(s.lastUpdate) > st.retention
		s.mu.Unlock()
		if expired {
			delete(st.streams, id)
		}
	}
}

// Stop terminates the sweeper goroutine. Safe to call more than once.
func (st *Store) Stop() {
	st.sweeperOnce.Do(func() { close(st.stopSweeper) })
}

type replaySubscriber struct {
	publisher.BaseSubscriber
	store *Store
}

func (r *replaySubscriber) OnStart(executionID string) {
	r.store.getOrCreate(executionID)
}

func (r *replaySubscriber) OnData(executionID string, data []byte, isStderr bool) {
	s := r.store.getOrCreate(executionID)
	s.append(r.store.maxBuffers, data, isStderr)
}

func (r *replaySubscriber) OnEnd(executionID string, exitCode *int) {
	s := r.store.getOrCreate(executionID)
	s.mu.Lock()
	s.active = false
	s.lastUpdate = time.Now()
	s.mu.Unlock()
}

func (r *replaySubscriber) OnError(executionID string, err error) {
	r.OnEnd(executionID, nil)
}
