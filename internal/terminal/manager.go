package terminal

import (
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/shellsrv/mcp-shell-server/internal/procinfo"
)

const (
	// DefaultMaxTerminals bounds live sessions a single daemon will hold
	// open at once; Create refuses once this cap is reached.
	DefaultMaxTerminals = 50

	// DefaultIdleMinutes is how long a session can go without activity
	// before the sweeper marks it idle.
	DefaultIdleMinutes = 30

	sweepInterval = 30 * time.Second

	statCacheTTL = 1 * time.Second

	defaultCols = 80
	defaultRows = 24
)

var ErrTerminalLimitReached = fmt.Errorf("terminal: session limit reached")
var ErrTerminalAlreadyExists = fmt.Errorf("terminal: session already exists")
var ErrTerminalNotFound = fmt.Errorf("terminal: unknown terminal id")

// CreateOptions configures a new Terminal Session.
type CreateOptions struct {
	SessionName      string
	ShellType        ShellType
	WorkingDirectory string
	Cols             int
	Rows             int
}

// Manager manages terminal sessions keyed by an arbitrary string (e.g. a
// workspace-scoped terminal id).
type Manager struct {
	mu           sync.RWMutex
	sessions     map[string]*Session
	maxTerminals int
	idleAfter    time.Duration
	statCache    *procinfo.Cache

	stopSweeper chan struct{}
	sweeperOnce sync.Once
}

func NewManager() *Manager {
	m := &Manager{
		sessions:     make(map[string]*Session),
		maxTerminals: DefaultMaxTerminals,
		idleAfter:    DefaultIdleMinutes * time.Minute,
		statCache:    procinfo.NewCache(statCacheTTL),
		stopSweeper:  make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// Create starts a new terminal session. Errors if a session already
// exists for key or the daemon is at its terminal-count cap.
func (m *Manager) Create(key string, cmd *exec.Cmd, opts CreateOptions) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[key]; exists {
		return nil, ErrTerminalAlreadyExists
	}
	if len(m.sessions) >= m.maxTerminals {
		return nil, ErrTerminalLimitReached
	}

	p, err := Start(cmd)
	if err != nil {
		return nil, err
	}

	cols, rows := opts.Cols, opts.Rows
	if cols <= 0 || rows <= 0 {
		cols, rows = defaultCols, defaultRows
	}
	dims := clampDimensions(cols, rows)
	p.Resize(uint16(dims.Rows), uint16(dims.Cols))

	sess := newSession(key, opts.SessionName, opts.ShellType, opts.WorkingDirectory, dims, p, m.statCache)
	m.sessions[key] = sess
	return sess, nil
}

// Get returns the session for key, or nil.
func (m *Manager) Get(key string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[key]
}

// Remove closes and removes a session (if present), immediately.
func (m *Manager) Remove(key string) error {
	m.mu.Lock()
	sess, exists := m.sessions[key]
	if exists {
		delete(m.sessions, key)
	}
	m.mu.Unlock()

	if !exists {
		return nil
	}
	sess.Close()
	return nil
}

// Close closes the session but retains it in the registry for
// postCloseRetention so late reads still see it, then deletes it.
func (m *Manager) Close(key string) (CloseResult, error) {
	m.mu.RLock()
	sess, exists := m.sessions[key]
	m.mu.RUnlock()
	if !exists {
		return CloseResult{}, fmt.Errorf("%w: %q", ErrTerminalNotFound, key)
	}

	res := sess.Close()
	time.AfterFunc(postCloseRetention, func() {
		m.mu.Lock()
		if m.sessions[key] == sess {
			delete(m.sessions, key)
		}
		m.mu.Unlock()
	})
	return res, nil
}

// List returns all session keys currently tracked (including recently
// closed ones still within their retention window).
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.sessions))
	for k := range m.sessions {
		keys = append(keys, k)
	}
	return keys
}

// CloseAll closes and removes all sessions, e.g. at daemon shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, sess := range sessions {
		sess.Close()
	}
}

func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweepIdle()
		case <-m.stopSweeper:
			return
		}
	}
}

func (m *Manager) sweepIdle() {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	for _, s := range sessions {
		s.probeIdle(m.idleAfter)
	}
}

// Stop terminates the idle sweeper. Safe to call more than once.
func (m *Manager) Stop() {
	m.sweeperOnce.Do(func() { close(m.stopSweeper) })
}
