// Package sink implements the File Sink Subscriber (C2): persists stdout
// and stderr for each execution to two append-only files, registering them
// with a shared file registry so the Pipeline Reader (C4) can locate them.
package sink

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/shellsrv/mcp-shell-server/internal/publisher"
)

// Kind distinguishes the two output files written per execution.
type Kind string

const (
	KindStdout Kind = "stdout"
	KindStderr Kind = "stderr"
)

// Registry is the external file registry C2 registers files with and C4
// consults to find them. Shared by pointer across the daemon.
type Registry struct {
	mu    sync.RWMutex
	files map[string]map[Kind]string
}

func NewRegistry() *Registry {
	return &Registry{files: make(map[string]map[Kind]string)}
}

func (r *Registry) Register(executionID string, kind Kind, path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.files[executionID]
	if !ok {
		m = make(map[Kind]string)
		r.files[executionID] = m
	}
	m[kind] = path
}

// Path returns the registered file path for executionID/kind, if any.
func (r *Registry) Path(executionID string, kind Kind) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.files[executionID]
	if !ok {
		return "", false
	}
	p, ok := m[kind]
	return p, ok
}

// timestampForPath formats now the way the output file layout requires:
// ':' and '.' replaced with '-' so the result is filesystem-safe.
func timestampForPath(now time.Time) string {
	ts := now.Format("2006-01-02T15:04:05.000Z07:00")
	ts = strings.ReplaceAll(ts, ":", "-")
	ts = strings.ReplaceAll(ts, ".", "-")
	return ts
}

type execFiles struct {
	mu     sync.Mutex
	stdout *os.File
	stderr *os.File
	closed bool
}

// FileSink is the File Sink Subscriber. Subscribe one instance to the
// Publisher Fabric and attach it to each execution that should be persisted.
type FileSink struct {
	publisher.BaseSubscriber

	baseDir  string
	registry *Registry

	mu    sync.Mutex
	execs map[string]*execFiles
}

func NewFileSink(baseDir string, registry *Registry) (*FileSink, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output dir %s: %w", baseDir, err)
	}
	return &FileSink{
		baseDir:  baseDir,
		registry: registry,
		execs:    make(map[string]*execFiles),
	}, nil
}

func (f *FileSink) OnStart(executionID string) {
	ts := timestampForPath(time.Now())
	stdoutPath := filepath.Join(f.baseDir, fmt.Sprintf("%s-stdout-%s.txt", executionID, ts))
	stderrPath := filepath.Join(f.baseDir, fmt.Sprintf("%s-stderr-%s.txt", executionID, ts))

	stdout, err := os.OpenFile(stdoutPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return
	}
	stderr, err := os.OpenFile(stderrPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		stdout.Close()
		return
	}

	f.registry.Register(executionID, KindStdout, stdoutPath)
	f.registry.Register(executionID, KindStderr, stderrPath)

	f.mu.Lock()
	f.execs[executionID] = &execFiles{stdout: stdout, stderr: stderr}
	f.mu.Unlock()
}

func (f *FileSink) get(executionID string) *execFiles {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.execs[executionID]
}

func (f *FileSink) OnData(executionID string, data []byte, isStderr bool) {
	ef := f.get(executionID)
	if ef == nil {
		return
	}
	ef.mu.Lock()
	defer ef.mu.Unlock()
	if ef.closed {
		return
	}
	target := ef.stdout
	if isStderr {
		target = ef.stderr
	}
	if target == nil {
		return
	}
	target.Write(data)
	target.Sync()
}

func (f *FileSink) closeFiles(ef *execFiles) {
	ef.mu.Lock()
	defer ef.mu.Unlock()
	if ef.closed {
		return
	}
	ef.closed = true
	if ef.stdout != nil {
		ef.stdout.Close()
	}
	if ef.stderr != nil {
		ef.stderr.Close()
	}
}

func (f *FileSink) OnEnd(executionID string, exitCode *int) {
	ef := f.get(executionID)
	if ef == nil {
		return
	}
	f.closeFiles(ef)
}

func (f *FileSink) OnError(executionID string, err error) {
	ef := f.get(executionID)
	if ef == nil {
		return
	}
	ef.mu.Lock()
	if !ef.closed && ef.stderr != nil {
		fmt.Fprintf(ef.stderr, "[ERROR] %s\n", err)
		ef.stderr.Sync()
	}
	ef.mu.Unlock()
	f.closeFiles(ef)
}
