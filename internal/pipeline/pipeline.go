// Package pipeline implements the Pipeline Reader (C4): a lazy byte stream
// that drains a persisted output file up to EOF, then switches to replay
// buffer tailing, terminating cleanly on producer exit. No other package
// in this repository constructs a Reader.
package pipeline

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/shellsrv/mcp-shell-server/internal/replay"
	"github.com/shellsrv/mcp-shell-server/internal/sink"
)

// ErrReadTimeout is returned when no new bytes arrive within the no-progress deadline.
var ErrReadTimeout = errors.New("pipeline: read timeout, no progress")

const (
	DefaultReadTimeout   = 30 * time.Second
	DefaultPollInterval  = 100 * time.Millisecond
	streamFetchBatchSize = 256
)

type state int

const (
	stateFile state = iota
	stateStream
)

// Reader is an io.ReadCloser over one execution's stdout or stderr, starting
// from the persisted file and transparently tailing the replay buffer once
// the file catches up to the producer's live tail.
type Reader struct {
	registry    *sink.Registry
	replayStore *replay.Store
	kind        sink.Kind
	executionID string

	state state
	file  *os.File

	filePos int64
	lastSeq uint64
	haveSeq bool // false until lastSeq names a sequence already delivered

	pending      []byte
	lastProgress time.Time

	ReadTimeout  time.Duration
	PollInterval time.Duration
}

// NewReader constructs a Pipeline Reader for executionID's stdout or stderr.
func NewReader(registry *sink.Registry, replayStore *replay.Store, executionID string, kind sink.Kind) *Reader {
	return &Reader{
		registry:     registry,
		replayStore:  replayStore,
		kind:         kind,
		executionID:  executionID,
		state:        stateFile,
		lastProgress: time.Now(),
		ReadTimeout:  DefaultReadTimeout,
		PollInterval: DefaultPollInterval,
	}
}

func (r *Reader) Close() error {
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

// Read implements io.Reader, blocking (with polling) until bytes are
// available, the producer terminates, or the no-progress deadline elapses.
func (r *Reader) Read(p []byte) (int, error) {
	for {
		if len(r.pending) > 0 {
			n := copy(p, r.pending)
			r.pending = r.pending[n:]
			return n, nil
		}

		switch r.state {
		case stateFile:
			done, err := r.readFromFile()
			if err != nil {
				return 0, err
			}
			if done {
				continue
			}
		case stateStream:
			done, err := r.readFromStream()
			if err != nil {
				return 0, err
			}
			if done {
				continue
			}
		}

		if len(r.pending) > 0 {
			continue
		}

		if time.Since(r.lastProgress) > r.ReadTimeout {
			return 0, ErrReadTimeout
		}
		if r.producerTerminal() && r.state == stateStream {
			return 0, io.EOF
		}
		time.Sleep(r.PollInterval)
	}
}

func (r *Reader) producerTerminal() bool {
	st, ok := r.replayStore.GetStreamState(r.executionID)
	if !ok {
		return true
	}
	return !st.IsActive
}

// readFromFile attempts one read from the on-disk output file. done=true
// means the caller should loop again (either pending has bytes, or the
// state transitioned).
func (r *Reader) readFromFile() (done bool, err error) {
	if r.file == nil {
		path, ok := r.registry.Path(r.executionID, r.kind)
		if !ok {
			// File never registered (e.g. OnStart failed to open it) —
			// fall straight to tailing the replay buffer.
			r.state = stateStream
			return true, nil
		}
		f, openErr := os.Open(path)
		if openErr != nil {
			r.state = stateStream
			return true, nil
		}
		r.file = f
	}

	buf := make([]byte, 32*1024)
	n, readErr := r.file.ReadAt(buf, r.filePos)
	if n > 0 {
		r.filePos += int64(n)
		r.pending = buf[:n]
		r.lastProgress = time.Now()
		return true, nil
	}

	if readErr != nil && readErr != io.EOF {
		return false, fmt.Errorf("pipeline: reading output file: %w", readErr)
	}

	// No new bytes right now.
	if r.producerTerminal() {
		return false, io.EOF
	}

	// Producer still running: estimate where the file's tail lines up in
	// the replay buffer's sequence space, then switch to live tailing.
	// An empty file means nothing was delivered yet: tail from the start.
	if r.filePos > 0 {
		entries := r.replayStore.GetLatestBuffers(r.executionID, 0)
		r.lastSeq = estimateLastSequence(entries, r.kind, r.filePos)
		r.haveSeq = true
	}
	r.state = stateStream
	return true, nil
}

func (r *Reader) readFromStream() (done bool, err error) {
	var from uint64
	if r.haveSeq {
		from = r.lastSeq + 1
	}
	entries := r.replayStore.GetBuffersFromSequence(r.executionID, from, streamFetchBatchSize)
	if len(entries) == 0 {
		return false, nil
	}

	var out []byte
	for _, e := range entries {
		r.lastSeq = e.Sequence
		r.haveSeq = true
		if isStderrKind(r.kind) == e.IsStderr {
			out = append(out, e.Bytes...)
		}
	}
	if len(out) > 0 {
		r.pending = out
		r.lastProgress = time.Now()
		return true, nil
	}
	return false, nil
}

func isStderrKind(kind sink.Kind) bool { return kind == sink.KindStderr }

// estimateLastSequence finds the sequence number at which the file's
// contents (filePos bytes of kind) are believed to end, by summing
// same-kind replay entries backward from the newest until the accumulated
// byte count meets or exceeds filePos. This is inherently approximate: the
// file and replay buffer are written by distinct subscribers with no
// shared durability cursor (see design notes).
func estimateLastSequence(entries []replay.Entry, kind sink.Kind, filePos int64) uint64 {
	wantStderr := isStderrKind(kind)
	var acc int64
	var lastSeq uint64
	var found bool
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.IsStderr != wantStderr {
			continue
		}
		acc += int64(len(e.Bytes))
		lastSeq = e.Sequence
		found = true
		if acc >= filePos {
			break
		}
	}
	if !found {
		return 0
	}
	return lastSeq
}
