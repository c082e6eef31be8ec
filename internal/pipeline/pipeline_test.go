package pipeline

import (
	"io"
	"testing"
	"time"

	"github.com/shellsrv/mcp-shell-server/internal/publisher"
	"github.com/shellsrv/mcp-shell-server/internal/replay"
	"github.com/shellsrv/mcp-shell-server/internal/sink"
)

func setup(t *testing.T) (*publisher.Fabric, *sink.Registry, *replay.Store) {
	t.Helper()
	dir := t.TempDir()
	reg := sink.NewRegistry()
	fileSink, err := sink.NewFileSink(dir, reg)
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}
	store := replay.NewStore(replay.DefaultMaxBuffers, replay.DefaultRetention)

	f := publisher.NewFabric()
	f.Subscribe("filesink", fileSink)
	f.Subscribe("replay", store.Subscriber())
	return f, reg, store
}

func attachAll(f *publisher.Fabric, executionID string) {
	f.Attach(executionID, "filesink")
	f.Attach(executionID, "replay")
}

func readAll(t *testing.T, r *Reader) []byte {
	t.Helper()
	var out []byte
	buf := make([]byte, 64)
	for {
		n, err := r.Read(buf)
		out = append(out, buf[:n]...)
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
	}
}

func TestReaderDrainsCompletedFileThenEOF(t *testing.T) {
	f, reg, store := setup(t)
	const execID = "exec1"
	attachAll(f, execID)

	f.NotifyProcessStart(execID)
	f.NotifyOutputData(execID, []byte("hello "), false)
	f.NotifyOutputData(execID, []byte("world\n"), false)
	code := 0
	f.NotifyProcessEnd(execID, &code)

	r := NewReader(reg, store, execID, sink.KindStdout)
	r.PollInterval = time.Millisecond
	r.ReadTimeout = time.Second
	defer r.Close()

	got := readAll(t, r)
	if string(got) != "hello world\n" {
		t.Fatalf("got %q, want %q", got, "hello world\n")
	}
}

func TestReaderTailsLiveExecutionThenEOF(t *testing.T) {
	f, reg, store := setup(t)
	const execID = "exec2"
	attachAll(f, execID)

	f.NotifyProcessStart(execID)
	r := NewReader(reg, store, execID, sink.KindStdout)
	r.PollInterval = 2 * time.Millisecond
	r.ReadTimeout = 2 * time.Second
	defer r.Close()

	done := make(chan []byte, 1)
	go func() {
		done <- readAll(t, r)
	}()

	f.NotifyOutputData(execID, []byte("chunk1 "), false)
	time.Sleep(10 * time.Millisecond)
	f.NotifyOutputData(execID, []byte("chunk2"), false)
	time.Sleep(10 * time.Millisecond)
	code := 0
	f.NotifyProcessEnd(execID, &code)

	select {
	case got := <-done:
		if string(got) != "chunk1 chunk2" {
			t.Fatalf("got %q, want %q", got, "chunk1 chunk2")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("reader never reached EOF")
	}
}

func TestReaderSeparatesStdoutAndStderr(t *testing.T) {
	f, reg, store := setup(t)
	const execID = "exec3"
	attachAll(f, execID)

	f.NotifyProcessStart(execID)
	f.NotifyOutputData(execID, []byte("out1"), false)
	f.NotifyOutputData(execID, []byte("err1"), true)
	f.NotifyOutputData(execID, []byte("out2"), false)
	code := 0
	f.NotifyProcessEnd(execID, &code)

	stdoutReader := NewReader(reg, store, execID, sink.KindStdout)
	stdoutReader.PollInterval = time.Millisecond
	defer stdoutReader.Close()
	got := readAll(t, stdoutReader)
	if string(got) != "out1out2" {
		t.Fatalf("stdout got %q", got)
	}

	stderrReader := NewReader(reg, store, execID, sink.KindStderr)
	stderrReader.PollInterval = time.Millisecond
	defer stderrReader.Close()
	gotErr := readAll(t, stderrReader)
	if string(gotErr) != "err1" {
		t.Fatalf("stderr got %q", gotErr)
	}
}

func TestReaderTimesOutWithNoProgress(t *testing.T) {
	f, reg, store := setup(t)
	const execID = "exec4"
	attachAll(f, execID)

	f.NotifyProcessStart(execID)
	// Never send data or end — the producer stays "active" forever.

	r := NewReader(reg, store, execID, sink.KindStdout)
	r.PollInterval = time.Millisecond
	r.ReadTimeout = 20 * time.Millisecond
	defer r.Close()

	buf := make([]byte, 16)
	_, err := r.Read(buf)
	if err != ErrReadTimeout {
		t.Fatalf("got err %v, want ErrReadTimeout", err)
	}
}

func TestEstimateLastSequencePicksBoundary(t *testing.T) {
	entries := []replay.Entry{
		{Sequence: 0, Bytes: []byte("aaaa"), IsStderr: false},
		{Sequence: 1, Bytes: []byte("bb"), IsStderr: true},
		{Sequence: 2, Bytes: []byte("cccc"), IsStderr: false},
	}
	// filePos covers exactly the first stdout entry (4 bytes).
	got := estimateLastSequence(entries, sink.KindStdout, 4)
	if got != 0 {
		t.Fatalf("got seq %d, want 0", got)
	}
	// filePos covers both stdout entries (8 bytes total).
	got = estimateLastSequence(entries, sink.KindStdout, 8)
	if got != 2 {
		t.Fatalf("got seq %d, want 2", got)
	}
}
