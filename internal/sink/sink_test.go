package sink

import (
	"os"
	"path/filepath"
	"testing"
)

func newSink(t *testing.T) (*FileSink, *Registry) {
	t.Helper()
	dir := t.TempDir()
	reg := NewRegistry()
	fs, err := NewFileSink(dir, reg)
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}
	return fs, reg
}

func TestOnStartCreatesAndRegistersFiles(t *testing.T) {
	fs, reg := newSink(t)
	fs.OnStart("exec1")

	stdoutPath, ok := reg.Path("exec1", KindStdout)
	if !ok {
		t.Fatal("expected stdout path registered")
	}
	stderrPath, ok := reg.Path("exec1", KindStderr)
	if !ok {
		t.Fatal("expected stderr path registered")
	}
	if stdoutPath == stderrPath {
		t.Fatal("stdout and stderr paths must differ")
	}
	if _, err := os.Stat(stdoutPath); err != nil {
		t.Fatalf("stdout file not created: %v", err)
	}
	if _, err := os.Stat(stderrPath); err != nil {
		t.Fatalf("stderr file not created: %v", err)
	}

	fs.OnEnd("exec1", nil)
}

func TestOnDataWritesToCorrectStream(t *testing.T) {
	fs, reg := newSink(t)
	fs.OnStart("exec1")
	fs.OnData("exec1", []byte("out-line\n"), false)
	fs.OnData("exec1", []byte("err-line\n"), true)
	fs.OnEnd("exec1", nil)

	stdoutPath, _ := reg.Path("exec1", KindStdout)
	stderrPath, _ := reg.Path("exec1", KindStderr)

	gotOut, err := os.ReadFile(stdoutPath)
	if err != nil {
		t.Fatalf("reading stdout file: %v", err)
	}
	if string(gotOut) != "out-line\n" {
		t.Fatalf("stdout content = %q", gotOut)
	}

	gotErr, err := os.ReadFile(stderrPath)
	if err != nil {
		t.Fatalf("reading stderr file: %v", err)
	}
	if string(gotErr) != "err-line\n" {
		t.Fatalf("stderr content = %q", gotErr)
	}
}

func TestOnEndIsIdempotent(t *testing.T) {
	fs, _ := newSink(t)
	fs.OnStart("exec1")
	fs.OnEnd("exec1", nil)
	fs.OnEnd("exec1", nil) // must not panic or double-close
}

func TestOnErrorWritesTrailerAndCloses(t *testing.T) {
	fs, reg := newSink(t)
	fs.OnStart("exec1")
	fs.OnError("exec1", os.ErrClosed)

	stderrPath, _ := reg.Path("exec1", KindStderr)
	got, err := os.ReadFile(stderrPath)
	if err != nil {
		t.Fatalf("reading stderr file: %v", err)
	}
	if len(got) == 0 {
		t.Fatal("expected error trailer written to stderr")
	}

	// A late OnEnd after OnError must not panic.
	fs.OnEnd("exec1", nil)
}

func TestOnDataNoopForUnknownExecution(t *testing.T) {
	fs, _ := newSink(t)
	fs.OnData("unknown", []byte("x"), false) // must not panic
}

func TestFileNamingIncludesExecutionID(t *testing.T) {
	fs, reg := newSink(t)
	fs.OnStart("my-exec-id")
	stdoutPath, _ := reg.Path("my-exec-id", KindStdout)
	if filepath.Base(stdoutPath)[:len("my-exec-id")] != "my-exec-id" {
		t.Fatalf("expected file name to start with execution id, got %s", stdoutPath)
	}
	fs.OnEnd("my-exec-id", nil)
}
