package controlchannel

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "daemon.sock")
	s := New(path, "test-version", func() Stats {
		return Stats{ActiveExecutions: 1, ActiveTerminals: 2, ActiveMonitors: 3, OutputDir: "/tmp/out"}
	}, nil)
	if err := s.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})
	return s, path
}

func sendRequest(t *testing.T, path string, action string) map[string]interface{} {
	t.Helper()
	conn, err := net.DialTimeout("unix", path, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	req, _ := json.Marshal(map[string]string{"action": action})
	req = append(req, '\n')
	if _, err := conn.Write(req); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	var resp map[string]interface{}
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		t.Fatalf("unmarshal response %q: %v", line, err)
	}
	return resp
}

func TestSocketPathIncludesHashAndBranch(t *testing.T) {
	os.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")
	defer os.Unsetenv("XDG_RUNTIME_DIR")

	p1 := SocketPath("/home/alice/project", "main")
	p2 := SocketPath("/home/alice/project", "feature-x")
	if p1 == p2 {
		t.Fatal("expected different branches to produce different paths")
	}
	if filepath.Base(p1) != "daemon.sock" {
		t.Fatalf("got %q, want trailing daemon.sock", p1)
	}
	if filepath.Dir(p1) == filepath.Dir(p2) {
		t.Fatal("expected branch directories to differ")
	}
}

func TestSocketPathFallsBackToTempDir(t *testing.T) {
	os.Unsetenv("XDG_RUNTIME_DIR")
	p := SocketPath("/some/path", "")
	if filepath.Dir(filepath.Dir(filepath.Dir(p))) == "" {
		t.Fatalf("unexpected path shape: %q", p)
	}
}

func TestStatusReturnsVersionAndUptime(t *testing.T) {
	_, path := newTestServer(t)
	resp := sendRequest(t, path, "status")
	if resp["status"] != "ok" {
		t.Fatalf("got %v", resp)
	}
	if resp["version"] != "test-version" {
		t.Fatalf("got %v", resp)
	}
}

func TestInfoReturnsDaemonMetadata(t *testing.T) {
	_, path := newTestServer(t)
	resp := sendRequest(t, path, "info")
	if resp["output_dir"] != "/tmp/out" {
		t.Fatalf("got %v", resp)
	}
	if resp["active_terminals"].(float64) != 2 {
		t.Fatalf("got %v", resp)
	}
}

func TestAttachDetachRoundTrip(t *testing.T) {
	_, path := newTestServer(t)

	attachResp := sendRequest(t, path, "attach")
	if attachResp["attached"] != true {
		t.Fatalf("got %v", attachResp)
	}

	infoResp := sendRequest(t, path, "info")
	if infoResp["attached"] != true {
		t.Fatalf("expected info to reflect attached state, got %v", infoResp)
	}

	detachResp := sendRequest(t, path, "detach")
	if detachResp["attached"] != false {
		t.Fatalf("got %v", detachResp)
	}
}

func TestUnknownActionReturnsError(t *testing.T) {
	_, path := newTestServer(t)
	resp := sendRequest(t, path, "bogus")
	if _, ok := resp["error"]; !ok {
		t.Fatalf("expected error field, got %v", resp)
	}
}

func TestStopTriggersCallback(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "daemon.sock")
	stopped := make(chan struct{})
	s := New(path, "v", func() Stats { return Stats{} }, func() { close(stopped) })
	if err := s.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Shutdown(ctx)
	}()

	resp := sendRequest(t, path, "stop")
	if resp["success"] != true {
		t.Fatalf("got %v", resp)
	}

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("expected onStop to be invoked after the stop verb")
	}
}

func TestSecondConnectionGetsFreshResponseAfterFirstCloses(t *testing.T) {
	_, path := newTestServer(t)
	sendRequest(t, path, "status")
	resp := sendRequest(t, path, "status")
	if resp["status"] != "ok" {
		t.Fatalf("got %v", resp)
	}
}

func TestListenRemovesStaleSocketFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "daemon.sock")

	first := New(path, "v1", func() Stats { return Stats{} }, nil)
	if err := first.Listen(); err != nil {
		t.Fatalf("first Listen: %v", err)
	}

	// Simulate an unclean shutdown: the listener's fd is gone but the
	// socket file is left on disk.
	first.listener.Close()

	second := New(path, "v2", func() Stats { return Stats{} }, nil)
	if err := second.Listen(); err != nil {
		t.Fatalf("second Listen should reclaim the stale socket file: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	second.Shutdown(ctx)
}
