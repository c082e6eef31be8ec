package terminal

import (
	"encoding/hex"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shellsrv/mcp-shell-server/internal/procinfo"
)

const (
	DefaultReplayBufferBytes = 8 * 1024 * 1024
	DefaultSubscriberBuffer  = 256

	DefaultMaxOutputLines  = 10000
	DefaultMaxHistoryLines = 1000

	foregroundCacheTTL = 5 * time.Second
	postCloseRetention = 30 * time.Second

	MinCols, MaxCols = 1, 500
	MinRows, MaxRows = 1, 200
)

type ShellType string

const (
	ShellBash       ShellType = "bash"
	ShellZsh        ShellType = "zsh"
	ShellFish       ShellType = "fish"
	ShellCmd        ShellType = "cmd"
	ShellPowerShell ShellType = "powershell"
)

type Status string

const (
	StatusActive Status = "active"
	StatusIdle   Status = "idle"
	StatusClosed Status = "closed"
)

type Dimensions struct {
	Cols int
	Rows int
}

func clampDimensions(cols, rows int) Dimensions {
	if cols < MinCols {
		cols = MinCols
	}
	if cols > MaxCols {
		cols = MaxCols
	}
	if rows < MinRows {
		rows = MinRows
	}
	if rows > MaxRows {
		rows = MaxRows
	}
	return Dimensions{Cols: cols, Rows: rows}
}

// ForegroundProcess is the PTY's approximated foreground child: the
// latest-started process under /proc whose parent is the PTY's own process.
type ForegroundProcess struct {
	PID             int
	Command         string
	ExePath         string
	IsSessionLeader bool
}

// Info is a read-only snapshot of a Terminal Session's metadata.
type Info struct {
	TerminalID        string
	SessionName       string
	ShellType         ShellType
	Dimensions        Dimensions
	ProcessID         int
	Status            Status
	WorkingDirectory  string
	CreatedAt         time.Time
	LastActivity      time.Time
	ForegroundProcess *ForegroundProcess
}

// CloseResult is sendInput/getOutput's sibling result for Close.
type CloseResult struct {
	Success      bool
	HistorySaved int
	ClosedAt     time.Time
}

var ErrProgramGuardFailed = fmt.Errorf("Program guard failed")
var ErrSessionClosed = fmt.Errorf("terminal session closed")

// Session is a live PTY plus the bookkeeping the Terminal Manager (C6)
// contract requires: cursor-tracked line output, history, idle/foreground
// detection and program-guarded input.
type Session struct {
	id               string
	sessionName      string
	shellType        ShellType
	workingDirectory string
	pty              *PTY
	createdAt        time.Time
	statCache        *procinfo.Cache

	mu           sync.Mutex
	dims         Dimensions
	status       Status
	lastActivity time.Time
	closedAt     time.Time
	closeErr     error

	raw          ringBuffer
	lines        lineBuffer
	pendingLine  []byte
	readPosition int

	history lineBuffer

	fgKnown bool
	fg      ForegroundProcess
	fgAt    time.Time

	subs      map[int]chan []byte
	nextSubID int

	closeOnce sync.Once
}

func newSession(id, sessionName string, shellType ShellType, workingDirectory string, dims Dimensions, pty *PTY, statCache *procinfo.Cache) *Session {
	s := &Session{
		id:               id,
		sessionName:      sessionName,
		shellType:        shellType,
		workingDirectory: workingDirectory,
		pty:              pty,
		createdAt:        time.Now(),
		statCache:        statCache,
		dims:             dims,
		status:           StatusActive,
		lastActivity:     time.Now(),
		raw:              newRingBuffer(DefaultReplayBufferBytes),
		lines:            newLineBuffer(DefaultMaxOutputLines),
		history:          newLineBuffer(DefaultMaxHistoryLines),
		subs:             make(map[int]chan []byte),
	}
	s.startPumps()
	return s
}

func (s *Session) Key() string { return s.id }

func (s *Session) PID() int { return s.pty.PID() }

func (s *Session) StartedAt() time.Time { return s.createdAt }

func (s *Session) ClosedAt() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusClosed {
		return time.Time{}, false
	}
	return s.closedAt, true
}

func (s *Session) CloseErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

// Snapshot returns the raw (escape-sequence-intact) byte tail, for
// direct live-view replay over a byte-oriented transport.
func (s *Session) Snapshot() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.raw.bytes()
}

// Subscribe returns a snapshot of buffered raw output and a channel that
// receives future output.
func (s *Session) Subscribe() (subID int, snapshot []byte, ch <-chan []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot = s.raw.bytes()
	subID = s.nextSubID
	s.nextSubID++

	c := make(chan []byte, DefaultSubscriberBuffer)
	if s.status == StatusClosed {
		close(c)
		return subID, snapshot, c
	}
	s.subs[subID] = c
	return subID, snapshot, c
}

func (s *Session) Unsubscribe(subID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.subs[subID]
	if !ok {
		return
	}
	delete(s.subs, subID)
	close(c)
}

// Info returns a metadata snapshot, refreshing the foreground-process
// cache if it is older than its TTL.
func (s *Session) Info(refreshForeground bool) Info {
	var fg *ForegroundProcess
	if refreshForeground {
		if f, ok := s.foregroundProcess(); ok {
			cp := f
			fg = &cp
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		TerminalID:        s.id,
		SessionName:       s.sessionName,
		ShellType:         s.shellType,
		Dimensions:        s.dims,
		ProcessID:         s.pty.PID(),
		Status:            s.status,
		WorkingDirectory:  s.workingDirectory,
		CreatedAt:         s.createdAt,
		LastActivity:      s.lastActivity,
		ForegroundProcess: fg,
	}
}

// markActive bumps last_activity and promotes idle back to active.
func (s *Session) markActive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
	if s.status == StatusIdle {
		s.status = StatusActive
	}
}

// probeIdle transitions active -> idle if last_activity predates idleAfter.
func (s *Session) probeIdle(idleAfter time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusActive && time.Since(s.lastActivity) > idleAfter {
		s.status = StatusIdle
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status == StatusClosed
}

// SendInputOptions mirrors sendInput's parameter set. Exactly one of
// RawBytes/ControlCodes selects an interpretation mode; the default is plain.
type SendInputOptions struct {
	Input        string
	Execute      bool
	ControlCodes bool
	RawBytes     bool
	SendTo       string
}

// SendInput decodes Input per the selected mode, enforces the program
// guard if SendTo is set, and writes the result to the PTY.
func (s *Session) SendInput(opts SendInputOptions) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	if opts.RawBytes && opts.ControlCodes {
		return fmt.Errorf("terminal: rawBytes and controlCodes are mutually exclusive")
	}

	if opts.SendTo != "" && opts.SendTo != "*" {
		if err := s.checkProgramGuard(opts.SendTo); err != nil {
			return err
		}
	}

	var payload []byte
	var err error
	trimmed := strings.TrimSpace(opts.Input)

	switch {
	case opts.RawBytes:
		payload, err = hex.DecodeString(opts.Input)
		if err != nil {
			return fmt.Errorf("terminal: invalid hex input: %w", err)
		}
	case opts.ControlCodes:
		payload, err = decodeControlCodes(opts.Input)
		if err != nil {
			return err
		}
		if opts.Execute {
			payload = append(payload, '\r')
		}
	default:
		payload = []byte(opts.Input)
		if opts.Execute {
			payload = append(payload, '\r')
		}
		if opts.Execute && trimmed != "" {
			s.mu.Lock()
			s.history.append(trimmed)
			s.mu.Unlock()
		}
	}

	if _, err := s.pty.Write(payload); err != nil {
		return fmt.Errorf("terminal: write: %w", err)
	}
	s.markActive()
	return nil
}

// checkProgramGuard implements the sendTo grammar of §4.6.1.
func (s *Session) checkProgramGuard(sendTo string) error {
	fg, ok := s.foregroundProcess()
	if !ok {
		return ErrProgramGuardFailed
	}

	switch {
	case sendTo == "sessionleader:" || sendTo == "loginshell:":
		if !fg.IsSessionLeader {
			return ErrProgramGuardFailed
		}
	case strings.HasPrefix(sendTo, "pid:"):
		n, err := strconv.Atoi(strings.TrimPrefix(sendTo, "pid:"))
		if err != nil || fg.PID != n {
			return ErrProgramGuardFailed
		}
	case strings.HasPrefix(sendTo, "/"):
		if fg.ExePath != sendTo {
			return ErrProgramGuardFailed
		}
	default:
		if fg.Command != sendTo && filepath.Base(fg.ExePath) != sendTo {
			return ErrProgramGuardFailed
		}
	}
	return nil
}

// foregroundProcess returns the cached (≤5s) foreground process, refreshing
// it by scanning /proc when stale.
func (s *Session) foregroundProcess() (ForegroundProcess, bool) {
	s.mu.Lock()
	if s.fgKnown && time.Since(s.fgAt) < foregroundCacheTTL {
		fg := s.fg
		s.mu.Unlock()
		return fg, true
	}
	s.mu.Unlock()

	if !procinfo.Supported() {
		return ForegroundProcess{}, false
	}

	child, ok := procinfo.LatestChild(s.pty.PID())
	if !ok {
		s.mu.Lock()
		s.fgKnown = false
		s.mu.Unlock()
		return ForegroundProcess{}, false
	}

	st := child
	if s.statCache != nil {
		if cached, cok := s.statCache.Stat(child.Pid); cok {
			st = cached
		}
	}
	exe, _ := procinfo.Exe(st.Pid)

	fg := ForegroundProcess{
		PID:             st.Pid,
		Command:         st.Comm,
		ExePath:         exe,
		IsSessionLeader: st.Session == st.Pid,
	}

	s.mu.Lock()
	s.fg = fg
	s.fgKnown = true
	s.fgAt = time.Now()
	s.mu.Unlock()

	return fg, true
}

// GetOutputOptions mirrors getOutput's parameter set.
type GetOutputOptions struct {
	StartLine         *int
	LineCount         int
	IncludeANSI       bool
	IncludeForeground bool
}

// GetOutputResult is getOutput's return payload.
type GetOutputResult struct {
	Text              string
	ReadPosition      int
	TotalLines        int
	ForegroundProcess *ForegroundProcess
}

// GetOutput returns a joined slice of output_buffer starting at
// start_line (or the cursor), advancing read_position to the slice end.
func (s *Session) GetOutput(opts GetOutputOptions) GetOutputResult {
	lineCount := opts.LineCount
	if lineCount <= 0 {
		lineCount = 100
	}

	s.mu.Lock()
	start := s.readPosition
	if opts.StartLine != nil {
		start = *opts.StartLine
	}
	if start < 0 {
		start = 0
	}
	end := start + lineCount
	lines := s.lines.slice(start, end)
	readFrom := start
	if readFrom < s.lines.offset() {
		readFrom = s.lines.offset()
	}
	actualEnd := readFrom + len(lines)
	if actualEnd > s.lines.total() {
		actualEnd = s.lines.total()
	}
	if actualEnd < start {
		actualEnd = start
	}
	s.readPosition = clampReadPosition(actualEnd, s.lines.total())
	total := s.lines.total()
	out := make([]string, len(lines))
	copy(out, lines)
	s.mu.Unlock()

	if !opts.IncludeANSI {
		for i, l := range out {
			out[i] = stripANSI(l)
		}
	}

	var fg *ForegroundProcess
	if opts.IncludeForeground {
		if f, ok := s.foregroundProcess(); ok {
			cp := f
			fg = &cp
		}
	}

	return GetOutputResult{
		Text:              strings.Join(out, "\n"),
		ReadPosition:      s.GetReadPosition(),
		TotalLines:        total,
		ForegroundProcess: fg,
	}
}

func clampReadPosition(n, total int) int {
	if n < 0 {
		n = 0
	}
	if n > total {
		n = total
	}
	return n
}

func (s *Session) ResetReadPosition() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readPosition = 0
}

func (s *Session) SetReadPosition(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readPosition = clampReadPosition(n, s.lines.total())
}

func (s *Session) GetReadPosition() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readPosition
}

// Resize applies new dimensions to the PTY, then to metadata, matching
// the "resize propagates to the PTY before dimensions are updated" invariant.
func (s *Session) Resize(cols, rows int) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	dims := clampDimensions(cols, rows)
	if err := s.pty.Resize(uint16(dims.Rows), uint16(dims.Cols)); err != nil {
		return fmt.Errorf("terminal: resize: %w", err)
	}
	s.mu.Lock()
	s.dims = dims
	s.mu.Unlock()
	return nil
}

// Close kills the PTY, marks the session closed, and clears the read cursor.
func (s *Session) Close() CloseResult {
	if err := s.pty.Close(); err != nil {
		s.closeWithErr(err)
	} else {
		s.closeWithErr(nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.readPosition = 0
	return CloseResult{
		Success:      true,
		HistorySaved: len(s.history.lines),
		ClosedAt:     s.closedAt,
	}
}

func (s *Session) startPumps() {
	go s.pumpOutput()
	go s.waitProcess()
}

func (s *Session) pumpOutput() {
	buf := make([]byte, 32*1024)
	for {
		n, err := s.pty.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			s.mu.Lock()
			s.raw.appendBytes(chunk)
			s.consumeLines(chunk)
			s.lastActivity = time.Now()
			if s.status == StatusIdle {
				s.status = StatusActive
			}
			for _, sub := range s.subs {
				select {
				case sub <- chunk:
				default:
				}
			}
			s.mu.Unlock()
		}

		if err != nil {
			if err == io.EOF {
				s.closeWithErr(nil)
				return
			}
			s.closeWithErr(err)
			return
		}
	}
}

// consumeLines splits chunk on newlines, appending finished lines to the
// output buffer and holding the remainder in pendingLine. Caller holds s.mu.
func (s *Session) consumeLines(chunk []byte) {
	data := append(s.pendingLine, chunk...)
	for {
		idx := indexByte(data, '\n')
		if idx < 0 {
			s.pendingLine = append([]byte(nil), data...)
			return
		}
		line := strings.TrimSuffix(string(data[:idx]), "\r")
		s.lines.append(line)
		data = data[idx+1:]
	}
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}

func (s *Session) waitProcess() {
	err := s.pty.Wait()
	s.pty.Close()
	s.closeWithErr(err)
}

func (s *Session) closeWithErr(err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		if len(s.pendingLine) > 0 {
			s.lines.append(strings.TrimSuffix(string(s.pendingLine), "\r"))
			s.pendingLine = nil
		}
		s.status = StatusClosed
		s.closedAt = time.Now()
		s.closeErr = err
		for id, sub := range s.subs {
			delete(s.subs, id)
			close(sub)
		}
		s.mu.Unlock()
	})

	if err != nil {
		s.mu.Lock()
		if s.closeErr == nil {
			s.closeErr = err
		}
		s.mu.Unlock()
	}
}

// ansiRegex matches ANSI CSI color/style sequences, used to sanitize
// colored shell output.
var ansiRegex = regexp.MustCompile(`\x1b\[[0-9;]*m`)

func stripANSI(s string) string {
	return ansiRegex.ReplaceAllString(s, "")
}
