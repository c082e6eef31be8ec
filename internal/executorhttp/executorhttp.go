// Package executorhttp implements the Executor HTTP Endpoint (C7): a
// loopback-only chi router exposing start/get/outputs/kill for executions,
// an SSE live-view stream, and (supplemented, see SPEC_FULL.md §5) a
// terminal-session surface mirroring the same resource shape.
package executorhttp

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/shellsrv/mcp-shell-server/internal/execution"
	"github.com/shellsrv/mcp-shell-server/internal/monitor"
	"github.com/shellsrv/mcp-shell-server/internal/publisher"
	"github.com/shellsrv/mcp-shell-server/internal/terminal"
)

const (
	// DefaultHost and DefaultPort match spec's 127.0.0.1:4030 default.
	DefaultHost = "127.0.0.1"
	DefaultPort = 4030

	maxBodyBytes   = 64 * 1024
	sseHeartbeat   = 10 * time.Second
	requestTimeout = 30 * time.Second
)

// timeoutMiddleware applies a request deadline to every route except the
// streaming ones, matching server.go's exclusion of /events, /ws/ and
// /terminal/ — here the one long-lived route is the exec SSE stream.
func timeoutMiddleware(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasSuffix(r.URL.Path, "/sse") {
				next.ServeHTTP(w, r)
				return
			}
			h := http.TimeoutHandler(next, timeout, "request timed out")
			h.ServeHTTP(w, r)
		})
	}
}

// loopbackOnly rejects any peer whose remote address is not localhost,
// per spec.md's "non-local peers receive 403".
func loopbackOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ip := net.ParseIP(host)
		if ip == nil || !ip.IsLoopback() {
			http.Error(w, "forbidden: non-loopback peer", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func capBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

// Server is the Executor HTTP Endpoint: delegates to the Process
// Supervisor (C5) and Terminal Manager (C6), and re-exposes Publisher
// Fabric (C1) events as SSE.
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	supervisor *execution.Supervisor
	fabric     *publisher.Fabric
	termMgr    *terminal.Manager
	monitorMgr *monitor.Manager
	startTime  time.Time
	version    string
}

// New wires the router. addr is "host:port"; pass "" for the default.
func New(addr string, supervisor *execution.Supervisor, fabric *publisher.Fabric, termMgr *terminal.Manager, monitorMgr *monitor.Manager, version string) *Server {
	if addr == "" {
		addr = fmt.Sprintf("%s:%d", DefaultHost, DefaultPort)
	}
	s := &Server{
		supervisor: supervisor,
		fabric:     fabric,
		termMgr:    termMgr,
		monitorMgr: monitorMgr,
		startTime:  time.Now(),
		version:    version,
	}
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(loopbackOnly)
	r.Use(capBody)
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/health", s.handleHealth)

	r.Route("/v1/exec", func(r chi.Router) {
		r.Post("/", s.handleExecStart)
		r.Get("/{id}", s.handleExecGet)
		r.Get("/{id}/outputs", s.handleExecOutputs)
		r.Get("/{id}/sse", s.handleExecSSE)
		r.Post("/{id}/kill", s.handleExecKill)
	})

	r.Route("/v1/terminal", func(r chi.Router) {
		r.Post("/", s.handleTerminalCreate)
		r.Get("/{id}", s.handleTerminalGet)
		r.Post("/{id}/input", s.handleTerminalInput)
		r.Get("/{id}/output", s.handleTerminalOutput)
		r.Post("/{id}/resize", s.handleTerminalResize)
		r.Post("/{id}/close", s.handleTerminalClose)
	})

	r.Route("/v1/monitor", func(r chi.Router) {
		r.Post("/", s.handleMonitorCreate)
		r.Get("/system", s.handleMonitorSystem)
		r.Get("/{id}", s.handleMonitorGet)
		r.Post("/{id}/stop", s.handleMonitorStop)
	})

	s.router = r
	s.httpServer = &http.Server{Addr: addr, Handler: r}
	return s
}

func (s *Server) Start() error {
	log.Printf("[executorhttp] listening on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSONBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("malformed request body: %w", err)
	}
	return nil
}

// --- /health ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"uptime_s": int64(time.Since(s.startTime).Seconds()),
		"version":  s.version,
	})
}

// --- /v1/exec ---

type startRequest struct {
	Command          string `json:"command"`
	Cwd              string `json:"cwd"`
	TimeoutSeconds   int    `json:"timeout_seconds"`
	CaptureStderr    *bool  `json:"capture_stderr"`
	MaxOutputSize    int    `json:"max_output_size"`
	InputData        string `json:"input_data"`
	SafetyEvaluation string `json:"safety_evaluation"`
	ExecutionID      string `json:"execution_id"`
}

func recordToJSON(rec execution.Record) map[string]interface{} {
	out := map[string]interface{}{
		"execution_id": rec.ExecutionID,
		"command":      rec.Command,
		"status":       string(rec.Status),
		"created_at":   rec.CreatedAt,
		"updated_at":   rec.UpdatedAt,
	}
	if rec.ExitCode != nil {
		out["exit_code"] = *rec.ExitCode
	}
	if rec.ExecutionTimeMs != nil {
		out["execution_time_ms"] = *rec.ExecutionTimeMs
	}
	if rec.SafetyEvaluation != "" {
		out["safety_evaluation"] = rec.SafetyEvaluation
	}
	return out
}

func (s *Server) handleExecStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	opts := execution.StartOptions{
		Command:          req.Command,
		Cwd:              req.Cwd,
		TimeoutSeconds:   req.TimeoutSeconds,
		CaptureStderr:    true,
		MaxOutputSize:    req.MaxOutputSize,
		InputData:        []byte(req.InputData),
		SafetyEvaluation: req.SafetyEvaluation,
		ExecutionID:      req.ExecutionID,
	}
	if req.CaptureStderr != nil {
		opts.CaptureStderr = *req.CaptureStderr
	}

	rec, err := s.supervisor.Start(opts)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"execution_id": rec.ExecutionID,
		"status":       string(rec.Status),
	})
}

func (s *Server) handleExecGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.supervisor.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown execution id")
		return
	}
	writeJSON(w, http.StatusOK, recordToJSON(rec))
}

func (s *Server) handleExecOutputs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.supervisor.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown execution id")
		return
	}
	resp := map[string]interface{}{"execution_id": rec.ExecutionID}
	if len(rec.Stdout) > 0 {
		resp["stdout"] = string(rec.Stdout)
	}
	if len(rec.Stderr) > 0 {
		resp["stderr"] = string(rec.Stderr)
	}
	writeJSON(w, http.StatusOK, resp)
}

type killRequest struct {
	Signal string `json:"signal"`
	Force  bool   `json:"force"`
}

func parseSignal(name string) (syscall.Signal, error) {
	switch strings.ToUpper(strings.TrimPrefix(name, "SIG")) {
	case "", "TERM":
		return syscall.SIGTERM, nil
	case "KILL":
		return syscall.SIGKILL, nil
	case "INT":
		return syscall.SIGINT, nil
	case "HUP":
		return syscall.SIGHUP, nil
	case "QUIT":
		return syscall.SIGQUIT, nil
	default:
		return 0, fmt.Errorf("unsupported signal %q", name)
	}
}

func (s *Server) handleExecKill(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req killRequest
	if r.ContentLength != 0 {
		if err := decodeJSONBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	sig, err := parseSignal(req.Signal)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.supervisor.Kill(id, sig, req.Force)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown execution id")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": res.Success,
		"message": res.Message,
	})
}

// sseSubscriber bridges Publisher Fabric notifications to the SSE
// handler's goroutine via a buffered channel, per publisher.Subscriber.
type sseSubscriber struct {
	publisher.BaseSubscriber
	ch chan sseEvent
}

type sseEvent struct {
	kind string
	end  bool
}

func (sub *sseSubscriber) OnData(executionID string, data []byte, isStderr bool) {
	select {
	case sub.ch <- sseEvent{kind: "data"}:
	default:
	}
}

func (sub *sseSubscriber) OnEnd(executionID string, exitCode *int) {
	select {
	case sub.ch <- sseEvent{kind: "end", end: true}:
	default:
	}
}

func (sub *sseSubscriber) OnError(executionID string, err error) {
	select {
	case sub.ch <- sseEvent{kind: "end", end: true}:
	default:
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, event string, payload interface{}) {
	data, _ := json.Marshal(payload)
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	flusher.Flush()
}

// handleExecSSE streams state/outputs/end/heartbeat events for one
// execution, unsubscribing immediately on client disconnect.
func (s *Server) handleExecSSE(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.supervisor.Get(id); err != nil {
		writeError(w, http.StatusNotFound, "unknown execution id")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sendSnapshot := func() bool {
		rec, err := s.supervisor.Get(id)
		if err != nil {
			return false
		}
		writeSSE(w, flusher, "state", recordToJSON(rec))
		outResp := map[string]interface{}{"execution_id": rec.ExecutionID}
		if len(rec.Stdout) > 0 {
			outResp["stdout"] = string(rec.Stdout)
		}
		if len(rec.Stderr) > 0 {
			outResp["stderr"] = string(rec.Stderr)
		}
		writeSSE(w, flusher, "outputs", outResp)
		done := rec.Status == execution.StatusCompleted || rec.Status == execution.StatusFailed
		if done {
			writeSSE(w, flusher, "end", recordToJSON(rec))
		}
		return done
	}

	if sendSnapshot() {
		return
	}

	subID := uuid.NewString()
	sub := &sseSubscriber{ch: make(chan sseEvent, 64)}
	s.fabric.Subscribe(subID, sub)
	s.fabric.Attach(id, subID)
	defer func() {
		s.fabric.Detach(id, subID)
		s.fabric.Unsubscribe(subID)
	}()

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			writeSSE(w, flusher, "heartbeat", map[string]string{"t": time.Now().UTC().Format(time.RFC3339)})
		case ev := <-sub.ch:
			_ = ev
			if sendSnapshot() {
				return
			}
		}
	}
}

// --- /v1/terminal (supplemented, see SPEC_FULL.md §5) ---

type terminalCreateRequest struct {
	TerminalID       string `json:"terminal_id"`
	SessionName      string `json:"session_name"`
	ShellType        string `json:"shell_type"`
	WorkingDirectory string `json:"working_directory"`
	Cols             int    `json:"cols"`
	Rows             int    `json:"rows"`
}

func shellBinary(shellType terminal.ShellType) string {
	switch shellType {
	case terminal.ShellZsh:
		return "zsh"
	case terminal.ShellFish:
		return "fish"
	case terminal.ShellCmd:
		return "cmd"
	case terminal.ShellPowerShell:
		return "pwsh"
	default:
		return "bash"
	}
}

func newTerminalID() string {
	return uuid.NewString()
}

func infoToJSON(info terminal.Info) map[string]interface{} {
	out := map[string]interface{}{
		"terminal_id":       info.TerminalID,
		"session_name":      info.SessionName,
		"shell_type":        string(info.ShellType),
		"cols":              info.Dimensions.Cols,
		"rows":              info.Dimensions.Rows,
		"process_id":        info.ProcessID,
		"status":            string(info.Status),
		"working_directory": info.WorkingDirectory,
		"created_at":        info.CreatedAt,
		"last_activity":     info.LastActivity,
	}
	if info.ForegroundProcess != nil {
		out["foreground_process"] = map[string]interface{}{
			"pid":               info.ForegroundProcess.PID,
			"command":           info.ForegroundProcess.Command,
			"exe_path":          info.ForegroundProcess.ExePath,
			"is_session_leader": info.ForegroundProcess.IsSessionLeader,
		}
	}
	return out
}

func (s *Server) handleTerminalCreate(w http.ResponseWriter, r *http.Request) {
	var req terminalCreateRequest
	if r.ContentLength != 0 {
		if err := decodeJSONBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	shellType := terminal.ShellType(req.ShellType)
	if shellType == "" {
		shellType = terminal.ShellBash
	}
	id := req.TerminalID
	if id == "" {
		id = newTerminalID()
	}

	cmd := exec.Command(shellBinary(shellType))
	if req.WorkingDirectory != "" {
		cmd.Dir = req.WorkingDirectory
	}

	sess, err := s.termMgr.Create(id, cmd, terminal.CreateOptions{
		SessionName:      req.SessionName,
		ShellType:        shellType,
		WorkingDirectory: req.WorkingDirectory,
		Cols:             req.Cols,
		Rows:             req.Rows,
	})
	if err != nil {
		switch err {
		case terminal.ErrTerminalAlreadyExists:
			writeError(w, http.StatusConflict, err.Error())
		case terminal.ErrTerminalLimitReached:
			writeError(w, http.StatusTooManyRequests, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusCreated, infoToJSON(sess.Info(false)))
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) *terminal.Session {
	id := chi.URLParam(r, "id")
	sess := s.termMgr.Get(id)
	if sess == nil {
		writeError(w, http.StatusNotFound, "unknown terminal id")
		return nil
	}
	return sess
}

func (s *Server) handleTerminalGet(w http.ResponseWriter, r *http.Request) {
	sess := s.getSession(w, r)
	if sess == nil {
		return
	}
	writeJSON(w, http.StatusOK, infoToJSON(sess.Info(true)))
}

type terminalInputRequest struct {
	Input        string `json:"input"`
	Execute      bool   `json:"execute"`
	ControlCodes bool   `json:"control_codes"`
	RawBytes     bool   `json:"raw_bytes"`
	SendTo       string `json:"send_to"`
}

func (s *Server) handleTerminalInput(w http.ResponseWriter, r *http.Request) {
	sess := s.getSession(w, r)
	if sess == nil {
		return
	}
	var req terminalInputRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	err := sess.SendInput(terminal.SendInputOptions{
		Input:        req.Input,
		Execute:      req.Execute,
		ControlCodes: req.ControlCodes,
		RawBytes:     req.RawBytes,
		SendTo:       req.SendTo,
	})
	if err != nil {
		if err == terminal.ErrSessionClosed {
			writeError(w, http.StatusGone, err.Error())
			return
		}
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleTerminalOutput(w http.ResponseWriter, r *http.Request) {
	sess := s.getSession(w, r)
	if sess == nil {
		return
	}
	q := r.URL.Query()
	opts := terminal.GetOutputOptions{
		IncludeANSI:       q.Get("include_ansi") == "true",
		IncludeForeground: q.Get("include_foreground") == "true",
	}
	if v := q.Get("line_count"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.LineCount = n
		}
	}
	if v := q.Get("start_line"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.StartLine = &n
		}
	}

	res := sess.GetOutput(opts)
	resp := map[string]interface{}{
		"text":          res.Text,
		"read_position": res.ReadPosition,
		"total_lines":   res.TotalLines,
	}
	if res.ForegroundProcess != nil {
		resp["foreground_process"] = map[string]interface{}{
			"pid":               res.ForegroundProcess.PID,
			"command":           res.ForegroundProcess.Command,
			"exe_path":          res.ForegroundProcess.ExePath,
			"is_session_leader": res.ForegroundProcess.IsSessionLeader,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type terminalResizeRequest struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

func (s *Server) handleTerminalResize(w http.ResponseWriter, r *http.Request) {
	sess := s.getSession(w, r)
	if sess == nil {
		return
	}
	var req terminalResizeRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := sess.Resize(req.Cols, req.Rows); err != nil {
		if err == terminal.ErrSessionClosed {
			writeError(w, http.StatusGone, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, infoToJSON(sess.Info(false)))
}

func (s *Server) handleTerminalClose(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := s.termMgr.Close(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown terminal id")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":       res.Success,
		"history_saved": res.HistorySaved,
		"closed_at":     res.ClosedAt,
	})
}

// --- /v1/monitor (supplemented, see SPEC_FULL.md §5 / spec.md §4.8) ---

type monitorCreateRequest struct {
	MonitorID  string   `json:"monitor_id"`
	PID        int      `json:"pid"`
	IntervalMs int      `json:"interval_ms"`
	Metrics    []string `json:"metrics"`
}

func newMonitorID() string { return uuid.NewString() }

func sampleToJSON(s monitor.Sample) map[string]interface{} {
	return map[string]interface{}{
		"timestamp":      s.Timestamp,
		"cpu_percent":    s.CPUPercent,
		"rss_bytes":      s.RSSBytes,
		"io_read_bytes":  s.IOReadBytes,
		"io_write_bytes": s.IOWriteBytes,
	}
}

func (s *Server) handleMonitorCreate(w http.ResponseWriter, r *http.Request) {
	var req monitorCreateRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.MonitorID == "" {
		req.MonitorID = newMonitorID()
	}
	metrics := make([]monitor.Metric, 0, len(req.Metrics))
	for _, m := range req.Metrics {
		metrics = append(metrics, monitor.Metric(m))
	}
	mon, err := s.monitorMgr.Create(monitor.CreateOptions{
		MonitorID:  req.MonitorID,
		PID:        req.PID,
		IntervalMs: req.IntervalMs,
		Metrics:    metrics,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"monitor_id": mon.ID(),
		"pid":        mon.PID(),
	})
}

func (s *Server) handleMonitorGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	mon, err := s.monitorMgr.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown monitor id")
		return
	}
	history, _ := s.monitorMgr.History(id)
	samples := make([]map[string]interface{}, 0, len(history))
	for _, sample := range history {
		samples = append(samples, sampleToJSON(sample))
	}
	resp := map[string]interface{}{
		"monitor_id": mon.ID(),
		"pid":        mon.PID(),
		"samples":    samples,
	}
	if err := mon.Err(); err != nil {
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMonitorStop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.monitorMgr.Stop(id); err != nil {
		writeError(w, http.StatusNotFound, "unknown monitor id")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *Server) handleMonitorSystem(w http.ResponseWriter, r *http.Request) {
	stats := s.monitorMgr.SystemStats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"timestamp":       stats.Timestamp,
		"load_avg_1":      stats.LoadAvg1,
		"load_avg_5":      stats.LoadAvg5,
		"load_avg_15":     stats.LoadAvg15,
		"mem_total_mib":   stats.MemTotalMiB,
		"mem_used_mib":    stats.MemUsedMiB,
		"mem_free_mib":    stats.MemFreeMiB,
		"uptime_seconds":  stats.UptimeSeconds,
		"active_monitors": stats.ActiveMonitors,
	})
}
