package api

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"agent-gatekeeper/internal/monitor"
	"agent-gatekeeper/internal/policy"
	"agent-gatekeeper/internal/sandbox"
	"agent-gatekeeper/internal/storage"
	"agent-gatekeeper/internal/tools"
	"agent-gatekeeper/internal/workspace"
)

// Deps carries everything the handlers need. DB and Audit may be nil
// when no database is configured; the audit read endpoints then return
// 503 and execution records live in memory only.
type Deps struct {
	Manager    *sandbox.Manager
	Engine     *policy.Engine
	Authorizer sandbox.Authorizer
	Workspace  *workspace.Store
	Tools      *tools.Registry
	DB         *storage.DB
	Audit      *storage.AuditWriter
	Metrics    *monitor.Metrics
	Tracer     *monitor.Tracer
}

type Handlers struct {
	manager  *sandbox.Manager
	engine   *policy.Engine
	auth     sandbox.Authorizer
	store    *workspace.Store
	registry *tools.Registry
	db       *storage.DB
	writer   *storage.AuditWriter
	metrics  *monitor.Metrics
	tracer   *monitor.Tracer
	detector *monitor.EscapeDetector
}

func NewHandlers(deps Deps) *Handlers {
	if deps.Authorizer == nil {
		deps.Authorizer = deps.Engine
	}
	if deps.Metrics == nil {
		deps.Metrics = monitor.NewMetrics()
	}
	if deps.Tracer == nil {
		deps.Tracer = monitor.NewTracer()
	}
	return &Handlers{
		manager:  deps.Manager,
		engine:   deps.Engine,
		auth:     deps.Authorizer,
		store:    deps.Workspace,
		registry: deps.Tools,
		db:       deps.DB,
		writer:   deps.Audit,
		metrics:  deps.Metrics,
		tracer:   deps.Tracer,
		detector: monitor.NewEscapeDetector(),
	}
}

// identity resolves the caller's session and address. Sessions come
// from the X-Session-ID header; the address always comes from the
// connection, never from forwarded headers a client could fake.
func identity(r *http.Request) (sessionID, ipAddress string) {
	sessionID = r.Header.Get("X-Session-ID")
	if sessionID == "" {
		sessionID = "anonymous"
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return sessionID, host
}

func (h *Handlers) HandleRunCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, "method not allowed", "METHOD_NOT_ALLOWED", http.StatusMethodNotAllowed, r)
		return
	}

	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.Command == "" {
		writeError(w, "command is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	sessionID, ipAddress := identity(r)
	h.runCommand(w, r, sandbox.CommandRequest{
		SessionID: sessionID,
		IPAddress: ipAddress,
		Command:   req.Command,
		Args:      req.Args,
		Timeout:   req.Timeout.Duration,
	})
}

// runCommand is the shared tail of the command and tool endpoints:
// scan, trace, execute, record, respond.
func (h *Handlers) runCommand(w http.ResponseWriter, r *http.Request, req sandbox.CommandRequest) {
	detections := h.detector.ScanCommand(req.Command, req.Args)
	for _, d := range detections {
		h.metrics.RecordSecurityEvent(d.Pattern)
	}

	ctx, span := h.tracer.StartSpan(r.Context(), "execute",
		monitor.AttrAction.String(string(policy.ActionCommandExecution)),
		monitor.AttrSessionID.String(req.SessionID),
		monitor.AttrResource.String(req.Command),
	)
	defer span.End()

	h.metrics.ActiveExecutions.Inc()
	defer h.metrics.ActiveExecutions.Dec()

	rec, err := h.manager.RunCommand(ctx, req)
	if err != nil {
		h.writeRunError(w, r, err)
		return
	}

	span.SetAttributes(
		monitor.AttrExecID.String(rec.ID),
		monitor.AttrBackend.String(rec.Backend),
		monitor.AttrExitCode.Int(rec.ExitCode),
		monitor.AttrDurationMS.Int64(rec.Duration().Milliseconds()),
	)

	outDets := h.detector.ScanOutput(capturedOutput(rec))
	for _, d := range outDets {
		h.metrics.RecordSecurityEvent(d.Pattern)
	}
	detections = append(detections, outDets...)

	stdout, stderr := outputBytes(rec)
	h.metrics.CommandOutputBytes.Observe(float64(stdout + stderr))
	h.metrics.RecordExecution(rec.Backend, string(rec.Status), rec.Duration().Seconds())

	h.auditExecution(rec, req.SessionID, req.IPAddress)

	writeJSON(w, http.StatusOK, executionResponse(rec, detections))
}

func (h *Handlers) writeRunError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, sandbox.ErrInvalidCommand):
		writeError(w, err.Error(), "INVALID_COMMAND", http.StatusBadRequest, r)
	case errors.Is(err, sandbox.ErrForbidden):
		writeError(w, err.Error(), "FORBIDDEN", http.StatusForbidden, r)
	case errors.Is(err, sandbox.ErrRateLimited):
		writeError(w, err.Error(), "RATE_LIMITED", http.StatusTooManyRequests, r)
	case errors.Is(err, sandbox.ErrClosed):
		writeError(w, "server is shutting down", "SHUTTING_DOWN", http.StatusServiceUnavailable, r)
	default:
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("execution failed")
		writeError(w, "execution failed", "EXECUTION_FAILED", http.StatusInternalServerError, r)
	}
}

func (h *Handlers) HandleRunCommandStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, "method not allowed", "METHOD_NOT_ALLOWED", http.StatusMethodNotAllowed, r)
		return
	}

	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.Command == "" {
		writeError(w, "command is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	stdoutWriter, stderrWriter := NewSSEStream(w)
	if stdoutWriter == nil {
		writeError(w, "streaming not supported", "STREAMING_UNSUPPORTED", http.StatusInternalServerError, r)
		return
	}

	sessionID, ipAddress := identity(r)
	execReq := sandbox.CommandRequest{
		SessionID: sessionID,
		IPAddress: ipAddress,
		Command:   req.Command,
		Args:      req.Args,
		Timeout:   req.Timeout.Duration,
	}

	detections := h.detector.ScanCommand(execReq.Command, execReq.Args)
	for _, d := range detections {
		h.metrics.RecordSecurityEvent(d.Pattern)
	}

	ctx, span := h.tracer.StartSpan(r.Context(), "execute_stream",
		monitor.AttrAction.String(string(policy.ActionCommandExecution)),
		monitor.AttrSessionID.String(sessionID),
		monitor.AttrResource.String(execReq.Command),
	)
	defer span.End()

	h.metrics.ActiveExecutions.Inc()
	defer h.metrics.ActiveExecutions.Dec()

	rec, err := h.manager.RunCommandStreaming(ctx, execReq, stdoutWriter, stderrWriter)
	if err != nil {
		// Headers are already out, so denials arrive as error events.
		switch {
		case errors.Is(err, sandbox.ErrInvalidCommand),
			errors.Is(err, sandbox.ErrForbidden),
			errors.Is(err, sandbox.ErrRateLimited):
			sendSSEError(w, err.Error())
		default:
			log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("streaming execution failed")
			sendSSEError(w, "execution failed")
		}
		return
	}

	span.SetAttributes(
		monitor.AttrExecID.String(rec.ID),
		monitor.AttrBackend.String(rec.Backend),
		monitor.AttrExitCode.Int(rec.ExitCode),
		monitor.AttrDurationMS.Int64(rec.Duration().Milliseconds()),
	)

	for _, d := range h.detector.ScanOutput(capturedOutput(rec)) {
		h.metrics.RecordSecurityEvent(d.Pattern)
	}

	stdout, stderr := outputBytes(rec)
	h.metrics.CommandOutputBytes.Observe(float64(stdout + stderr))
	h.metrics.RecordExecution(rec.Backend, string(rec.Status), rec.Duration().Seconds())
	h.auditExecution(rec, sessionID, ipAddress)

	doneData, _ := json.Marshal(map[string]any{
		"id":        rec.ID,
		"status":    rec.Status,
		"exit_code": rec.ExitCode,
		"duration":  rec.Duration().Round(time.Millisecond).String(),
	})
	sendSSEDone(w, string(doneData))
}

func (h *Handlers) HandleListCommands(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "method not allowed", "METHOD_NOT_ALLOWED", http.StatusMethodNotAllowed, r)
		return
	}

	records := h.manager.Executions()
	resp := ExecutionListResponse{
		Executions: make([]ExecutionResponse, 0, len(records)),
		Count:      len(records),
	}
	for _, rec := range records {
		resp.Executions = append(resp.Executions, executionResponse(rec, nil))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) HandleGetCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "method not allowed", "METHOD_NOT_ALLOWED", http.StatusMethodNotAllowed, r)
		return
	}

	id := r.PathValue("id")
	if id == "" {
		writeError(w, "execution ID required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	rec, err := h.manager.GetExecution(id)
	if err != nil {
		writeError(w, "execution not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}
	writeJSON(w, http.StatusOK, executionResponse(rec, nil))
}

func (h *Handlers) HandleCancelCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeError(w, "method not allowed", "METHOD_NOT_ALLOWED", http.StatusMethodNotAllowed, r)
		return
	}

	id := r.PathValue("id")
	if id == "" {
		writeError(w, "execution ID required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	if err := h.manager.CancelExecution(id); err != nil {
		writeError(w, "execution not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}

	log.Info().Str("exec_id", id).Msg("execution canceled")
	writeJSON(w, http.StatusOK, CancelResponse{ID: id, Canceled: true})
}

func (h *Handlers) HandleApplyPolicy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, "method not allowed", "METHOD_NOT_ALLOWED", http.StatusMethodNotAllowed, r)
		return
	}

	var p policy.Policy
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if p.ID == "" {
		writeError(w, "policy ID is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	h.engine.AddPolicy(p)
	stored, _ := h.engine.GetPolicy(p.ID)
	writeJSON(w, http.StatusOK, stored)
}

func (h *Handlers) HandleListPolicies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "method not allowed", "METHOD_NOT_ALLOWED", http.StatusMethodNotAllowed, r)
		return
	}

	policies := h.engine.Policies()
	writeJSON(w, http.StatusOK, map[string]any{
		"policies": policies,
		"count":    len(policies),
	})
}

func (h *Handlers) HandleGetPolicy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "method not allowed", "METHOD_NOT_ALLOWED", http.StatusMethodNotAllowed, r)
		return
	}

	id := r.PathValue("id")
	p, ok := h.engine.GetPolicy(id)
	if !ok {
		writeError(w, "policy not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handlers) HandleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeError(w, "method not allowed", "METHOD_NOT_ALLOWED", http.StatusMethodNotAllowed, r)
		return
	}

	id := r.PathValue("id")
	if !h.engine.RemovePolicy(id) {
		writeError(w, "policy not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}

	log.Info().Str("policy_id", id).Msg("policy deleted")
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "deleted": true})
}

// rateLimitContext builds the evaluation context for the rate limit
// endpoints. Explicit query parameters override the caller identity so
// operators can inspect any session.
func rateLimitContext(r *http.Request) policy.EvalContext {
	sessionID, ipAddress := identity(r)
	if v := r.URL.Query().Get("session_id"); v != "" {
		sessionID = v
	}
	if v := r.URL.Query().Get("ip_address"); v != "" {
		ipAddress = v
	}
	return policy.EvalContext{
		SessionID: sessionID,
		IPAddress: ipAddress,
		Resource:  "*",
		Action:    policy.ActionRateLimit,
		Timestamp: time.Now().UTC(),
	}
}

func (h *Handlers) HandleRateLimitStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "method not allowed", "METHOD_NOT_ALLOWED", http.StatusMethodNotAllowed, r)
		return
	}

	ec := rateLimitContext(r)
	st := h.engine.RateLimitStatus(ec)
	writeJSON(w, http.StatusOK, RateLimitStatusResponse{
		SessionID: ec.SessionID,
		IPAddress: ec.IPAddress,
		Limit:     st.Limit,
		Count:     st.Count,
		Remaining: st.Remaining,
		ResetAt:   st.ResetAt,
	})
}

func (h *Handlers) HandleRateLimitReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeError(w, "method not allowed", "METHOD_NOT_ALLOWED", http.StatusMethodNotAllowed, r)
		return
	}

	ec := rateLimitContext(r)
	h.engine.ResetRateLimit(ec)
	log.Info().Str("session_id", ec.SessionID).Str("ip_address", ec.IPAddress).Msg("rate limit reset")
	writeJSON(w, http.StatusOK, RateLimitResetResponse{
		SessionID: ec.SessionID,
		IPAddress: ec.IPAddress,
		Reset:     true,
	})
}

// authorizeFile runs one fileAccess policy check and writes the denial
// response when the check fails.
func (h *Handlers) authorizeFile(w http.ResponseWriter, r *http.Request, path string) bool {
	sessionID, ipAddress := identity(r)
	dec := h.auth.Evaluate(policy.EvalContext{
		SessionID: sessionID,
		IPAddress: ipAddress,
		Resource:  path,
		Action:    policy.ActionFileAccess,
		Timestamp: time.Now().UTC(),
	})
	if dec.RateLimited {
		writeError(w, "rate limit exceeded", "RATE_LIMITED", http.StatusTooManyRequests, r)
		return false
	}
	if !dec.Allowed {
		writeError(w, "file access denied by policy", "FORBIDDEN", http.StatusForbidden, r)
		return false
	}
	return true
}

func (h *Handlers) writeFileError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, workspace.ErrPathEscapes):
		writeError(w, err.Error(), "INVALID_PATH", http.StatusBadRequest, r)
	case os.IsNotExist(err):
		writeError(w, "file not found", "NOT_FOUND", http.StatusNotFound, r)
	default:
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("workspace operation failed")
		writeError(w, "workspace operation failed", "INTERNAL", http.StatusInternalServerError, r)
	}
}

func (h *Handlers) HandleReadFile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "method not allowed", "METHOD_NOT_ALLOWED", http.StatusMethodNotAllowed, r)
		return
	}

	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, "path query parameter required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	_, span := h.tracer.StartSpan(r.Context(), "file_read",
		monitor.AttrAction.String(string(policy.ActionFileAccess)),
		monitor.AttrResource.String(path),
	)
	defer span.End()

	if !h.authorizeFile(w, r, path) {
		return
	}

	data, err := h.store.Read(path)
	if err != nil {
		h.writeFileError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		log.Error().Err(err).Msg("failed to write file response")
	}
}

func (h *Handlers) HandleWriteFile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		writeError(w, "method not allowed", "METHOD_NOT_ALLOWED", http.StatusMethodNotAllowed, r)
		return
	}

	var req FileWriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.Path == "" {
		writeError(w, "path is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	_, span := h.tracer.StartSpan(r.Context(), "file_write",
		monitor.AttrAction.String(string(policy.ActionFileAccess)),
		monitor.AttrResource.String(req.Path),
	)
	defer span.End()

	if !h.authorizeFile(w, r, req.Path) {
		return
	}

	if err := h.store.Write(req.Path, []byte(req.Content)); err != nil {
		h.writeFileError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, FileWriteResponse{Path: req.Path, Bytes: len(req.Content)})
}

func (h *Handlers) HandleListFiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "method not allowed", "METHOD_NOT_ALLOWED", http.StatusMethodNotAllowed, r)
		return
	}

	path := r.URL.Query().Get("path")
	if path == "" {
		path = "."
	}

	if !h.authorizeFile(w, r, path) {
		return
	}

	files, err := h.store.List(path)
	if err != nil {
		h.writeFileError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, FileListResponse{Path: path, Files: files})
}

func (h *Handlers) HandleListTools(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "method not allowed", "METHOD_NOT_ALLOWED", http.StatusMethodNotAllowed, r)
		return
	}

	list := h.registry.Tools()
	writeJSON(w, http.StatusOK, map[string]any{
		"tools": list,
		"count": len(list),
	})
}

func (h *Handlers) HandleRunTool(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, "method not allowed", "METHOD_NOT_ALLOWED", http.StatusMethodNotAllowed, r)
		return
	}

	name := r.PathValue("name")
	if name == "" {
		writeError(w, "tool name required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	var req ToolRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	execReq, err := h.registry.Resolve(name, req.Target)
	if err != nil {
		writeError(w, err.Error(), "UNKNOWN_TOOL", http.StatusNotFound, r)
		return
	}

	execReq.SessionID, execReq.IPAddress = identity(r)
	h.runCommand(w, r, execReq)
}

func (h *Handlers) HandleListAuditExecutions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "method not allowed", "METHOD_NOT_ALLOWED", http.StatusMethodNotAllowed, r)
		return
	}

	if h.db == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	filter := storage.ExecutionFilter{
		SessionID: r.URL.Query().Get("session_id"),
		Status:    r.URL.Query().Get("status"),
		Limit:     queryInt(r, "limit", 100),
		Offset:    queryInt(r, "offset", 0),
	}

	execs, err := h.db.ListExecutions(r.Context(), filter)
	if err != nil {
		log.Error().Err(err).Msg("audit query failed")
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"executions": execs,
		"count":      len(execs),
	})
}

func (h *Handlers) HandleListAuditDecisions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "method not allowed", "METHOD_NOT_ALLOWED", http.StatusMethodNotAllowed, r)
		return
	}

	if h.db == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	filter := storage.DecisionFilter{
		SessionID: r.URL.Query().Get("session_id"),
		Action:    r.URL.Query().Get("action"),
		Limit:     queryInt(r, "limit", 100),
		Offset:    queryInt(r, "offset", 0),
	}

	decisions, err := h.db.ListDecisions(r.Context(), filter)
	if err != nil {
		log.Error().Err(err).Msg("audit query failed")
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"decisions": decisions,
		"count":     len(decisions),
	})
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func executionResponse(rec *sandbox.Record, dets []monitor.Detection) ExecutionResponse {
	return ExecutionResponse{
		ID:          rec.ID,
		Command:     rec.Command,
		Args:        rec.Args,
		Backend:     rec.Backend,
		Status:      string(rec.Status),
		ExitCode:    rec.ExitCode,
		Duration:    rec.Duration().Round(time.Millisecond).String(),
		Log:         rec.Log,
		StartedAt:   rec.StartedAt,
		CompletedAt: rec.CompletedAt,
		Detections:  dets,
	}
}

// capturedOutput joins the record's stdout and stderr entries for the
// output scanner.
func capturedOutput(rec *sandbox.Record) string {
	var b strings.Builder
	for _, e := range rec.Log {
		if e.Stream == sandbox.StreamStdout || e.Stream == sandbox.StreamStderr {
			b.WriteString(e.Message)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func outputBytes(rec *sandbox.Record) (stdout, stderr int) {
	for _, e := range rec.Log {
		switch e.Stream {
		case sandbox.StreamStdout:
			stdout += len(e.Message)
		case sandbox.StreamStderr:
			stderr += len(e.Message)
		}
	}
	return stdout, stderr
}

func (h *Handlers) auditExecution(rec *sandbox.Record, sessionID, ipAddress string) {
	if h.writer == nil {
		return
	}

	stdout, stderr := outputBytes(rec)
	line := rec.Command
	if len(rec.Args) > 0 {
		line += " " + strings.Join(rec.Args, " ")
	}
	h.writer.LogExecution(&storage.Execution{
		ID:          rec.ID,
		SessionID:   sessionID,
		IPAddress:   ipAddress,
		CommandLine: line,
		Backend:     rec.Backend,
		Status:      string(rec.Status),
		ExitCode:    rec.ExitCode,
		DurationMS:  rec.Duration().Milliseconds(),
		StdoutBytes: stdout,
		StderrBytes: stderr,
		CreatedAt:   rec.StartedAt,
		CompletedAt: rec.CompletedAt,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
