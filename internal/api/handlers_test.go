package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"agent-gatekeeper/internal/policy"
	"agent-gatekeeper/internal/sandbox"
	"agent-gatekeeper/internal/tools"
	"agent-gatekeeper/internal/workspace"
)

// stubBackend implements sandbox.Backend for handler tests.
type stubBackend struct {
	exitCode int
	runErr   error
	stdout   string
	stderr   string
}

func (b *stubBackend) Name() string { return "stub" }

func (b *stubBackend) Run(_ context.Context, _ sandbox.RunSpec, stdout, stderr io.Writer) (int, error) {
	if b.stdout != "" {
		io.WriteString(stdout, b.stdout)
	}
	if b.stderr != "" {
		io.WriteString(stderr, b.stderr)
	}
	if b.runErr != nil {
		return -1, b.runErr
	}
	return b.exitCode, nil
}

func (b *stubBackend) Close() error { return nil }

// stubAuthorizer returns a fixed decision for every evaluation.
type stubAuthorizer struct {
	decision policy.Decision
}

func (a stubAuthorizer) Evaluate(policy.EvalContext) policy.Decision { return a.decision }

func allow() stubAuthorizer {
	return stubAuthorizer{decision: policy.Decision{Allowed: true, RuleID: "test-allow"}}
}

func newTestHandlers(t *testing.T, backend sandbox.Backend, auth sandbox.Authorizer) *Handlers {
	t.Helper()

	store, err := workspace.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	manager := sandbox.NewManager(sandbox.Options{
		Authorizer:     auth,
		Backend:        backend,
		Workspace:      store.Root(),
		DefaultTimeout: time.Second,
		MaxTimeout:     5 * time.Minute, // above the longest registered tool timeout
		MaxConcurrent:  4,
	})
	t.Cleanup(func() { manager.Close() })

	return NewHandlers(Deps{
		Manager:    manager,
		Engine:     policy.NewEngine(policy.Options{}),
		Authorizer: auth,
		Workspace:  store,
		Tools:      tools.NewRegistry(),
	})
}

func postJSON(t *testing.T, handler http.HandlerFunc, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Session-ID", "test-session")
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding error response: %v", err)
	}
	return resp
}

func TestHandleRunCommand_Success(t *testing.T) {
	h := newTestHandlers(t, &stubBackend{stdout: "hello\n"}, allow())

	rec := postJSON(t, h.HandleRunCommand, "/v1/commands", CommandRequest{
		Command: "echo",
		Args:    []string{"hello"},
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var resp ExecutionResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.ID == "" {
		t.Error("response ID is empty")
	}
	if resp.Status != string(sandbox.StatusSucceeded) {
		t.Errorf("Status = %q, want %q", resp.Status, sandbox.StatusSucceeded)
	}
	if resp.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", resp.ExitCode)
	}
	if resp.Backend != "stub" {
		t.Errorf("Backend = %q, want %q", resp.Backend, "stub")
	}

	found := false
	for _, e := range resp.Log {
		if e.Stream == sandbox.StreamStdout && e.Message == "hello\n" {
			found = true
		}
	}
	if !found {
		t.Errorf("stdout entry missing from log: %+v", resp.Log)
	}
}

func TestHandleRunCommand_ValidationErrors(t *testing.T) {
	h := newTestHandlers(t, &stubBackend{}, allow())

	tests := []struct {
		name     string
		body     any
		wantCode string
	}{
		{"empty body", map[string]string{}, "INVALID_REQUEST"},
		{"missing command", CommandRequest{Args: []string{"x"}}, "INVALID_REQUEST"},
		{"shell metacharacter", CommandRequest{Command: "echo;rm"}, "INVALID_COMMAND"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postJSON(t, h.HandleRunCommand, "/v1/commands", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("got status %d, want 400", rec.Code)
			}
			if resp := decodeError(t, rec); resp.Code != tt.wantCode {
				t.Errorf("got code %q, want %q", resp.Code, tt.wantCode)
			}
		})
	}
}

func TestHandleRunCommand_Forbidden(t *testing.T) {
	h := newTestHandlers(t, &stubBackend{}, stubAuthorizer{
		decision: policy.Decision{Reason: "matched deny rule", RuleID: "deny-all"},
	})

	rec := postJSON(t, h.HandleRunCommand, "/v1/commands", CommandRequest{Command: "ls"})

	if rec.Code != http.StatusForbidden {
		t.Fatalf("got status %d, want 403", rec.Code)
	}
	if resp := decodeError(t, rec); resp.Code != "FORBIDDEN" {
		t.Errorf("got code %q, want FORBIDDEN", resp.Code)
	}
}

func TestHandleRunCommand_RateLimited(t *testing.T) {
	h := newTestHandlers(t, &stubBackend{}, stubAuthorizer{
		decision: policy.Decision{Reason: "rate limit exceeded", RateLimited: true},
	})

	rec := postJSON(t, h.HandleRunCommand, "/v1/commands", CommandRequest{Command: "ls"})

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("got status %d, want 429", rec.Code)
	}
	if resp := decodeError(t, rec); resp.Code != "RATE_LIMITED" {
		t.Errorf("got code %q, want RATE_LIMITED", resp.Code)
	}
}

func TestHandleRunCommand_DetectionsReportedNotBlocked(t *testing.T) {
	h := newTestHandlers(t, &stubBackend{}, allow())

	rec := postJSON(t, h.HandleRunCommand, "/v1/commands", CommandRequest{
		Command: "cat",
		Args:    []string{"/proc/self/environ"},
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var resp ExecutionResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	found := false
	for _, d := range resp.Detections {
		if d.Pattern == "proc_self_access" {
			found = true
		}
	}
	if !found {
		t.Errorf("proc_self_access detection missing: %+v", resp.Detections)
	}
}

func TestHandleRunCommand_MethodNotAllowed(t *testing.T) {
	h := newTestHandlers(t, &stubBackend{}, allow())

	req := httptest.NewRequest(http.MethodGet, "/v1/commands", nil)
	rec := httptest.NewRecorder()
	h.HandleRunCommand(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("got status %d, want 405", rec.Code)
	}
}

func TestHandleGetCommand(t *testing.T) {
	h := newTestHandlers(t, &stubBackend{stdout: "ok\n"}, allow())

	rec := postJSON(t, h.HandleRunCommand, "/v1/commands", CommandRequest{Command: "ls"})
	if rec.Code != http.StatusOK {
		t.Fatalf("setup run failed: %d", rec.Code)
	}
	var created ExecutionResponse
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/commands/"+created.ID, nil)
	req.SetPathValue("id", created.ID)
	get := httptest.NewRecorder()
	h.HandleGetCommand(get, req)

	if get.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", get.Code)
	}
	var fetched ExecutionResponse
	if err := json.NewDecoder(get.Body).Decode(&fetched); err != nil {
		t.Fatal(err)
	}
	if fetched.ID != created.ID {
		t.Errorf("ID = %q, want %q", fetched.ID, created.ID)
	}

	missing := httptest.NewRequest(http.MethodGet, "/v1/commands/exec_nope", nil)
	missing.SetPathValue("id", "exec_nope")
	miss := httptest.NewRecorder()
	h.HandleGetCommand(miss, missing)
	if miss.Code != http.StatusNotFound {
		t.Errorf("got status %d, want 404", miss.Code)
	}
}

func TestHandleCancelCommand_NotFound(t *testing.T) {
	h := newTestHandlers(t, &stubBackend{}, allow())

	req := httptest.NewRequest(http.MethodDelete, "/v1/commands/exec_nope", nil)
	req.SetPathValue("id", "exec_nope")
	rec := httptest.NewRecorder()
	h.HandleCancelCommand(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("got status %d, want 404", rec.Code)
	}
}

func TestHandlePolicyLifecycle(t *testing.T) {
	h := newTestHandlers(t, &stubBackend{}, allow())

	p := policy.Policy{
		ID:   "team-policy",
		Name: "Team policy",
		Rules: []policy.Rule{
			{ID: "allow-git", Type: policy.ActionCommandExecution, Effect: policy.EffectAllow, Resource: "git*"},
		},
	}
	rec := postJSON(t, h.HandleApplyPolicy, "/v1/policies", p)
	if rec.Code != http.StatusOK {
		t.Fatalf("apply: got status %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var stored policy.Policy
	if err := json.NewDecoder(rec.Body).Decode(&stored); err != nil {
		t.Fatal(err)
	}
	if stored.CreatedAt.IsZero() {
		t.Error("stored policy has zero CreatedAt")
	}

	listReq := httptest.NewRequest(http.MethodGet, "/v1/policies", nil)
	list := httptest.NewRecorder()
	h.HandleListPolicies(list, listReq)
	if list.Code != http.StatusOK {
		t.Fatalf("list: got status %d, want 200", list.Code)
	}
	var listResp struct {
		Policies []policy.Policy `json:"policies"`
		Count    int             `json:"count"`
	}
	if err := json.NewDecoder(list.Body).Decode(&listResp); err != nil {
		t.Fatal(err)
	}
	if listResp.Count != 1 || len(listResp.Policies) != 1 {
		t.Fatalf("list: count = %d, want 1", listResp.Count)
	}

	getReq := httptest.NewRequest(http.MethodGet, "/v1/policies/team-policy", nil)
	getReq.SetPathValue("id", "team-policy")
	get := httptest.NewRecorder()
	h.HandleGetPolicy(get, getReq)
	if get.Code != http.StatusOK {
		t.Fatalf("get: got status %d, want 200", get.Code)
	}

	delReq := httptest.NewRequest(http.MethodDelete, "/v1/policies/team-policy", nil)
	delReq.SetPathValue("id", "team-policy")
	del := httptest.NewRecorder()
	h.HandleDeletePolicy(del, delReq)
	if del.Code != http.StatusOK {
		t.Fatalf("delete: got status %d, want 200", del.Code)
	}

	getReq2 := httptest.NewRequest(http.MethodGet, "/v1/policies/team-policy", nil)
	getReq2.SetPathValue("id", "team-policy")
	get2 := httptest.NewRecorder()
	h.HandleGetPolicy(get2, getReq2)
	if get2.Code != http.StatusNotFound {
		t.Errorf("get after delete: got status %d, want 404", get2.Code)
	}
}

func TestHandleRateLimitStatusAndReset(t *testing.T) {
	h := newTestHandlers(t, &stubBackend{}, allow())

	req := httptest.NewRequest(http.MethodGet, "/v1/ratelimit?session_id=agent-1&ip_address=10.0.0.9", nil)
	rec := httptest.NewRecorder()
	h.HandleRateLimitStatus(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	var st RateLimitStatusResponse
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.SessionID != "agent-1" || st.IPAddress != "10.0.0.9" {
		t.Errorf("identity = %s/%s, want agent-1/10.0.0.9", st.SessionID, st.IPAddress)
	}
	if st.Remaining != st.Limit {
		t.Errorf("fresh window: remaining = %d, want %d", st.Remaining, st.Limit)
	}

	delReq := httptest.NewRequest(http.MethodDelete, "/v1/ratelimit?session_id=agent-1&ip_address=10.0.0.9", nil)
	del := httptest.NewRecorder()
	h.HandleRateLimitReset(del, delReq)
	if del.Code != http.StatusOK {
		t.Fatalf("reset: got status %d, want 200", del.Code)
	}
	var reset RateLimitResetResponse
	if err := json.NewDecoder(del.Body).Decode(&reset); err != nil {
		t.Fatal(err)
	}
	if !reset.Reset {
		t.Error("reset = false, want true")
	}
}

func TestHandleFileRoundTrip(t *testing.T) {
	h := newTestHandlers(t, &stubBackend{}, allow())

	b, _ := json.Marshal(FileWriteRequest{Path: "notes/a.txt", Content: "hi"})
	putReq := httptest.NewRequest(http.MethodPut, "/v1/files", bytes.NewReader(b))
	put := httptest.NewRecorder()
	h.HandleWriteFile(put, putReq)
	if put.Code != http.StatusOK {
		t.Fatalf("write: got status %d, want 200: %s", put.Code, put.Body.String())
	}
	var wrote FileWriteResponse
	if err := json.NewDecoder(put.Body).Decode(&wrote); err != nil {
		t.Fatal(err)
	}
	if wrote.Bytes != 2 {
		t.Errorf("Bytes = %d, want 2", wrote.Bytes)
	}

	getReq := httptest.NewRequest(http.MethodGet, "/v1/files?path=notes/a.txt", nil)
	get := httptest.NewRecorder()
	h.HandleReadFile(get, getReq)
	if get.Code != http.StatusOK {
		t.Fatalf("read: got status %d, want 200", get.Code)
	}
	if got := get.Body.String(); got != "hi" {
		t.Errorf("read body = %q, want %q", got, "hi")
	}

	listReq := httptest.NewRequest(http.MethodGet, "/v1/files/list?path=notes", nil)
	list := httptest.NewRecorder()
	h.HandleListFiles(list, listReq)
	if list.Code != http.StatusOK {
		t.Fatalf("list: got status %d, want 200", list.Code)
	}
	var listResp FileListResponse
	if err := json.NewDecoder(list.Body).Decode(&listResp); err != nil {
		t.Fatal(err)
	}
	if len(listResp.Files) != 1 || listResp.Files[0].Name != "a.txt" {
		t.Errorf("list = %+v, want one entry a.txt", listResp.Files)
	}
}

func TestHandleReadFile_TraversalContained(t *testing.T) {
	h := newTestHandlers(t, &stubBackend{}, allow())

	// Dot-dot segments fold into the workspace root, so this resolves
	// to <root>/etc/passwd, which does not exist.
	req := httptest.NewRequest(http.MethodGet, "/v1/files?path=../../etc/passwd", nil)
	rec := httptest.NewRecorder()
	h.HandleReadFile(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("got status %d, want 404", rec.Code)
	}
}

func TestHandleReadFile_Forbidden(t *testing.T) {
	h := newTestHandlers(t, &stubBackend{}, stubAuthorizer{
		decision: policy.Decision{Reason: "matched deny rule"},
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/files?path=secret.txt", nil)
	rec := httptest.NewRecorder()
	h.HandleReadFile(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("got status %d, want 403", rec.Code)
	}
}

func TestHandleRunTool(t *testing.T) {
	h := newTestHandlers(t, &stubBackend{stdout: "main.go\n"}, allow())

	b, _ := json.Marshal(ToolRunRequest{Target: "./..."})
	req := httptest.NewRequest(http.MethodPost, "/v1/tools/fmt", bytes.NewReader(b))
	req.SetPathValue("name", "fmt")
	rec := httptest.NewRecorder()
	h.HandleRunTool(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var resp ExecutionResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Command != "gofmt" {
		t.Errorf("Command = %q, want gofmt", resp.Command)
	}

	unknownReq := httptest.NewRequest(http.MethodPost, "/v1/tools/nope", bytes.NewReader([]byte("{}")))
	unknownReq.SetPathValue("name", "nope")
	unknown := httptest.NewRecorder()
	h.HandleRunTool(unknown, unknownReq)
	if unknown.Code != http.StatusNotFound {
		t.Errorf("unknown tool: got status %d, want 404", unknown.Code)
	}
}

func TestHandleListTools(t *testing.T) {
	h := newTestHandlers(t, &stubBackend{}, allow())

	req := httptest.NewRequest(http.MethodGet, "/v1/tools", nil)
	rec := httptest.NewRecorder()
	h.HandleListTools(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	var resp struct {
		Tools []tools.Tool `json:"tools"`
		Count int          `json:"count"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Count == 0 {
		t.Error("no built-in tools listed")
	}
}

func TestHandleAudit_DatabaseUnavailable(t *testing.T) {
	h := newTestHandlers(t, &stubBackend{}, allow())

	req := httptest.NewRequest(http.MethodGet, "/v1/audit/executions", nil)
	rec := httptest.NewRecorder()
	h.HandleListAuditExecutions(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("got status %d, want 503", rec.Code)
	}
	if resp := decodeError(t, rec); resp.Code != "DB_UNAVAILABLE" {
		t.Errorf("got code %q, want DB_UNAVAILABLE", resp.Code)
	}
}

func TestHandleRunCommandStream(t *testing.T) {
	h := newTestHandlers(t, &stubBackend{stdout: "line one\n"}, allow())

	b, _ := json.Marshal(CommandRequest{Command: "echo", Args: []string{"line one"}})
	req := httptest.NewRequest(http.MethodPost, "/v1/commands/stream", bytes.NewReader(b))
	rec := httptest.NewRecorder()
	h.HandleRunCommandStream(rec, req)

	body := rec.Body.String()
	if !bytes.Contains([]byte(body), []byte("event: stdout")) {
		t.Errorf("stdout event missing from stream:\n%s", body)
	}
	if !bytes.Contains([]byte(body), []byte("data: line one")) {
		t.Errorf("stdout data missing from stream:\n%s", body)
	}
	if !bytes.Contains([]byte(body), []byte("event: done")) {
		t.Errorf("done event missing from stream:\n%s", body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
}

func TestHandleRunCommandStream_DeniedAsErrorEvent(t *testing.T) {
	h := newTestHandlers(t, &stubBackend{}, stubAuthorizer{
		decision: policy.Decision{Reason: "matched deny rule"},
	})

	b, _ := json.Marshal(CommandRequest{Command: "ls"})
	req := httptest.NewRequest(http.MethodPost, "/v1/commands/stream", bytes.NewReader(b))
	rec := httptest.NewRecorder()
	h.HandleRunCommandStream(rec, req)

	if !bytes.Contains(rec.Body.Bytes(), []byte("event: error")) {
		t.Errorf("error event missing from stream:\n%s", rec.Body.String())
	}
}
