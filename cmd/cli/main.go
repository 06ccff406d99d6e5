package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"agent-gatekeeper/internal/policy"
)

var (
	serverURL string
	apiKey    string
	sessionID string

	runTimeout string
	runStream  bool

	outPath      string
	forSession   string
	forIP        string
	auditSession string
	auditLimit   int
)

var (
	apiClient = &http.Client{Timeout: 15 * time.Second}

	// Command execution can legitimately run for minutes; the server
	// enforces its own max timeout well below this.
	execClient = &http.Client{Timeout: 6 * time.Minute}
)

func main() {
	root := &cobra.Command{
		Use:   "gatekeeper-cli",
		Short: "CLI client for agent-gatekeeper",
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("GATEKEEPER_API_KEY"), "API key")
	root.PersistentFlags().StringVar(&sessionID, "session", "", "Session ID sent with each request")

	// Run a command
	runCmd := &cobra.Command{
		Use:   "run [command] [args...]",
		Short: "Run a command in the sandbox",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runRun,
	}
	runCmd.Flags().StringVar(&runTimeout, "timeout", "", "Execution timeout (e.g. 30s)")
	runCmd.Flags().BoolVar(&runStream, "stream", false, "Stream output as it is produced")
	runCmd.Flags().SetInterspersed(false)
	root.AddCommand(runCmd)

	root.AddCommand(&cobra.Command{
		Use:   "get [id]",
		Short: "Show one execution record",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return getJSON("/v1/commands/" + url.PathEscape(args[0]))
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "cancel [id]",
		Short: "Cancel a running execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			resp, err := request(apiClient, "DELETE", "/v1/commands/"+url.PathEscape(args[0]), nil)
			if err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
			return printJSON(resp)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List tracked executions",
		RunE: func(_ *cobra.Command, _ []string) error {
			return getJSON("/v1/commands")
		},
	})

	// Policy management
	policyCmd := &cobra.Command{
		Use:   "policy",
		Short: "Manage authorization policies",
	}
	policyCmd.AddCommand(&cobra.Command{
		Use:   "apply [file]",
		Short: "Apply a policy from a YAML or JSON file",
		Args:  cobra.ExactArgs(1),
		RunE:  runPolicyApply,
	})
	policyCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered policies",
		RunE: func(_ *cobra.Command, _ []string) error {
			return getJSON("/v1/policies")
		},
	})
	policyCmd.AddCommand(&cobra.Command{
		Use:   "get [id]",
		Short: "Show one policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return getJSON("/v1/policies/" + url.PathEscape(args[0]))
		},
	})
	policyCmd.AddCommand(&cobra.Command{
		Use:   "delete [id]",
		Short: "Remove a policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			resp, err := request(apiClient, "DELETE", "/v1/policies/"+url.PathEscape(args[0]), nil)
			if err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
			return printJSON(resp)
		},
	})
	root.AddCommand(policyCmd)

	// Rate limit inspection
	rlCmd := &cobra.Command{
		Use:   "ratelimit",
		Short: "Inspect and reset rate limit counters",
	}
	rlStatus := &cobra.Command{
		Use:   "status",
		Short: "Show the current window for an identity",
		RunE: func(_ *cobra.Command, _ []string) error {
			return getJSON("/v1/ratelimit" + rlQuery())
		},
	}
	rlReset := &cobra.Command{
		Use:   "reset",
		Short: "Clear the window for an identity",
		RunE: func(_ *cobra.Command, _ []string) error {
			resp, err := request(apiClient, "DELETE", "/v1/ratelimit"+rlQuery(), nil)
			if err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
			return printJSON(resp)
		},
	}
	for _, c := range []*cobra.Command{rlStatus, rlReset} {
		c.Flags().StringVar(&forSession, "for-session", "", "Inspect this session instead of your own")
		c.Flags().StringVar(&forIP, "for-ip", "", "Inspect this IP instead of your own")
	}
	rlCmd.AddCommand(rlStatus, rlReset)
	root.AddCommand(rlCmd)

	// Workspace files
	filesCmd := &cobra.Command{
		Use:   "files",
		Short: "Read and write workspace files",
	}
	filesGet := &cobra.Command{
		Use:   "get [path]",
		Short: "Download a workspace file",
		Args:  cobra.ExactArgs(1),
		RunE:  runFilesGet,
	}
	filesGet.Flags().StringVarP(&outPath, "output", "o", "", "Write to file instead of stdout")
	filesCmd.AddCommand(filesGet)
	filesCmd.AddCommand(&cobra.Command{
		Use:   "put [local] [remote]",
		Short: "Upload a local file into the workspace",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runFilesPut,
	})
	filesCmd.AddCommand(&cobra.Command{
		Use:   "ls [path]",
		Short: "List a workspace directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}
			return getJSON("/v1/files/list?path=" + url.QueryEscape(dir))
		},
	})
	root.AddCommand(filesCmd)

	// Registered tools
	toolsCmd := &cobra.Command{
		Use:   "tools",
		Short: "List and run registered tools",
	}
	toolsCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List available tools",
		RunE: func(_ *cobra.Command, _ []string) error {
			return getJSON("/v1/tools")
		},
	})
	toolsCmd.AddCommand(&cobra.Command{
		Use:   "run [name] [target]",
		Short: "Run a tool against a workspace target",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runToolRun,
	})
	root.AddCommand(toolsCmd)

	// Audit trail
	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Query the audit trail",
	}
	auditExecs := &cobra.Command{
		Use:   "executions",
		Short: "List persisted execution records",
		RunE: func(_ *cobra.Command, _ []string) error {
			return getJSON("/v1/audit/executions" + auditQuery())
		},
	}
	auditDecs := &cobra.Command{
		Use:   "decisions",
		Short: "List persisted policy decisions",
		RunE: func(_ *cobra.Command, _ []string) error {
			return getJSON("/v1/audit/decisions" + auditQuery())
		},
	}
	for _, c := range []*cobra.Command{auditExecs, auditDecs} {
		c.Flags().StringVar(&auditSession, "for-session", "", "Filter by session ID")
		c.Flags().IntVar(&auditLimit, "limit", 100, "Maximum records to return")
	}
	auditCmd.AddCommand(auditExecs, auditDecs)
	root.AddCommand(auditCmd)

	// Health check
	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE: func(_ *cobra.Command, _ []string) error {
			resp, err := http.Get(serverURL + "/health")
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			return printJSON(resp)
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runRun(_ *cobra.Command, args []string) error {
	payload := map[string]any{
		"command": args[0],
		"args":    args[1:],
	}
	if runTimeout != "" {
		payload["timeout"] = runTimeout
	}

	if runStream {
		return streamRun(payload)
	}

	resp, err := request(execClient, "POST", "/v1/commands", payload)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	formatted, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(formatted))

	// Exit with the command's exit code
	if exitCode, ok := result["exit_code"].(float64); ok && exitCode != 0 {
		os.Exit(int(exitCode))
	}
	if resp.StatusCode >= 400 {
		os.Exit(1)
	}
	return nil
}

// streamRun consumes the SSE stream, printing stdout and stderr events
// to the matching local stream as they arrive.
func streamRun(payload map[string]any) error {
	body, _ := json.Marshal(payload)
	req, err := http.NewRequest("POST", serverURL+"/v1/commands/stream", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	setAuthHeaders(req)

	resp, err := execClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	event := ""
	exitCode := 0
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data := strings.TrimPrefix(line, "data: ")
			switch event {
			case "stdout":
				fmt.Println(data)
			case "stderr":
				fmt.Fprintln(os.Stderr, data)
			case "error":
				fmt.Fprintln(os.Stderr, "error:", data)
				exitCode = 1
			case "done":
				var done struct {
					Status   string `json:"status"`
					ExitCode int    `json:"exit_code"`
				}
				if err := json.Unmarshal([]byte(data), &done); err == nil {
					if done.ExitCode != 0 {
						exitCode = done.ExitCode
					} else if done.Status != "succeeded" {
						exitCode = 1
					}
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading stream: %w", err)
	}
	if exitCode != 0 {
		os.Exit(exitCode)
	}
	return nil
}

func runPolicyApply(_ *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading policy file: %w", err)
	}

	// YAML is a superset of JSON, so one parse handles both formats.
	var p policy.Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("parsing policy: %w", err)
	}
	if p.ID == "" {
		return fmt.Errorf("policy has no id")
	}

	resp, err := request(apiClient, "POST", "/v1/policies", p)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	return printJSON(resp)
}

func runFilesGet(_ *cobra.Command, args []string) error {
	resp, err := request(apiClient, "GET", "/v1/files?path="+url.QueryEscape(args[0]), nil)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	out := os.Stdout
	if outPath != "" {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("creating output file: %w", err)
		}
		defer f.Close()
		out = f
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("writing output: %w", err)
	}
	return nil
}

func runFilesPut(_ *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}

	remote := args[0]
	if len(args) > 1 {
		remote = args[1]
	}

	payload := map[string]any{
		"path":    remote,
		"content": string(data),
	}
	resp, err := request(apiClient, "PUT", "/v1/files", payload)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	return printJSON(resp)
}

func runToolRun(_ *cobra.Command, args []string) error {
	payload := map[string]any{}
	if len(args) > 1 {
		payload["target"] = args[1]
	}
	resp, err := request(execClient, "POST", "/v1/tools/"+url.PathEscape(args[0]), payload)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	return printJSON(resp)
}

func rlQuery() string {
	q := url.Values{}
	if forSession != "" {
		q.Set("session_id", forSession)
	}
	if forIP != "" {
		q.Set("ip_address", forIP)
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

func auditQuery() string {
	q := url.Values{}
	if auditSession != "" {
		q.Set("session_id", auditSession)
	}
	q.Set("limit", fmt.Sprint(auditLimit))
	return "?" + q.Encode()
}

func getJSON(path string) error {
	resp, err := request(apiClient, "GET", path, nil)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	return printJSON(resp)
}

func request(client *http.Client, method, path string, payload any) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, serverURL+path, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	setAuthHeaders(req)
	return client.Do(req)
}

func setAuthHeaders(req *http.Request) {
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	if sessionID != "" {
		req.Header.Set("X-Session-ID", sessionID)
	}
}

func printJSON(resp *http.Response) error {
	defer resp.Body.Close()

	var result any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	formatted, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(formatted))

	if resp.StatusCode >= 400 {
		os.Exit(1)
	}
	return nil
}
