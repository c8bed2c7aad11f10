// Package mcpserver implements `relay mcp` (spec.md §6.7): a line-delimited
// JSON-RPC 2.0 stdio server exposing the same fs/bash/git tool surface as
// the Local API, either forwarded to a running HostD run (when
// RELAY_HOSTD_SOCK and RELAY_RUN_ID are set) or executed directly under a
// local root directory otherwise.
package mcpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/alderwick/relay/internal/ops"
)

// rpcRequest is a JSON-RPC 2.0 request object.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// toolDef is one entry in the tools/list response.
type toolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

var toolDefs = []toolDef{
	{Name: "fs_read", Description: "Read a UTF-8 file within the run's working directory.", InputSchema: schemaWithPath("path", "Relative file path")},
	{Name: "fs_search", Description: "Search files with ripgrep within the run's working directory.", InputSchema: map[string]any{
		"type":       "object",
		"properties": map[string]any{"q": map[string]any{"type": "string", "description": "Search query"}},
		"required":   []string{"q"},
	}},
	{Name: "fs_write", Description: "Write a file within the run's working directory (requires operator approval).", InputSchema: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":    map[string]any{"type": "string"},
			"content": map[string]any{"type": "string"},
		},
		"required": []string{"path", "content"},
	}},
	{Name: "bash", Description: "Run a shell command within the run's working directory (requires operator approval).", InputSchema: map[string]any{
		"type":       "object",
		"properties": map[string]any{"command": map[string]any{"type": "string"}},
		"required":   []string{"command"},
	}},
	{Name: "git_status", Description: "Run git status --porcelain in the working directory.", InputSchema: map[string]any{"type": "object", "properties": map[string]any{}}},
	{Name: "git_diff", Description: "Run git diff in the working directory.", InputSchema: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":   map[string]any{"type": "string"},
			"staged": map[string]any{"type": "boolean"},
		},
	}},
}

func schemaWithPath(field, desc string) map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{field: map[string]any{"type": "string", "description": desc}},
		"required":   []string{field},
	}
}

// Server is the MCP stdio bridge.
type Server struct {
	root      string // used when not forwarding to HostD
	hostdSock string
	runID     string
	httpc     *http.Client
}

// New builds an MCP server. When hostdSock and runID are both non-empty,
// tool calls forward to HostD's Local API over that Unix socket; otherwise
// they execute directly under root.
func New(root, hostdSock, runID string) *Server {
	s := &Server{root: root, hostdSock: hostdSock, runID: runID}
	if hostdSock != "" && runID != "" {
		s.httpc = &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", hostdSock)
				},
			},
			Timeout: 125 * time.Second,
		}
	}
	return s
}

// Run reads line-delimited JSON-RPC 2.0 requests from in and writes
// responses to out until in is exhausted or ctx is cancelled.
func (s *Server) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var req rpcRequest
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			writeResponse(out, rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: -32700, Message: "parse error"}})
			continue
		}
		resp := s.dispatch(ctx, req)
		writeResponse(out, resp)
	}
	return scanner.Err()
}

func writeResponse(out io.Writer, resp rpcResponse) {
	resp.JSONRPC = "2.0"
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	out.Write(data)
	out.Write([]byte("\n"))
}

func (s *Server) dispatch(ctx context.Context, req rpcRequest) rpcResponse {
	switch req.Method {
	case "initialize":
		return rpcResponse{ID: req.ID, Result: map[string]any{
			"protocolVersion": "2024-11-05",
			"serverInfo":      map[string]any{"name": "relay", "version": "1"},
			"capabilities":    map[string]any{"tools": map[string]any{}},
		}}
	case "tools/list":
		return rpcResponse{ID: req.ID, Result: map[string]any{"tools": toolDefs}}
	case "tools/call":
		return s.handleToolsCall(ctx, req)
	default:
		return rpcResponse{ID: req.ID, Error: &rpcError{Code: -32601, Message: "method not found: " + req.Method}}
	}
}

type toolsCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// normalizeToolName strips a calling agent's namespacing conventions
// (spec.md §6.7): "mcp__relay__fs_read" and "relay.fs_read" both become
// "fs_read".
func normalizeToolName(name string) string {
	if idx := strings.LastIndex(name, "__"); idx >= 0 && strings.HasPrefix(name, "mcp__") {
		return name[idx+2:]
	}
	if idx := strings.LastIndex(name, "."); idx >= 0 {
		return name[idx+1:]
	}
	return name
}

func (s *Server) handleToolsCall(ctx context.Context, req rpcRequest) rpcResponse {
	var params toolsCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return rpcResponse{ID: req.ID, Error: &rpcError{Code: -32602, Message: "invalid params"}}
	}
	name := normalizeToolName(params.Name)

	var (
		result any
		err    error
	)
	if s.httpc != nil {
		result, err = s.callHostD(ctx, name, params.Arguments)
	} else {
		result, err = s.callLocal(name, params.Arguments)
	}
	if err != nil {
		return rpcResponse{ID: req.ID, Result: map[string]any{
			"isError": true,
			"content": []map[string]any{{"type": "text", "text": err.Error()}},
		}}
	}
	text, merr := json.Marshal(result)
	if merr != nil {
		text = []byte("{}")
	}
	return rpcResponse{ID: req.ID, Result: map[string]any{
		"content": []map[string]any{{"type": "text", "text": string(text)}},
	}}
}

func argString(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func argBool(args map[string]any, key string) bool {
	v, _ := args[key].(bool)
	return v
}

// callLocal executes a tool directly against s.root, for standalone use
// (no RELAY_HOSTD_SOCK/RELAY_RUN_ID).
func (s *Server) callLocal(name string, args map[string]any) (any, error) {
	switch name {
	case "fs_read":
		abs, err := ops.SafeJoin(s.root, argString(args, "path"))
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(abs)
		if err != nil {
			return nil, err
		}
		if len(data) > 2*1024*1024 {
			data = data[:2*1024*1024]
		}
		return map[string]any{"content": string(data)}, nil
	case "fs_search":
		output, truncated, err := ops.Search(s.root, argString(args, "q"))
		if err != nil {
			return nil, err
		}
		return map[string]any{"output": output, "truncated": truncated}, nil
	case "fs_write":
		abs, err := ops.SafeJoin(s.root, argString(args, "path"))
		if err != nil {
			return nil, err
		}
		content := argString(args, "content")
		if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(abs, []byte(content), 0644); err != nil {
			return nil, err
		}
		return map[string]any{"path": argString(args, "path"), "bytes_written": len(content)}, nil
	case "bash":
		res, err := ops.Bash(context.Background(), s.root, argString(args, "command"))
		if err != nil {
			return nil, err
		}
		return map[string]any{"output": res.Output, "truncated": res.Truncated, "exit_code": res.ExitCode}, nil
	case "git_status":
		output, truncated, err := ops.Git(s.root, "status", "--porcelain=v1", "--branch")
		if err != nil {
			return nil, err
		}
		return map[string]any{"output": output, "truncated": truncated}, nil
	case "git_diff":
		gitArgs := []string{"diff"}
		if argBool(args, "staged") {
			gitArgs = append(gitArgs, "--cached")
		}
		if p := argString(args, "path"); p != "" {
			if _, err := ops.SafeJoin(s.root, p); err != nil {
				return nil, err
			}
			gitArgs = append(gitArgs, "--", p)
		}
		output, truncated, err := ops.Git(s.root, gitArgs...)
		if err != nil {
			return nil, err
		}
		return map[string]any{"output": output, "truncated": truncated}, nil
	default:
		return nil, fmt.Errorf("unknown tool %q", name)
	}
}

// callHostD forwards a tool call to the owning run's HostD Local API
// (spec.md §4.5) over the Unix socket.
func (s *Server) callHostD(ctx context.Context, name string, args map[string]any) (any, error) {
	const actor = "mcp"
	switch name {
	case "fs_read":
		return s.getJSON(ctx, "/runs/"+s.runID+"/fs/read?actor="+actor+"&path="+urlEscape(argString(args, "path")))
	case "fs_search":
		return s.getJSON(ctx, "/runs/"+s.runID+"/fs/search?actor="+actor+"&q="+urlEscape(argString(args, "q")))
	case "fs_write":
		return s.postJSON(ctx, "/runs/"+s.runID+"/fs/write", map[string]any{
			"actor": actor, "path": argString(args, "path"), "content": argString(args, "content"),
		})
	case "bash":
		return s.postJSON(ctx, "/runs/"+s.runID+"/bash", map[string]any{"actor": actor, "command": argString(args, "command")})
	case "git_status":
		return s.getJSON(ctx, "/runs/"+s.runID+"/git/status?actor="+actor)
	case "git_diff":
		u := "/runs/" + s.runID + "/git/diff?actor=" + actor
		if p := argString(args, "path"); p != "" {
			u += "&path=" + urlEscape(p)
		}
		if argBool(args, "staged") {
			u += "&staged=true"
		}
		return s.getJSON(ctx, u)
	default:
		return nil, fmt.Errorf("unknown tool %q", name)
	}
}

func (s *Server) getJSON(ctx context.Context, path string) (any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://hostd"+path, nil)
	if err != nil {
		return nil, err
	}
	return s.doJSON(req)
}

func (s *Server) postJSON(ctx context.Context, path string, body map[string]any) (any, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://hostd"+path, strings.NewReader(string(data)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return s.doJSON(req)
}

func (s *Server) doJSON(req *http.Request) (any, error) {
	resp, err := s.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var v any
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("hostd returned %d: %v", resp.StatusCode, v)
	}
	return v, nil
}

func urlEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.', r == '~':
			b.WriteRune(r)
		default:
			b.WriteString("%")
			b.WriteString(strconv.FormatInt(int64(r), 16))
		}
	}
	return b.String()
}
