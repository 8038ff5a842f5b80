// Package mcp implements a line-delimited JSON-RPC 2.0 client for
// tool-provider subprocesses speaking the Model Context Protocol.
//
// The client keeps at most one request in flight: a call writes its request
// and then reads lines until the matching response arrives, skipping
// anything that is not a well-formed response with the expected id.
package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.opentelemetry.io/otel/trace"

	"sensei/internal/domain"
	"sensei/internal/infra/logger"
	"sensei/internal/infra/tracer"
)

// DefaultCallTimeout bounds a single request/response round trip.
const DefaultCallTimeout = 30 * time.Second

// ProtocolVersion is sent in the initialize handshake.
const ProtocolVersion = "2024-11-05"

// ClientName and ClientVersion identify sensei to tool providers.
const (
	ClientName    = "sensei-client"
	ClientVersion = "0.1.0"
)

// RPCError is an error object returned by the remote side.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("MCP Error %d: %s", e.Code, e.Message)
}

// ServerConfig describes how to launch a tool-provider process.
type ServerConfig struct {
	Name    string
	Command string
	Args    []string
	Env     map[string]string
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

// Client is a connection to one tool provider.
type Client struct {
	name    string
	timeout time.Duration
	logger  *slog.Logger

	w      io.WriteCloser
	r      *bufio.Reader
	rc     io.Closer // underlying reader, when closable
	cmd    *exec.Cmd
	stderr *logger.LineWriter

	readOnce sync.Once
	lines    chan []byte
	readErr  error // set before lines is closed
	quit     chan struct{}

	idMu   sync.Mutex
	nextID int64

	// callMu spans a request write and the read of its response.
	callMu sync.Mutex
	broken error

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Option configures a Client.
type Option func(*Client)

// WithCallTimeout overrides DefaultCallTimeout. Zero disables the timeout.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithName labels the client in logs and spans.
func WithName(name string) Option {
	return func(c *Client) { c.name = name }
}

// NewClient speaks the protocol over an arbitrary stream pair: responses are
// read from r, requests written to w. If r is an io.Closer, Close closes it;
// otherwise the reading goroutine ends when r reports EOF.
func NewClient(r io.Reader, w io.WriteCloser, opts ...Option) *Client {
	c := &Client{
		name:    "stream",
		timeout: DefaultCallTimeout,
		w:       w,
		r:       bufio.NewReader(r),
		lines:   make(chan []byte),
		quit:    make(chan struct{}),
		nextID:  1,
	}
	if rc, ok := r.(io.Closer); ok {
		c.rc = rc
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logger.OrDiscard(c.logger).With("mcp_server", c.name)
	return c
}

// Spawn starts cfg.Command as a child process and returns a client bound to
// its stdin and stdout. The child's stderr is forwarded to the logger. The
// process lives until Close; ctx only bounds the start itself.
func Spawn(ctx context.Context, cfg ServerConfig, opts ...Option) (*Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = mergeEnv(os.Environ(), cfg.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, domain.WrapOp("mcp.Spawn", fmt.Errorf("stdin pipe: %w", err))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, domain.WrapOp("mcp.Spawn", fmt.Errorf("stdout pipe: %w", err))
	}

	opts = append([]Option{WithName(cfg.Name)}, opts...)
	c := NewClient(stdout, stdin, opts...)
	c.stderr = logger.NewLineWriter(c.logger, slog.LevelDebug)
	cmd.Stderr = c.stderr

	if err := cmd.Start(); err != nil {
		return nil, domain.NewSubSystemError("mcp", "mcp.Spawn", domain.ErrProviderError,
			fmt.Sprintf("start %q: %v", cfg.Command, err))
	}
	c.cmd = cmd
	c.logger.Info("tool provider started", "command", cfg.Command, "pid", cmd.Process.Pid)
	return c, nil
}

// Name returns the label given at construction.
func (c *Client) Name() string { return c.name }

func (c *Client) allocateID() int64 {
	c.idMu.Lock()
	defer c.idMu.Unlock()
	id := c.nextID
	c.nextID++
	return id
}

// Call sends one request and waits for the response carrying the same id.
// A protocol-level error object is returned as *RPCError. When ctx ends
// first the call fails with domain.ErrCallTimeout and the connection stays
// usable: the late response is discarded by whichever call reads it next.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	ctx, span := tracer.StartSpan(ctx, "mcp.call", trace.WithAttributes(
		tracer.StringAttr("mcp.server", c.name),
		tracer.StringAttr("rpc.method", method),
	))
	defer span.End()

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	id := c.allocateID()
	line, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: &id, Method: method, Params: params})
	if err != nil {
		err = domain.WrapOp("mcp.Call", fmt.Errorf("encode %s: %w", method, err))
		tracer.RecordError(span, err)
		return nil, err
	}
	line = append(line, '\n')

	c.callMu.Lock()
	defer c.callMu.Unlock()

	if err := c.usable(); err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		err = fmt.Errorf("%w: %s (id %d): %v", domain.ErrCallTimeout, method, id, err)
		tracer.RecordError(span, err)
		return nil, err
	}
	c.readOnce.Do(func() { go c.readLoop() })

	if err := c.write(ctx, line); err != nil {
		c.broken = err
		tracer.RecordError(span, err)
		return nil, err
	}
	result, err := c.await(ctx, id)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrConnectionClosed):
			c.broken = err
		case errors.Is(err, domain.ErrCallTimeout):
			c.logger.Warn("tool provider call abandoned", "method", method, "id", id, "error", ctx.Err())
			err = fmt.Errorf("%w: %s", err, method)
		}
		tracer.RecordError(span, err)
		return nil, err
	}
	tracer.SetOK(span)
	return result, nil
}

// Notify sends a notification. No response is expected.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	line, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return domain.WrapOp("mcp.Notify", err)
	}
	line = append(line, '\n')

	c.callMu.Lock()
	defer c.callMu.Unlock()
	if err := c.usable(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := c.w.Write(line); err != nil {
		c.broken = fmt.Errorf("%w: write: %v", domain.ErrConnectionClosed, err)
		return c.broken
	}
	return nil
}

func (c *Client) usable() error {
	if c.closed.Load() {
		return fmt.Errorf("%w: client closed", domain.ErrConnectionClosed)
	}
	return c.broken
}

// write sends one request line. A write cut short by ctx may have left half
// a line on the stream, so the transport is torn down in that case.
func (c *Client) write(ctx context.Context, line []byte) error {
	errc := make(chan error, 1)
	go func() {
		_, err := c.w.Write(line)
		errc <- err
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("%w: write: %v", domain.ErrConnectionClosed, err)
		}
		return nil
	case <-ctx.Done():
		select {
		case err := <-errc:
			if err != nil {
				return fmt.Errorf("%w: write: %v", domain.ErrConnectionClosed, err)
			}
			return nil
		default:
		}
		c.abort()
		return fmt.Errorf("%w: write interrupted: %v", domain.ErrConnectionClosed, ctx.Err())
	}
}

// await reads lines until the response for id arrives.
func (c *Client) await(ctx context.Context, id int64) (json.RawMessage, error) {
	for {
		select {
		case raw, ok := <-c.lines:
			if !ok {
				return nil, c.streamErr()
			}
			var resp rpcResponse
			switch err := json.Unmarshal(raw, &resp); {
			case err != nil || resp.ID == nil:
				c.logger.Debug("skipping non-response line", "line", truncate(raw, 200))
			case resp.Error == nil && len(resp.Result) == 0:
				c.logger.Debug("skipping line with neither result nor error", "id", *resp.ID)
			case *resp.ID != id:
				c.logger.Debug("skipping response with mismatched id", "want", id, "got", *resp.ID)
			case resp.Error != nil:
				return nil, resp.Error
			default:
				return resp.Result, nil
			}
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: id %d: %v", domain.ErrCallTimeout, id, ctx.Err())
		}
	}
}

// readLoop owns the read side of the stream. Each non-blank line goes to
// the waiting call, or to the next one when nobody is waiting.
func (c *Client) readLoop() {
	defer close(c.lines)
	for {
		raw, err := c.r.ReadBytes('\n')
		if len(bytes.TrimSpace(raw)) > 0 {
			select {
			case c.lines <- raw:
			case <-c.quit:
				return
			}
		}
		if err != nil {
			c.readErr = err
			return
		}
	}
}

// streamErr is only valid once lines has been closed.
func (c *Client) streamErr() error {
	if c.readErr == nil || errors.Is(c.readErr, io.EOF) {
		return domain.ErrConnectionClosed
	}
	return fmt.Errorf("%w: read: %v", domain.ErrConnectionClosed, c.readErr)
}

// abort tears down the transport to unblock a pending write.
func (c *Client) abort() {
	_ = c.w.Close()
	if c.rc != nil {
		_ = c.rc.Close()
	}
	if c.cmd != nil && c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
}

// Initialize performs the protocol handshake.
func (c *Client) Initialize(ctx context.Context) (*mcp.InitializeResult, error) {
	params := map[string]any{
		"protocolVersion": ProtocolVersion,
		"clientInfo":      mcp.Implementation{Name: ClientName, Version: ClientVersion},
		"capabilities":    map[string]any{},
	}
	raw, err := c.Call(ctx, string(mcp.MethodInitialize), params)
	if err != nil {
		return nil, domain.WrapOp("mcp.Initialize", err)
	}
	var result mcp.InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, domain.WrapOp("mcp.Initialize", fmt.Errorf("decode result: %w", err))
	}
	if err := c.Notify(ctx, "notifications/initialized", nil); err != nil {
		return nil, domain.WrapOp("mcp.Initialize", err)
	}
	c.logger.Info("tool provider initialized",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol", result.ProtocolVersion)
	return &result, nil
}

// ListTools enumerates the tools the provider offers.
func (c *Client) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	raw, err := c.Call(ctx, string(mcp.MethodToolsList), map[string]any{})
	if err != nil {
		return nil, domain.WrapOp("mcp.ListTools", err)
	}
	var result struct {
		Tools []mcp.Tool `json:"tools"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, domain.WrapOp("mcp.ListTools", fmt.Errorf("decode result: %w", err))
	}
	return result.Tools, nil
}

// CallTool invokes a tool and flattens its result to text. Text content
// parts are concatenated; a result with no content array is returned as
// indented JSON. A result flagged isError is returned alongside an error
// wrapping domain.ErrToolFailure.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) (string, error) {
	if arguments == nil {
		arguments = map[string]any{}
	}
	raw, err := c.Call(ctx, string(mcp.MethodToolsCall), map[string]any{
		"name":      name,
		"arguments": arguments,
	})
	if err != nil {
		return "", domain.WrapOp("mcp.CallTool", err)
	}

	var shape map[string]json.RawMessage
	if err := json.Unmarshal(raw, &shape); err != nil || shape["content"] == nil {
		return prettyJSON(raw), nil
	}

	result, err := mcp.ParseCallToolResult(&raw)
	if err != nil {
		return prettyJSON(raw), nil
	}
	text := ExtractContent(result)
	if result.IsError {
		return text, domain.NewDomainError("mcp.CallTool", domain.ErrToolFailure, text)
	}
	return text, nil
}

// ExtractContent concatenates the text parts of a tool result. Non-text
// parts are rendered as JSON.
func ExtractContent(result *mcp.CallToolResult) string {
	var b strings.Builder
	for _, content := range result.Content {
		switch v := content.(type) {
		case mcp.TextContent:
			b.WriteString(v.Text)
		case *mcp.TextContent:
			b.WriteString(v.Text)
		default:
			if data, err := json.Marshal(v); err == nil {
				b.Write(data)
			}
		}
	}
	return b.String()
}

// Close shuts the connection down. For spawned providers stdin is closed
// first so the child can exit on its own; it is killed if it has not exited
// within a short grace period.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.quit)
		_ = c.w.Close()
		if c.cmd == nil {
			if c.rc != nil {
				c.closeErr = c.rc.Close()
			}
			return
		}

		exited := make(chan error, 1)
		go func() { exited <- c.cmd.Wait() }()
		select {
		case err := <-exited:
			c.closeErr = ignoreExitErr(err)
		case <-time.After(3 * time.Second):
			_ = c.cmd.Process.Kill()
			<-exited
		}
		_ = c.stderr.Close()
		c.logger.Info("tool provider stopped")
	})
	return c.closeErr
}

func ignoreExitErr(err error) error {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

func prettyJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(bytes.TrimSpace(b))
	}
	return string(b[:n]) + "..."
}

// mergeEnv overlays extra onto base in KEY=VALUE form. Keys are applied in
// sorted order so the result is deterministic.
func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(base)+len(extra))
	env = append(env, base...)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}
