// Package supervisor manages MCP server sub-processes. A Supervisor owns one
// running sub-process and its stdio channel for the duration of a single HTTP
// request; the Registry and Reaper track and clean up processes whose owning
// session has expired.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"insightbridge/internal/logging"
)

// State is the lifecycle phase of a Supervisor.
type State int

const (
	StateNew State = iota
	StateStarting
	StateReady
	StateStopping
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

const (
	stopJoinTimeout  = 10 * time.Second
	terminationGrace = 5 * time.Second
)

// Options configure a Supervisor instance.
type Options struct {
	// ServerScript is passed to `mcp run <ServerScript>`.
	ServerScript string
	// ExtraEnv entries are added on top of the inherited environment.
	ExtraEnv map[string]string

	StartTimeout time.Duration
	ListTimeout  time.Duration
	CallTimeout  time.Duration
}

// ProcessInfo describes the sub-process a supervisor owns, for registry
// tracking and orphan cleanup.
type ProcessInfo struct {
	PID          int32
	CreatedAt    time.Time
	ServerScript string
}

// Supervisor owns a single MCP server sub-process and the stdio channel to
// it. All channel operations are serialized: at most one request is in flight
// at a time. A Supervisor is request-scoped: Start, use, Stop.
type Supervisor struct {
	id   string
	opts Options

	// channelMu enforces the single-writer discipline on the stdio channel.
	channelMu sync.Mutex

	mu       sync.Mutex
	state    State
	client   *client.Client
	startErr error
	started  bool

	pid       int32
	createdAt time.Time

	ready    chan struct{}
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	terminate TerminateFunc
}

func New(opts Options) *Supervisor {
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = 30 * time.Second
	}
	if opts.ListTimeout <= 0 {
		opts.ListTimeout = 30 * time.Second
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 310 * time.Second
	}
	return &Supervisor{
		id:        uuid.NewString(),
		opts:      opts,
		state:     StateNew,
		createdAt: time.Now(),
		ready:     make(chan struct{}),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
		terminate: func(pid int32, serverScript string) error {
			return TerminateServerProcess(pid, serverScript, terminationGrace)
		},
	}
}

// Start spawns the sub-process, performs the MCP initialize handshake on a
// dedicated owner goroutine, and waits for readiness. A sub-process that
// exits during startup fails immediately rather than waiting out the full
// readiness deadline.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return s.waitReady(ctx)
	}
	s.started = true
	s.state = StateStarting
	s.mu.Unlock()

	go s.run()

	return s.waitReady(ctx)
}

func (s *Supervisor) waitReady(ctx context.Context) error {
	select {
	case <-s.ready:
	case <-time.After(s.opts.StartTimeout):
		return fmt.Errorf("MCP session %s failed to start within %s", s.id, s.opts.StartTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return fmt.Errorf("MCP session failed to start: %w", s.startErr)
	}
	return nil
}

// run is the owner goroutine: it holds the stdio channel open from handshake
// until Stop is requested.
func (s *Supervisor) run() {
	defer close(s.done)

	var env []string
	for k, v := range s.opts.ExtraEnv {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	stdioTransport := transport.NewStdio("mcp", env, "run", s.opts.ServerScript)
	mcpClient := client.NewClient(stdioTransport)

	startCtx, cancel := context.WithTimeout(context.Background(), s.opts.StartTimeout)
	defer cancel()

	if err := mcpClient.Start(startCtx); err != nil {
		s.failStartup(fmt.Errorf("failed to start MCP sub-process: %w", err))
		return
	}

	// Capture the PID early so Stop and the orphan reaper can always release
	// the process, even if the handshake below hangs.
	if pid, ok := FindServerPID(s.opts.ServerScript); ok {
		s.mu.Lock()
		s.pid = pid
		s.mu.Unlock()
		logging.Debug("supervisor %s: tracked sub-process pid %d", s.id, pid)
	} else {
		logging.Info("supervisor %s: could not track sub-process pid", s.id)
	}

	initRequest := mcp.InitializeRequest{}
	initRequest.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initRequest.Params.ClientInfo = mcp.Implementation{
		Name:    "Insight Bridge",
		Version: "1.0.0",
	}
	initRequest.Params.Capabilities = mcp.ClientCapabilities{}

	if _, err := mcpClient.Initialize(startCtx, initRequest); err != nil {
		mcpClient.Close()
		s.failStartup(fmt.Errorf("MCP initialize handshake failed: %w", err))
		return
	}

	s.mu.Lock()
	s.client = mcpClient
	s.state = StateReady
	s.mu.Unlock()
	close(s.ready)
	logging.Debug("supervisor %s: ready (server script %s)", s.id, s.opts.ServerScript)

	// Idle until Stop requests teardown.
	<-s.stopCh

	if err := mcpClient.Close(); err != nil {
		logging.Error("supervisor %s: error closing MCP client: %v", s.id, err)
	}
}

func (s *Supervisor) failStartup(err error) {
	s.mu.Lock()
	s.startErr = err
	s.state = StateFailed
	s.mu.Unlock()
	close(s.ready)
	logging.Error("supervisor %s: %v", s.id, err)
}

// Stop tears down the channel and the sub-process. It is idempotent and
// always attempts to release the sub-process PID, even when the owner
// goroutine fails to exit within its join deadline.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		started := s.started
		s.state = StateStopping
		pid := s.pid
		s.mu.Unlock()

		if started {
			close(s.stopCh)
			select {
			case <-s.done:
			case <-time.After(stopJoinTimeout):
				logging.Error("supervisor %s: owner goroutine did not exit within %s", s.id, stopJoinTimeout)
			}
		}

		if pid != 0 {
			if err := s.terminate(pid, s.opts.ServerScript); err != nil {
				logging.Error("supervisor %s: %v", s.id, err)
			}
		}

		s.mu.Lock()
		s.state = StateStopped
		s.client = nil
		s.pid = 0
		s.mu.Unlock()
	})
}

// State returns the current lifecycle phase.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Info returns tracking data for the registry.
func (s *Supervisor) Info() ProcessInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ProcessInfo{
		PID:          s.pid,
		CreatedAt:    s.createdAt,
		ServerScript: s.opts.ServerScript,
	}
}

// ToolSchemas returns the full tool descriptors as JSON-shaped maps, ready
// for schema filtering.
func (s *Supervisor) ToolSchemas(ctx context.Context) ([]map[string]interface{}, error) {
	result, err := s.listTools(ctx)
	if err != nil {
		return nil, err
	}

	descriptors := make([]map[string]interface{}, 0, len(result.Tools))
	for _, tool := range result.Tools {
		raw, err := json.Marshal(tool)
		if err != nil {
			return nil, fmt.Errorf("failed to encode tool descriptor %s: %w", tool.Name, err)
		}
		var descriptor map[string]interface{}
		if err := json.Unmarshal(raw, &descriptor); err != nil {
			return nil, fmt.Errorf("failed to decode tool descriptor %s: %w", tool.Name, err)
		}
		descriptors = append(descriptors, descriptor)
	}
	return descriptors, nil
}

func (s *Supervisor) listTools(ctx context.Context) (*mcp.ListToolsResult, error) {
	s.channelMu.Lock()
	defer s.channelMu.Unlock()

	mcpClient, err := s.readyClient()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.ListTimeout)
	defer cancel()

	result, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("listing tools timed out after %s", s.opts.ListTimeout)
		}
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}
	return result, nil
}

// CallTool invokes a tool and decodes its text payload. A payload that parses
// as JSON is returned as-is; anything else is wrapped as {"result": <text>}.
func (s *Supervisor) CallTool(ctx context.Context, tool string, params map[string]interface{}) (interface{}, error) {
	s.channelMu.Lock()
	defer s.channelMu.Unlock()

	mcpClient, err := s.readyClient()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	defer cancel()

	request := mcp.CallToolRequest{}
	request.Params.Name = tool
	request.Params.Arguments = params

	result, err := mcpClient.CallTool(ctx, request)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("tool %s timed out after %s", tool, s.opts.CallTimeout)
		}
		return nil, fmt.Errorf("tool %s failed: %w", tool, err)
	}

	text, err := firstTextContent(result)
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", tool, err)
	}
	if result.IsError {
		return nil, fmt.Errorf("tool %s failed: %s", tool, text)
	}
	return DecodeToolResult(text), nil
}

func (s *Supervisor) readyClient() (*client.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady || s.client == nil {
		if s.startErr != nil {
			return nil, fmt.Errorf("MCP session is not ready: %w", s.startErr)
		}
		return nil, fmt.Errorf("MCP session is not ready (state %s)", s.state)
	}
	return s.client, nil
}

func firstTextContent(result *mcp.CallToolResult) (string, error) {
	if len(result.Content) == 0 {
		return "", errors.New("tool returned no content")
	}
	text, ok := mcp.AsTextContent(result.Content[0])
	if !ok {
		return "", errors.New("tool returned non-text content")
	}
	return text.Text, nil
}

// DecodeToolResult turns the tool's text payload into a JSON value, falling
// back to {"result": <raw text>} when the payload is not JSON.
func DecodeToolResult(text string) interface{} {
	var decoded interface{}
	if err := json.Unmarshal([]byte(text), &decoded); err != nil {
		return map[string]interface{}{"result": text}
	}
	return decoded
}
