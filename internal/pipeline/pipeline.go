// Package pipeline orchestrates tool invocations: session lookup, credential
// and cache injection, dispatch to a request-scoped MCP supervisor, output
// caching, and response shaping.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"insightbridge/internal/config"
	"insightbridge/internal/logging"
	"insightbridge/internal/schema"
	"insightbridge/internal/session"
	"insightbridge/internal/supervisor"
)

var (
	// ErrSessionMissing means no live session record exists for the id.
	ErrSessionMissing = errors.New("session not initialized")
	// ErrSupervisorStart means the MCP sub-process would not initialize.
	ErrSupervisorStart = errors.New("failed to start MCP session")
)

// intermediateKey is the conventional tool-result field whose entries are
// unpacked into the session cache and hidden from the caller.
const intermediateKey = "intermediate"

// Runner is the slice of the supervisor the pipeline drives. Satisfied by
// *supervisor.Supervisor.
type Runner interface {
	Start(ctx context.Context) error
	Stop()
	ToolSchemas(ctx context.Context) ([]map[string]interface{}, error)
	CallTool(ctx context.Context, tool string, params map[string]interface{}) (interface{}, error)
	Info() supervisor.ProcessInfo
}

// Pipeline carries the shared collaborators for tool invocations. Supervisors
// themselves are created per request and never outlive one.
type Pipeline struct {
	store     *session.Store
	registry  *supervisor.Registry
	sensitive []string

	// newRunner is swapped out in tests.
	newRunner func() Runner
}

func New(store *session.Store, registry *supervisor.Registry, cfg *config.Config) *Pipeline {
	return NewWithRunner(store, registry, cfg, func() Runner {
		return supervisor.New(supervisor.Options{
			ServerScript: cfg.ServerScript,
			ExtraEnv:     serverEnv(cfg),
			StartTimeout: cfg.SessionStartTimeout,
			ListTimeout:  cfg.ToolListTimeout,
			CallTimeout:  cfg.ToolCallTimeout,
		})
	})
}

// serverEnv is handed to every MCP sub-process so it talks to the same
// analytics backend, with the same timeouts, as the bridge itself.
func serverEnv(cfg *config.Config) map[string]string {
	return map[string]string{
		"INSIGHT_API_URL":         cfg.APIBaseURL,
		"MCP_API_DEFAULT_TIMEOUT": strconv.Itoa(int(cfg.APIDefaultTimeout.Seconds())),
		"MCP_API_LONG_TIMEOUT":    strconv.Itoa(int(cfg.APILongTimeout.Seconds())),
	}
}

// NewWithRunner builds a pipeline around a custom supervisor factory. Tests
// use it to substitute fake runners.
func NewWithRunner(store *session.Store, registry *supervisor.Registry, cfg *config.Config, newRunner func() Runner) *Pipeline {
	return &Pipeline{
		store:     store,
		registry:  registry,
		sensitive: cfg.SensitiveParams,
		newRunner: newRunner,
	}
}

// CallTool runs the full invocation pipeline for one tool call. The
// supervisor is torn down on every exit path.
func (p *Pipeline) CallTool(ctx context.Context, sessionID, tool string, params map[string]interface{}) (interface{}, error) {
	record := p.store.Get(ctx, sessionID)
	if record == nil {
		return nil, ErrSessionMissing
	}

	runner, err := p.acquireRunner(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() {
		runner.Stop()
		p.registry.Unregister(sessionID)
	}()

	merged := p.buildParams(ctx, runner, tool, params, record)

	// Cache the effective inputs before dispatch so a partial failure still
	// leaves breadcrumbs for the next attempt.
	p.cacheValues(ctx, sessionID, merged)

	result, err := runner.CallTool(ctx, tool, merged)
	if err != nil {
		return nil, err
	}

	resultMap, isMap := result.(map[string]interface{})
	if !isMap {
		return result, nil
	}

	if resultMap["status"] == "success" {
		p.cacheResult(ctx, sessionID, resultMap)
	}

	// The intermediate blob is persisted above but never returned to the
	// caller.
	response := make(map[string]interface{}, len(resultMap))
	for k, v := range resultMap {
		if k != intermediateKey {
			response[k] = v
		}
	}
	return response, nil
}

// ListSessionTools returns the filtered tool descriptors for a live session,
// refreshing its TTL.
func (p *Pipeline) ListSessionTools(ctx context.Context, sessionID string) ([]map[string]interface{}, error) {
	if !p.store.Touch(ctx, sessionID) {
		return nil, ErrSessionMissing
	}

	runner, err := p.acquireRunner(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() {
		runner.Stop()
		p.registry.Unregister(sessionID)
	}()

	return p.filteredSchemas(ctx, runner)
}

// DescribeTools returns the filtered tool descriptors without any session.
// It spins up a short-lived supervisor just for the descriptor fetch.
func (p *Pipeline) DescribeTools(ctx context.Context) ([]map[string]interface{}, error) {
	runner := p.newRunner()
	if err := runner.Start(ctx); err != nil {
		runner.Stop()
		return nil, fmt.Errorf("%w: %v", ErrSupervisorStart, err)
	}
	defer runner.Stop()

	return p.filteredSchemas(ctx, runner)
}

// acquireRunner verifies the session is alive, starts a fresh supervisor and
// registers its sub-process for orphan tracking.
func (p *Pipeline) acquireRunner(ctx context.Context, sessionID string) (Runner, error) {
	if !p.store.Touch(ctx, sessionID) {
		return nil, ErrSessionMissing
	}

	runner := p.newRunner()
	if err := runner.Start(ctx); err != nil {
		runner.Stop()
		return nil, fmt.Errorf("%w: %v", ErrSupervisorStart, err)
	}

	p.registry.Register(sessionID, runner.Info())
	return runner, nil
}

// buildParams merges, in decreasing priority: explicit caller params, session
// credentials, then cached values for every other property the tool's input
// schema declares. A failed schema fetch downgrades to credential injection
// only.
func (p *Pipeline) buildParams(ctx context.Context, runner Runner, tool string, params map[string]interface{}, record session.Record) map[string]interface{} {
	merged := make(map[string]interface{}, len(params))
	for k, v := range params {
		merged[k] = v
	}

	for _, name := range p.sensitive {
		if _, given := merged[name]; given {
			continue
		}
		if v, ok := record[name]; ok {
			merged[name] = v
		}
	}

	descriptors, err := runner.ToolSchemas(ctx)
	if err != nil {
		logging.Warn("schema fetch failed, skipping cache injection for %s: %v", tool, err)
		return merged
	}

	for _, name := range declaredProperties(descriptors, tool) {
		if p.isSensitive(name) {
			continue
		}
		if _, given := merged[name]; given {
			continue
		}
		if v, ok := record[name]; ok {
			logging.Debug("injecting cached %s into %s call", name, tool)
			merged[name] = v
		}
	}
	return merged
}

// cacheValues persists effective inputs under their own names. Credentials
// stay in the record's hot fields only, and anything that does not survive
// JSON encoding is skipped with a warning.
func (p *Pipeline) cacheValues(ctx context.Context, sessionID string, values map[string]interface{}) {
	updates := session.Record{}
	for k, v := range values {
		if p.isSensitive(k) {
			continue
		}
		if !jsonSerializable(v) {
			logging.Warn("session %s: skipping non-serializable value for %q", sessionID, k)
			continue
		}
		updates[k] = v
	}
	if len(updates) == 0 {
		return
	}
	if !p.store.Update(ctx, sessionID, updates) {
		logging.Warn("session %s: input cache write failed", sessionID)
	}
}

// cacheResult persists a successful tool result field by field. An
// "intermediate" object is unpacked and cached entry by entry instead of as
// one blob, so later tools can pick its values up through schema injection.
func (p *Pipeline) cacheResult(ctx context.Context, sessionID string, result map[string]interface{}) {
	updates := session.Record{}
	for k, v := range result {
		if k == "status" || p.isSensitive(k) {
			continue
		}
		if k == intermediateKey {
			if nested, ok := v.(map[string]interface{}); ok {
				for nk, nv := range nested {
					if p.isSensitive(nk) {
						continue
					}
					if !jsonSerializable(nv) {
						logging.Warn("session %s: skipping non-serializable intermediate %q", sessionID, nk)
						continue
					}
					updates[nk] = nv
				}
				continue
			}
		}
		if !jsonSerializable(v) {
			logging.Warn("session %s: skipping non-serializable output %q", sessionID, k)
			continue
		}
		updates[k] = v
	}
	if len(updates) == 0 {
		return
	}
	if !p.store.Update(ctx, sessionID, updates) {
		logging.Warn("session %s: output cache write failed", sessionID)
	}
}

func (p *Pipeline) filteredSchemas(ctx context.Context, runner Runner) ([]map[string]interface{}, error) {
	descriptors, err := runner.ToolSchemas(ctx)
	if err != nil {
		return nil, err
	}
	return schema.FilterAll(descriptors, p.sensitive), nil
}

func (p *Pipeline) isSensitive(name string) bool {
	for _, s := range p.sensitive {
		if s == name {
			return true
		}
	}
	return false
}

// declaredProperties extracts the property names of the named tool's input
// schema from the descriptor list.
func declaredProperties(descriptors []map[string]interface{}, tool string) []string {
	for _, d := range descriptors {
		if d["name"] != tool {
			continue
		}
		inputSchema, ok := d["inputSchema"].(map[string]interface{})
		if !ok {
			return nil
		}
		properties, ok := inputSchema["properties"].(map[string]interface{})
		if !ok {
			return nil
		}
		names := make([]string, 0, len(properties))
		for name := range properties {
			names = append(names, name)
		}
		return names
	}
	return nil
}

func jsonSerializable(v interface{}) bool {
	_, err := json.Marshal(v)
	return err == nil
}
