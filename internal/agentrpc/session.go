package agentrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	kiroOtel "github.com/basket/kiro-gateway/internal/otel"
)

const protocolVersion = 1

// keepAliveInterval is how often a live prompt bumps the pool's idle clock
// so GC never reaps a session that is legitimately busy.
const keepAliveInterval = 60 * time.Second

// defaultPromptIdleTimeout is the activity watchdog's silence budget.
const defaultPromptIdleTimeout = 5 * time.Minute

// Events are callbacks AgentSession fires for pool bookkeeping. All are
// invoked synchronously from internal goroutines and must not block.
type Events struct {
	OnActivity     func()
	OnContextUsage func(pct float64)
}

// Options configures a new AgentSession.
type Options struct {
	Bin               string
	Args              []string
	Cwd               string
	PromptIdleTimeout time.Duration // 0 uses defaultPromptIdleTimeout

	// Tracer wraps each prompt turn in an agent.prompt span (§11). A nil
	// Tracer gets a no-op default, so callers that don't care about tracing
	// never need to construct one.
	Tracer trace.Tracer
}

// AgentSession owns exactly one subprocess speaking the agent line protocol.
type AgentSession struct {
	opts   Options
	events Events

	transport *stdioTransport
	client    *client

	sessionID string

	mu                 sync.Mutex
	lastTouched        time.Time
	lastContextPct     float64
	consecutiveErrors  int
	chunkCallback      func(text string)
	lastPromptActivity time.Time
}

// Create spawns the configured executable, establishes the NDJSON pipes,
// and performs the initialize/newSession handshake.
func Create(ctx context.Context, opts Options, events Events) (*AgentSession, error) {
	if opts.PromptIdleTimeout <= 0 {
		opts.PromptIdleTimeout = defaultPromptIdleTimeout
	}
	if opts.Tracer == nil {
		opts.Tracer = nooptrace.NewTracerProvider().Tracer(kiroOtel.TracerName)
	}

	t, err := spawn(opts.Bin, opts.Args, opts.Cwd)
	if err != nil {
		return nil, err
	}

	s := &AgentSession{
		opts:        opts,
		events:      events,
		transport:   t,
		lastTouched: time.Now(),
	}

	c := newClient(t)
	c.onNotification("session/update", s.handleSessionUpdate)
	c.onNotification(methodExtensionNotification, s.handleExtensionNotification)
	c.onServerRequest(s.handleServerRequest)
	s.client = c

	if err := s.handshake(ctx, opts.Cwd); err != nil {
		_ = t.Kill(context.Background())
		return nil, err
	}

	return s, nil
}

func (s *AgentSession) handshake(ctx context.Context, cwd string) error {
	initParams := initializeParams{
		ProtocolVersion: protocolVersion,
		ClientCapabilities: clientCapabilities{
			FS: fsCapability{ReadTextFile: false, WriteTextFile: false},
		},
		ClientInfo: clientInfo{Name: "kiro-gateway", Version: "1"},
	}
	if _, err := s.client.call(ctx, "initialize", initParams); err != nil {
		return &HandshakeError{Step: "initialize", Cause: err}
	}

	sessParams := newSessionParams{Cwd: cwd, MCPServers: []mcpServerE{}}
	raw, err := s.client.call(ctx, "session/new", sessParams)
	if err != nil {
		return &HandshakeError{Step: "newSession", Cause: err}
	}
	var result newSessionResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return &HandshakeError{Step: "newSession", Cause: err}
	}
	s.sessionID = result.SessionID
	return nil
}

// SessionID returns the agent-assigned session id obtained during handshake.
func (s *AgentSession) SessionID() string { return s.sessionID }

// PID returns the subprocess pid.
func (s *AgentSession) PID() int { return s.transport.PID() }

// Alive reports whether the subprocess has not yet exited.
func (s *AgentSession) Alive() bool {
	select {
	case <-s.transport.Done():
		return false
	default:
		return true
	}
}

// LastTouched returns the last time this session observed any activity.
func (s *AgentSession) LastTouched() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTouched
}

// ContextPct returns the most recently observed context-usage percentage.
func (s *AgentSession) ContextPct() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastContextPct
}

// ConsecutiveErrors returns the current consecutive-error count.
func (s *AgentSession) ConsecutiveErrors() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consecutiveErrors
}

// RSS samples the subprocess's resident set size, best-effort.
func (s *AgentSession) RSS() uint64 {
	return SampleRSS(s.PID())
}

func (s *AgentSession) touch() {
	s.mu.Lock()
	s.lastTouched = time.Now()
	s.mu.Unlock()
	if s.events.OnActivity != nil {
		s.events.OnActivity()
	}
}

// Prompt sends text as a new user turn and streams agent text to onChunk as
// it arrives. It races the prompt response against subprocess death and the
// activity-idle watchdog; onChunk is always cleared before returning.
func (s *AgentSession) Prompt(ctx context.Context, text string, onChunk func(string)) (stopReason string, err error) {
	ctx, span := kiroOtel.StartClientSpan(ctx, s.opts.Tracer, "agent.prompt", kiroOtel.AttrPID.Int(s.PID()))
	defer func() {
		span.SetAttributes(kiroOtel.AttrStopReason.String(stopReason))
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	s.mu.Lock()
	s.chunkCallback = onChunk
	s.lastTouched = time.Now()
	s.lastPromptActivity = time.Now()
	s.mu.Unlock()

	keepAlive := time.NewTicker(keepAliveInterval)
	watchdogDone := make(chan struct{})
	timedOut := make(chan struct{})

	go s.activityWatchdog(watchdogDone, timedOut)

	defer func() {
		keepAlive.Stop()
		close(watchdogDone)
		s.mu.Lock()
		s.chunkCallback = nil
		s.mu.Unlock()
	}()

	go func() {
		for range keepAlive.C {
			if s.events.OnActivity != nil {
				s.events.OnActivity()
			}
		}
	}()

	type promptOutcome struct {
		stopReason string
		err        error
	}
	resultCh := make(chan promptOutcome, 1)

	go func() {
		raw, err := s.client.call(ctx, "session/prompt", newPromptParams(s.sessionID, text))
		if err != nil {
			resultCh <- promptOutcome{err: err}
			return
		}
		var res promptResult
		if err := json.Unmarshal(raw, &res); err != nil {
			resultCh <- promptOutcome{err: fmt.Errorf("agentrpc: unmarshal prompt result: %w", err)}
			return
		}
		resultCh <- promptOutcome{stopReason: res.StopReason}
	}()

	select {
	case out := <-resultCh:
		s.recordOutcome(out.err)
		return out.stopReason, out.err
	case <-s.transport.Done():
		code, sig := s.transport.ExitInfo()
		err := &ProcessExitedError{Code: code, Signal: sig}
		s.recordOutcome(err)
		return "", err
	case <-timedOut:
		err := &PromptTimeoutError{IdleFor: s.opts.PromptIdleTimeout.String()}
		s.recordOutcome(err)
		return "", err
	}
}

func (s *AgentSession) recordOutcome(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		s.consecutiveErrors = 0
		return
	}
	s.consecutiveErrors++
}

// activityWatchdog polls for silence and signals timedOut if no
// server-initiated traffic arrives within the configured idle budget.
func (s *AgentSession) activityWatchdog(done <-chan struct{}, timedOut chan<- struct{}) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.mu.Lock()
			idleFor := time.Since(s.lastPromptActivity)
			s.mu.Unlock()
			if idleFor >= s.opts.PromptIdleTimeout {
				select {
				case timedOut <- struct{}{}:
				default:
				}
				return
			}
		}
	}
}

func (s *AgentSession) bumpPromptActivity() {
	s.mu.Lock()
	s.lastPromptActivity = time.Now()
	s.mu.Unlock()
}

func (s *AgentSession) handleSessionUpdate(_ string, params json.RawMessage) {
	s.bumpPromptActivity()
	s.touch()

	var p sessionUpdateParams
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}

	switch p.Update.SessionUpdate {
	case updateKindAgentMessageChunk:
		if p.Update.Content == nil || p.Update.Content.Type != "text" {
			return
		}
		s.mu.Lock()
		cb := s.chunkCallback
		s.mu.Unlock()
		if cb != nil {
			cb(p.Update.Content.Text)
		}
	case updateKindToolCall:
		// Activity beacon only; nothing else to do beyond the touch above.
	}
}

func (s *AgentSession) handleExtensionNotification(_ string, params json.RawMessage) {
	s.bumpPromptActivity()

	var p extensionNotificationParams
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}
	if p.Meta.ContextUsagePercentage == nil {
		return
	}
	pct := *p.Meta.ContextUsagePercentage
	s.mu.Lock()
	s.lastContextPct = pct
	s.mu.Unlock()
	if s.events.OnContextUsage != nil {
		s.events.OnContextUsage(pct)
	}
}

// handleServerRequest answers requestPermission; no other server-initiated
// request method is expected. Policy: auto-approve the first allow_once or
// allow_always option, otherwise cancel. No interactive prompt is ever issued.
func (s *AgentSession) handleServerRequest(method string, params json.RawMessage) (interface{}, error) {
	s.bumpPromptActivity()

	if method != "session/request_permission" {
		return cancelledOutcome(), nil
	}

	var p requestPermissionParams
	if err := json.Unmarshal(params, &p); err != nil {
		return cancelledOutcome(), nil
	}

	for _, opt := range p.Options {
		if opt.Kind == "allow_once" || opt.Kind == "allow_always" {
			return selectedOutcome(opt.OptionID), nil
		}
	}
	return cancelledOutcome(), nil
}

// Kill terminates the subprocess: SIGTERM, then SIGKILL after the grace
// period if still alive.
func (s *AgentSession) Kill(ctx context.Context) error {
	return s.transport.Kill(ctx)
}
