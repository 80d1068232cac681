// Package pool maps conversation session keys onto exactly one live
// AgentSession apiece, serializing turns per key and reclaiming idle
// subprocesses in the background.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/kiro-gateway/internal/agentrpc"
	"github.com/basket/kiro-gateway/internal/bus"
	"github.com/basket/kiro-gateway/internal/config"
	"github.com/basket/kiro-gateway/internal/cron"
	"github.com/basket/kiro-gateway/internal/fingerprint"
	kiroOtel "github.com/basket/kiro-gateway/internal/otel"
)

const consecutiveErrorThreshold = 3

var channelRoutePattern = regexp.MustCompile(`discord:channel:(\d+)`)

// Config configures a SessionPool's defaults and background sweeps.
type Config struct {
	Bin               string
	Args              []string
	Cwd               string
	IdleTimeout       time.Duration
	PromptIdleTimeout time.Duration
	Routes            config.RouteTable
	Logger            *slog.Logger
	Bus               *bus.Bus

	// Tracer and Metrics are optional OTel instruments; a nil Tracer gets a
	// no-op default per session, and a nil Metrics simply skips recording.
	Tracer  trace.Tracer
	Metrics *kiroOtel.Metrics
}

// managedEntry pairs a live AgentSession with pool-level bookkeeping: how
// many caller-visible messages have already been turned into prompts, and
// the serialization lock for in-flight turns.
type managedEntry struct {
	session   *agentrpc.AgentSession
	sendCount int
	lock      *promptLock
}

// SessionPool owns the key -> managedEntry map and the idle-GC/heartbeat
// sweeps that police it.
type SessionPool struct {
	cfg Config

	// mu is a leaf lock: never hold it while spawning a subprocess or doing
	// any blocking I/O.
	mu      sync.Mutex
	entries map[string]*managedEntry

	// creating tracks keys with a create() call in flight, so two racing
	// callers for the same brand-new key never both spawn a subprocess.
	creating map[string]chan struct{}

	routes    atomic.Pointer[config.RouteTable]
	scheduler *cron.Scheduler
}

// New constructs a SessionPool. Call Start to begin the background sweeps.
func New(cfg Config) *SessionPool {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	p := &SessionPool{
		cfg:     cfg,
		entries: make(map[string]*managedEntry),
	}
	p.routes.Store(&cfg.Routes)
	return p
}

// SetRoutes atomically replaces the channel route table, taking effect on
// the next GetOrCreate for a key that resolves to a channel id (§4.5). Used
// by the fsnotify-backed route-table watcher to reload without a restart.
func (p *SessionPool) SetRoutes(routes config.RouteTable) {
	p.routes.Store(&routes)
}

// Start begins the idle-GC sweep and the 5-minute heartbeat.
func (p *SessionPool) Start(ctx context.Context) {
	sweepInterval := p.cfg.IdleTimeout / 6
	if sweepInterval < 60*time.Second {
		sweepInterval = 60 * time.Second
	}

	p.scheduler = cron.NewScheduler(cron.Config{
		Logger: p.cfg.Logger,
		Jobs: []cron.Job{
			{Name: "idle-gc", Interval: sweepInterval, Func: func(context.Context) { p.idleSweep() }},
			{Name: "heartbeat", Spec: "*/5 * * * *", Func: func(context.Context) { p.heartbeatSweep() }},
		},
	})
	p.scheduler.Start(ctx)
}

// Stop halts both sweeps, kills every subprocess, and clears the map.
func (p *SessionPool) Stop() {
	if p.scheduler != nil {
		p.scheduler.Stop()
	}

	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]*managedEntry)
	p.mu.Unlock()

	for _, e := range entries {
		_ = e.session.Kill(context.Background())
	}
}

// ResolveKey derives the session key per spec precedence: explicit >
// fingerprint. Header/body precedence above the fingerprint layer is the
// Bridge's job; this just wraps the fingerprint package for convenience.
func ResolveKey(messages []fingerprint.Message, explicitKey string) string {
	return fingerprint.ResolveKey(messages, explicitKey)
}

// Lease is returned by GetOrCreate: the resolved session, the text to
// prompt it with, and the lock the caller must release once the turn (and
// any retry) is fully done.
type Lease struct {
	Session *agentrpc.AgentSession
	Delta   string
	lock    *promptLock
}

// Release signals that this turn has finished, letting the next queued
// turn against the same session proceed.
func (l *Lease) Release() {
	if l.lock != nil {
		l.lock.release()
	}
}

// GetOrCreate resolves key to a live session, returning the text delta to
// prompt it with. explicitChannelKey is the opaque chat-platform session
// key (if any) used only for route-table lookups.
func (p *SessionPool) GetOrCreate(ctx context.Context, key string, messages []fingerprint.Message, explicitChannelKey string) (*Lease, error) {
	for {
		p.mu.Lock()
		entry, ok := p.entries[key]
		p.mu.Unlock()

		if !ok || !entry.session.Alive() {
			if ok {
				p.evict(key, entry, "")
			}
			lease, retry, err := p.createExclusive(ctx, key, messages)
			if retry {
				continue
			}
			return lease, err
		}

		if err := entry.lock.wait(ctx); err != nil {
			return nil, err
		}

		p.mu.Lock()
		current, stillPresent := p.entries[key]
		if !stillPresent || current != entry || !entry.session.Alive() {
			p.mu.Unlock()
			continue // entry was evicted/replaced while we waited; retry from scratch
		}

		if len(messages) < entry.sendCount {
			// Upstream reset: the caller's history is now shorter than what
			// we've already sent. Kill the stale subprocess and recreate.
			p.mu.Unlock()
			p.evict(key, entry, bus.ReasonUpstreamReset)
			lease, retry, err := p.createExclusive(ctx, key, messages)
			if retry {
				continue
			}
			return lease, err
		}

		delta := renderDelta(messages[entry.sendCount:])
		entry.sendCount = len(messages)
		newLock := newPromptLock()
		entry.lock = newLock
		p.mu.Unlock()

		return &Lease{Session: entry.session, Delta: delta, lock: newLock}, nil
	}
}

// createExclusive ensures at most one create() call runs for key at a time
// (§3: "at most one managed session per key"). A racing caller that finds a
// creation already in flight waits for it to finish and reports retry=true
// so GetOrCreate re-reads p.entries from scratch instead of spawning its own
// subprocess and silently overwriting the first.
func (p *SessionPool) createExclusive(ctx context.Context, key string, messages []fingerprint.Message) (lease *Lease, retry bool, err error) {
	p.mu.Lock()
	if ch, inFlight := p.creating[key]; inFlight {
		p.mu.Unlock()
		select {
		case <-ch:
			return nil, true, nil
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
	if p.creating == nil {
		p.creating = make(map[string]chan struct{})
	}
	done := make(chan struct{})
	p.creating[key] = done
	p.mu.Unlock()

	lease, err = p.create(ctx, key, messages)

	p.mu.Lock()
	delete(p.creating, key)
	p.mu.Unlock()
	close(done)

	return lease, false, err
}

func (p *SessionPool) create(ctx context.Context, key string, messages []fingerprint.Message) (*Lease, error) {
	bin, args, cwd := p.cfg.Bin, p.cfg.Args, p.cfg.Cwd
	if route, ok := p.routeFor(key); ok {
		cwd = route.Cwd
		args = config.Config{KiroArgs: p.cfg.Args}.AgentArgs(route.KiroArgs)
	}

	events := agentrpc.Events{
		OnActivity: func() { p.touch(key) },
		OnContextUsage: func(pct float64) {
			p.onContextUsage(key, pct)
		},
	}

	session, err := agentrpc.Create(ctx, agentrpc.Options{
		Bin:               bin,
		Args:              args,
		Cwd:               cwd,
		PromptIdleTimeout: p.cfg.PromptIdleTimeout,
		Tracer:            p.cfg.Tracer,
	}, events)
	if err != nil {
		return nil, fmt.Errorf("pool: create session for key %s: %w", keyPrefix(key), err)
	}

	lock := newPromptLock()
	entry := &managedEntry{session: session, sendCount: len(messages), lock: lock}

	p.mu.Lock()
	p.entries[key] = entry
	p.mu.Unlock()

	if p.cfg.Metrics != nil {
		p.cfg.Metrics.SessionsSpawned.Add(ctx, 1)
		p.cfg.Metrics.LiveSessions.Add(ctx, 1)
	}

	if p.cfg.Bus != nil {
		p.cfg.Bus.Publish(bus.TopicSessionSpawned, bus.SessionLifecycleEvent{
			KeyPrefix: keyPrefix(key),
			PID:       session.PID(),
		})
	}

	return &Lease{Session: session, Delta: renderFull(messages), lock: lock}, nil
}

// DetectChannelID returns the channel id embedded in an opaque chat-platform
// session key, or "" if the key carries no recognizable channel reference
// (§4.5). This is the pool's one real implementation of the pattern; the
// gateway package's own detectChannelID delegates here instead of keeping a
// second copy of the regex.
func DetectChannelID(sessionKey string) string {
	m := channelRoutePattern.FindStringSubmatch(sessionKey)
	if m == nil {
		return ""
	}
	return m[1]
}

// routeFor looks up the route table by the channel id embedded in an opaque
// chat-platform session key, per §4.5.
func (p *SessionPool) routeFor(explicitChannelKey string) (config.Route, bool) {
	routes := p.routes.Load()
	if routes == nil || *routes == nil {
		return config.Route{}, false
	}
	id := DetectChannelID(explicitChannelKey)
	if id == "" {
		return config.Route{}, false
	}
	route, ok := (*routes)[id]
	return route, ok
}

func (p *SessionPool) touch(key string) {
	// AgentSession already tracks its own last-touched timestamp; nothing
	// further to bump at the pool level today, but the hook stays wired so
	// a future per-entry counter (e.g. total turns) has somewhere to live.
	_ = key
}

func (p *SessionPool) onContextUsage(key string, pct float64) {
	logThresholds(p.cfg.Logger, key, pct)
	if pct >= 95 {
		p.ResetSession(key, bus.ReasonContextCritical)
	}
}

func logThresholds(logger *slog.Logger, key string, pct float64) {
	switch {
	case pct >= 95:
		logger.Warn("context usage critical", "key_prefix", keyPrefix(key), "pct", pct)
	case pct >= 90:
		logger.Warn("context usage high", "key_prefix", keyPrefix(key), "pct", pct)
	case pct >= 80:
		logger.Info("context usage elevated", "key_prefix", keyPrefix(key), "pct", pct)
	}
}

// ResetSession kills and evicts the session for key, if any. The next
// GetOrCreate for the same key builds a fresh subprocess.
func (p *SessionPool) ResetSession(key string, reason string) {
	p.mu.Lock()
	entry, ok := p.entries[key]
	if ok {
		delete(p.entries, key)
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	p.killAndNotify(key, entry, reason, bus.TopicSessionReset)
}

func (p *SessionPool) evict(key string, entry *managedEntry, reason string) {
	p.mu.Lock()
	if current, ok := p.entries[key]; ok && current == entry {
		delete(p.entries, key)
	}
	p.mu.Unlock()
	p.killAndNotify(key, entry, reason, bus.TopicSessionEvicted)
}

func (p *SessionPool) killAndNotify(key string, entry *managedEntry, reason, topic string) {
	_ = entry.session.Kill(context.Background())

	if p.cfg.Metrics != nil {
		ctx := context.Background()
		p.cfg.Metrics.LiveSessions.Add(ctx, -1)
		switch topic {
		case bus.TopicSessionReset:
			p.cfg.Metrics.SessionsResets.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
		case bus.TopicSessionEvicted:
			p.cfg.Metrics.SessionsEvicted.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
		}
	}

	if p.cfg.Bus != nil {
		p.cfg.Bus.Publish(topic, bus.SessionLifecycleEvent{
			KeyPrefix: keyPrefix(key),
			PID:       entry.session.PID(),
			Reason:    reason,
		})
	}
}

// ConsecutiveErrorThreshold is the Bridge's N for the recovery state
// machine (§4.4): errors >= N resets the session.
func ConsecutiveErrorThreshold() int { return consecutiveErrorThreshold }

// renderFull/renderDelta concatenate only user-message text, dropping
// system messages: the agent subprocess owns its own workspace-rooted
// context, and forwarding platform system prompts would cross-contaminate
// channels sharing a workspace (§4.2).
func renderFull(messages []fingerprint.Message) string {
	return renderDelta(messages)
}

func renderDelta(messages []fingerprint.Message) string {
	var parts []string
	for _, m := range messages {
		if m.Role != "user" {
			continue
		}
		if text := strings.TrimSpace(m.Content); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n\n"))
}

func keyPrefix(key string) string {
	if len(key) <= 8 {
		return key
	}
	return key[:8]
}

func (p *SessionPool) idleSweep() {
	p.mu.Lock()
	type candidate struct {
		key   string
		entry *managedEntry
	}
	var dead, idle []candidate
	now := time.Now()
	for key, entry := range p.entries {
		if !entry.session.Alive() {
			dead = append(dead, candidate{key, entry})
			continue
		}
		promptInFlight := isLocked(entry.lock)
		if !promptInFlight && now.Sub(entry.session.LastTouched()) > p.cfg.IdleTimeout {
			idle = append(idle, candidate{key, entry})
		}
	}
	p.mu.Unlock()

	for _, c := range dead {
		p.evict(c.key, c.entry, "")
	}
	for _, c := range idle {
		p.evict(c.key, c.entry, "idle-timeout")
	}
}

// isLocked reports whether a promptLock is currently held (i.e. a turn is
// in flight against the entry it belongs to).
func isLocked(l *promptLock) bool {
	if l == nil {
		return false
	}
	select {
	case <-l.done:
		return false
	default:
		return true
	}
}

func (p *SessionPool) heartbeatSweep() {
	entries := p.Diagnostics()
	if p.cfg.Bus != nil {
		busEntries := make([]bus.HeartbeatEntry, 0, len(entries))
		for _, e := range entries {
			busEntries = append(busEntries, bus.HeartbeatEntry{
				KeyPrefix:   e.KeyPrefix,
				ContextPct:  e.ContextPct,
				IdleSeconds: e.IdleSeconds,
				RSSBytes:    e.RSSBytes,
				ErrorCount:  e.ErrorCount,
				Prompting:   e.Prompting,
			})
		}
		p.cfg.Bus.Publish(bus.TopicHeartbeat, bus.HeartbeatEvent{Entries: busEntries})
	}
	for _, e := range entries {
		p.cfg.Logger.Info("pool heartbeat",
			"key_prefix", e.KeyPrefix,
			"context_pct", e.ContextPct,
			"idle_seconds", e.IdleSeconds,
			"rss_bytes", e.RSSBytes,
			"error_count", e.ErrorCount,
			"prompting", e.Prompting,
		)
	}
}
