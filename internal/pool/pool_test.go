package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/basket/kiro-gateway/internal/agentrpc"
	"github.com/basket/kiro-gateway/internal/config"
	"github.com/basket/kiro-gateway/internal/fingerprint"
)

func userMsgs(texts ...string) []fingerprint.Message {
	var msgs []fingerprint.Message
	for _, t := range texts {
		msgs = append(msgs, fingerprint.Message{Role: "user", Content: t})
	}
	return msgs
}

func newTestPool(t *testing.T, bin string, args []string) *SessionPool {
	t.Helper()
	return New(Config{Bin: bin, Args: args, Cwd: "."})
}

func TestGetOrCreate_NewKeySpawnsSessionWithFullRender(t *testing.T) {
	bin, args := buildHelperCommand(t, helperScript{Steps: handshakeSteps("s1")})
	p := newTestPool(t, bin, args)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	lease, err := p.GetOrCreate(ctx, "key1", userMsgs("hello"), "")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	defer lease.Release()

	if lease.Delta != "hello" {
		t.Fatalf("expected full render 'hello', got %q", lease.Delta)
	}
	if lease.Session.SessionID() != "s1" {
		t.Fatalf("expected session id s1, got %s", lease.Session.SessionID())
	}
}

func TestGetOrCreate_SameKeyReusesSessionAndRendersDeltaOnly(t *testing.T) {
	bin, args := buildHelperCommand(t, helperScript{Steps: handshakeSteps("s1")})
	p := newTestPool(t, bin, args)
	defer p.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, err := p.GetOrCreate(ctx, "key1", userMsgs("hello"), "")
	if err != nil {
		t.Fatalf("first GetOrCreate: %v", err)
	}
	firstSession := first.Session
	first.Release()

	second, err := p.GetOrCreate(ctx, "key1", userMsgs("hello", "world"), "")
	if err != nil {
		t.Fatalf("second GetOrCreate: %v", err)
	}
	defer second.Release()

	if second.Session != firstSession {
		t.Fatalf("expected same session to be reused")
	}
	if second.Delta != "world" {
		t.Fatalf("expected delta 'world', got %q", second.Delta)
	}
}

func TestGetOrCreate_ShorterHistoryTriggersUpstreamReset(t *testing.T) {
	bin, args := buildHelperCommand(t, helperScript{
		Steps: append(handshakeSteps("s1"), handshakeSteps("s2")...),
	})
	p := newTestPool(t, bin, args)
	defer p.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, err := p.GetOrCreate(ctx, "key1", userMsgs("a", "b", "c"), "")
	if err != nil {
		t.Fatalf("first GetOrCreate: %v", err)
	}
	firstSession := first.Session
	first.Release()

	second, err := p.GetOrCreate(ctx, "key1", userMsgs("a"), "")
	if err != nil {
		t.Fatalf("second GetOrCreate: %v", err)
	}
	defer second.Release()

	if second.Session == firstSession {
		t.Fatalf("expected a fresh session after upstream reset")
	}
	if second.Session.SessionID() != "s2" {
		t.Fatalf("expected fresh session id s2, got %s", second.Session.SessionID())
	}
}

func TestGetOrCreate_ConcurrentCallsForNewKeyShareOneSession(t *testing.T) {
	bin, args := buildHelperCommand(t, helperScript{Steps: handshakeSteps("s1")})
	p := newTestPool(t, bin, args)
	defer p.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const n = 8
	sessions := make([]*agentrpc.AgentSession, n)
	errs := make([]error, n)

	var ready sync.WaitGroup
	ready.Add(n)
	start := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ready.Done()
			<-start
			lease, err := p.GetOrCreate(ctx, "racekey", userMsgs("hi"), "")
			errs[i] = err
			if err == nil {
				sessions[i] = lease.Session
				lease.Release()
			}
		}(i)
	}
	ready.Wait()
	close(start)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("GetOrCreate[%d]: %v", i, err)
		}
	}
	for i := 1; i < n; i++ {
		if sessions[i] != sessions[0] {
			t.Fatalf("expected every concurrent caller for the same new key to share one session; got a distinct session at index %d", i)
		}
	}
	if got := len(p.Diagnostics()); got != 1 {
		t.Fatalf("expected exactly 1 managed session after concurrent creates, got %d", got)
	}
}

func TestGetOrCreate_DifferentKeysGetDifferentSessions(t *testing.T) {
	bin, args := buildHelperCommand(t, helperScript{
		Steps: append(handshakeSteps("s1"), handshakeSteps("s2")...),
	})
	p := newTestPool(t, bin, args)
	defer p.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a, err := p.GetOrCreate(ctx, "keyA", userMsgs("hi"), "")
	if err != nil {
		t.Fatalf("GetOrCreate keyA: %v", err)
	}
	defer a.Release()

	b, err := p.GetOrCreate(ctx, "keyB", userMsgs("hi"), "")
	if err != nil {
		t.Fatalf("GetOrCreate keyB: %v", err)
	}
	defer b.Release()

	if a.Session == b.Session {
		t.Fatalf("expected distinct sessions per key")
	}
}

func TestResetSession_ForcesFreshSessionOnNextGetOrCreate(t *testing.T) {
	bin, args := buildHelperCommand(t, helperScript{
		Steps: append(handshakeSteps("s1"), handshakeSteps("s2")...),
	})
	p := newTestPool(t, bin, args)
	defer p.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, err := p.GetOrCreate(ctx, "key1", userMsgs("hi"), "")
	if err != nil {
		t.Fatalf("first GetOrCreate: %v", err)
	}
	first.Release()

	p.ResetSession("key1", "context-critical")

	second, err := p.GetOrCreate(ctx, "key1", userMsgs("hi"), "")
	if err != nil {
		t.Fatalf("second GetOrCreate: %v", err)
	}
	defer second.Release()

	if second.Session.SessionID() != "s2" {
		t.Fatalf("expected a fresh session after reset, got %s", second.Session.SessionID())
	}
}

func TestRenderDelta_DropsSystemMessagesAndJoinsUserText(t *testing.T) {
	msgs := []fingerprint.Message{
		{Role: "system", Content: "you are a bot"},
		{Role: "user", Content: "first"},
		{Role: "assistant", Content: "reply"},
		{Role: "user", Content: "second"},
	}
	got := renderDelta(msgs)
	want := "first\n\nsecond"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestRenderDelta_EmptyForOnlyAssistantMessages(t *testing.T) {
	msgs := []fingerprint.Message{{Role: "assistant", Content: "echo"}}
	if got := renderDelta(msgs); got != "" {
		t.Fatalf("expected empty delta, got %q", got)
	}
}

func TestDiagnostics_ReflectsLiveEntry(t *testing.T) {
	bin, args := buildHelperCommand(t, helperScript{Steps: handshakeSteps("s1")})
	p := newTestPool(t, bin, args)
	defer p.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	lease, err := p.GetOrCreate(ctx, "key1", userMsgs("hi"), "")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	defer lease.Release()

	infos := p.Diagnostics()
	if len(infos) != 1 {
		t.Fatalf("expected 1 diagnostics entry, got %d", len(infos))
	}
	if infos[0].PID != lease.Session.PID() {
		t.Fatalf("expected diagnostics pid to match session pid")
	}
	if infos[0].SessionID != "s1" {
		t.Fatalf("expected diagnostics session id s1, got %s", infos[0].SessionID)
	}
}

func TestRouteFor_MatchesDiscordChannelAndTableEntry(t *testing.T) {
	p := New(Config{
		Bin: "agent", Cwd: ".",
		Routes: config.RouteTable{"123": {Cwd: "/workspaces/123"}},
	})
	route, ok := p.routeFor("discord:channel:123")
	if !ok {
		t.Fatalf("expected route match")
	}
	if route.Cwd != "/workspaces/123" {
		t.Fatalf("unexpected route cwd: %s", route.Cwd)
	}
}

func TestRouteFor_NoMatchWhenChannelNotInTable(t *testing.T) {
	p := New(Config{
		Bin: "agent", Cwd: ".",
		Routes: config.RouteTable{"123": {Cwd: "/workspaces/123"}},
	})
	if _, ok := p.routeFor("discord:channel:999"); ok {
		t.Fatalf("expected no route match")
	}
}

func TestRouteFor_NoMatchForNonDiscordKey(t *testing.T) {
	p := New(Config{
		Bin: "agent", Cwd: ".",
		Routes: config.RouteTable{"123": {Cwd: "/workspaces/123"}},
	})
	if _, ok := p.routeFor("some-other-key"); ok {
		t.Fatalf("expected no route match for non-discord key")
	}
}

func TestSetRoutes_ReplacesTableForSubsequentLookups(t *testing.T) {
	p := New(Config{
		Bin: "agent", Cwd: ".",
		Routes: config.RouteTable{"123": {Cwd: "/workspaces/123"}},
	})

	p.SetRoutes(config.RouteTable{"123": {Cwd: "/workspaces/new-123"}, "456": {Cwd: "/workspaces/456"}})

	route, ok := p.routeFor("discord:channel:123")
	if !ok || route.Cwd != "/workspaces/new-123" {
		t.Fatalf("expected reloaded route, got %+v ok=%v", route, ok)
	}
	if _, ok := p.routeFor("discord:channel:456"); !ok {
		t.Fatalf("expected newly added route to be visible")
	}
}

func TestStop_KillsAllSessionsAndClearsMap(t *testing.T) {
	bin, args := buildHelperCommand(t, helperScript{Steps: handshakeSteps("s1")})
	p := newTestPool(t, bin, args)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	lease, err := p.GetOrCreate(ctx, "key1", userMsgs("hi"), "")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	lease.Release()

	p.Stop()

	if len(p.Diagnostics()) != 0 {
		t.Fatalf("expected empty pool after Stop")
	}
	if lease.Session.Alive() {
		t.Fatalf("expected session to be dead after Stop")
	}
}
