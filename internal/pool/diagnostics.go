package pool

import "time"

// EntryInfo is the per-session diagnostic snapshot served by GET /sessions
// and the heartbeat sweep (§4.2/§4.3).
type EntryInfo struct {
	KeyPrefix   string  `json:"keyPrefix"`
	SessionID   string  `json:"sessionId"`
	PID         int     `json:"pid"`
	ContextPct  float64 `json:"contextPct"`
	IdleSeconds float64 `json:"idleSeconds"`
	RSSBytes    uint64  `json:"rssBytes"`
	ErrorCount  int     `json:"errorCount"`
	Prompting   bool    `json:"prompting"`
}

// Diagnostics returns a point-in-time snapshot of every live managed
// session, sorted by nothing in particular -- callers that need stable
// ordering should sort by KeyPrefix themselves.
func (p *SessionPool) Diagnostics() []EntryInfo {
	p.mu.Lock()
	type snap struct {
		key   string
		entry *managedEntry
	}
	snaps := make([]snap, 0, len(p.entries))
	for key, entry := range p.entries {
		snaps = append(snaps, snap{key, entry})
	}
	p.mu.Unlock()

	now := time.Now()
	infos := make([]EntryInfo, 0, len(snaps))
	for _, s := range snaps {
		infos = append(infos, EntryInfo{
			KeyPrefix:   keyPrefix(s.key),
			SessionID:   s.entry.session.SessionID(),
			PID:         s.entry.session.PID(),
			ContextPct:  s.entry.session.ContextPct(),
			IdleSeconds: now.Sub(s.entry.session.LastTouched()).Seconds(),
			RSSBytes:    s.entry.session.RSS(),
			ErrorCount:  s.entry.session.ConsecutiveErrors(),
			Prompting:   isLocked(s.entry.lock),
		})
	}
	return infos
}
