// Package fingerprint derives a stable 32-hex-character session key from
// the anchor of a conversation: the first system+user pair, or the first
// user message alone.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// Message is the minimal shape fingerprint needs from a conversation turn.
type Message struct {
	Role    string
	Content string
}

const anchorMaxLen = 512

var (
	messageIDPattern = regexp.MustCompile(`"message_id"\s*:\s*"[^"]*"\s*,?`)
	timestampPattern = regexp.MustCompile(`\[[^\[\]]*\d{4}-\d{2}-\d{2} \d{2}:\d{2}[^\[\]]*\]`)
)

// ResolveKey returns explicitKey verbatim (after trimming) if non-blank,
// otherwise the fingerprint of messages.
func ResolveKey(messages []Message, explicitKey string) string {
	if trimmed := strings.TrimSpace(explicitKey); trimmed != "" {
		return trimmed
	}
	return Fingerprint(messages)
}

// Fingerprint computes the 32-hex-char session key for a conversation by
// hashing its anchor: the first system message (if any) plus the first
// user message, or just the first user message if no system message
// precedes it.
func Fingerprint(messages []Message) string {
	anchor := buildAnchor(messages)
	sum := sha256.Sum256([]byte(anchor))
	// Low 128 bits = last 16 bytes of the 32-byte digest.
	return hex.EncodeToString(sum[16:])
}

func buildAnchor(messages []Message) string {
	var sysMsg, userMsg *Message
	for i := range messages {
		m := &messages[i]
		switch m.Role {
		case "system":
			if sysMsg == nil {
				sysMsg = m
			}
		case "user":
			if userMsg == nil {
				userMsg = m
			}
		}
		if sysMsg != nil && userMsg != nil {
			break
		}
	}

	var b strings.Builder
	if sysMsg != nil {
		b.WriteString("system:")
		b.WriteString(truncateAnchorPart(stripNoise(sysMsg.Content)))
	}
	if userMsg != nil {
		b.WriteString("user:")
		b.WriteString(truncateAnchorPart(stripNoise(userMsg.Content)))
	}
	return b.String()
}

// truncateAnchorPart caps a single anchor part (role content, before the
// "role:" prefix is counted) to anchorMaxLen runes of input text.
func truncateAnchorPart(s string) string {
	r := []rune(s)
	if len(r) > anchorMaxLen {
		return string(r[:anchorMaxLen])
	}
	return s
}

// stripNoise removes embedded message_id JSON fields and bracketed
// human-readable timestamps so re-stamped/re-IDed anchors hash identically.
func stripNoise(content string) string {
	out := messageIDPattern.ReplaceAllString(content, "")
	out = timestampPattern.ReplaceAllString(out, "")
	return out
}
