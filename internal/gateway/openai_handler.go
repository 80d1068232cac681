package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/kiro-gateway/internal/agentrpc"
	"github.com/basket/kiro-gateway/internal/bus"
	"github.com/basket/kiro-gateway/internal/fingerprint"
	"github.com/basket/kiro-gateway/internal/pool"
	"github.com/basket/kiro-gateway/internal/shared"
)

const (
	contextWarnFmt     = "\n\n⚠️ Context window at %.0f%%. Send /new soon to reset before it fills up."
	contextCriticalFmt = "\n\n🚨 Context window at %.0f%% — approaching auto-reset threshold (95%%). Send /new now to avoid losing your session mid-task."

	promptIdleTimeoutMessage    = "⚠️ The session went silent for too long (no tool activity). It has been reset — please resend your message."
	consecutiveErrorsMessage    = "⚠️ Multiple consecutive errors detected. The session has been reset — please resend your message."
	invalidHistoryFailedMessage = "⚠️ Session history became corrupted and auto-recovery failed. Please send /new to reset this conversation."

	payloadWarnChars = 500_000
	payloadInfoChars = 200_000
)

// bridgeError is the blocking path's structured terminal error (§4.4).
type bridgeError struct {
	Type    string
	Message string
	Status  int
}

// handleChatCompletions implements the Bridge (§4.4): resolve a session,
// prompt it, and relay the response as streaming SSE or a single blocking
// completion, running the shared recovery state machine either way.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	traceID := shared.NewTraceID()
	ctx := shared.WithTraceID(r.Context(), traceID)

	var req ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request_error: "+err.Error())
		return
	}
	if len(req.Messages) == 0 {
		writeJSONError(w, http.StatusBadRequest, "invalid_request_error: messages must be a non-empty array")
		return
	}

	messages := toFingerprintMessages(req.Messages)
	s.logPayloadSize(ctx, messages)

	explicit := firstNonBlank(r.Header.Get("X-Kiro-Session-Id"), r.Header.Get("X-Openclaw-Session-Key"), req.User)
	sessionKey := fingerprint.ResolveKey(messages, explicit)
	channelKey := r.Header.Get("X-Openclaw-Session-Key")
	if chID := detectChannelID(channelKey); chID != "" {
		s.cfg.Logger.Debug("resolved channel route", "trace_id", traceID, "channel_id", chID)
	}

	lease, err := s.cfg.Pool.GetOrCreate(ctx, sessionKey, messages, channelKey)
	if err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, "service_unavailable: "+err.Error())
		return
	}

	id := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()
	stream := boolValue(req.Stream, true)

	if strings.TrimSpace(lease.Delta) == "" {
		lease.Release()
		s.writeEmptyCompletion(w, id, created, req.Model, stream)
		return
	}

	if stream {
		s.runStreaming(ctx, w, id, created, req.Model, sessionKey, messages, lease)
		return
	}
	s.runBlocking(ctx, w, id, created, req.Model, sessionKey, messages, lease)
}

func (s *Server) logPayloadSize(ctx context.Context, messages []fingerprint.Message) {
	var total int
	for _, m := range messages {
		total += len(m.Content)
	}
	switch {
	case total > payloadWarnChars:
		s.cfg.Logger.Warn("chat completion payload is very large", "trace_id", shared.TraceID(ctx), "chars", total)
	case total > payloadInfoChars:
		s.cfg.Logger.Info("chat completion payload is large", "trace_id", shared.TraceID(ctx), "chars", total)
	}
}

func (s *Server) runStreaming(ctx context.Context, w http.ResponseWriter, id string, created int64, model, sessionKey string, messages []fingerprint.Message, lease *pool.Lease) {
	sw, ok := newSSEWriter(w)
	if !ok {
		lease.Release()
		writeJSONError(w, http.StatusInternalServerError, "server_error: streaming not supported")
		return
	}
	sw.writeJSON(roleHeaderChunk(id, created, model))

	emit := func(text string) { sw.writeJSON(contentChunk(id, created, model, text)) }
	finalize := func(_ *bridgeError) {
		sw.writeJSON(finishChunk(id, created, model, "stop"))
		sw.done()
	}
	s.runRecovery(ctx, sessionKey, messages, lease, emit, finalize)
}

func (s *Server) runBlocking(ctx context.Context, w http.ResponseWriter, id string, created int64, model, sessionKey string, messages []fingerprint.Message, lease *pool.Lease) {
	var buf strings.Builder
	emit := func(text string) { buf.WriteString(text) }
	finalize := func(bridgeErr *bridgeError) {
		if bridgeErr != nil {
			writeJSONError(w, bridgeErr.Status, fmt.Sprintf("%s: %s", bridgeErr.Type, bridgeErr.Message))
			return
		}
		writeJSON(w, http.StatusOK, blockingCompletion(id, created, model, buf.String()))
	}
	s.runRecovery(ctx, sessionKey, messages, lease, emit, finalize)
}

// runRecovery implements the state machine of §4.4, shared by both
// transports: prompt, release the turn's lock, and on failure classify the
// error into the reset-and-recover branches the spec defines. emit is
// called with every piece of user-visible text (model tokens and in-band
// recovery messages alike); finalize is called exactly once at the end.
func (s *Server) runRecovery(ctx context.Context, sessionKey string, messages []fingerprint.Message, lease *pool.Lease, emit func(string), finalize func(*bridgeError)) {
	_, err := lease.Session.Prompt(ctx, lease.Delta, emit)
	session := lease.Session
	lease.Release()

	if err == nil {
		if warning := contextWarningText(session.ContextPct()); warning != "" {
			emit(warning)
		}
		finalize(nil)
		return
	}

	var timeoutErr *agentrpc.PromptTimeoutError
	switch {
	case errors.As(err, &timeoutErr):
		s.cfg.Pool.ResetSession(sessionKey, bus.ReasonPromptIdleTimeout)
		emit(promptIdleTimeoutMessage)
		finalize(&bridgeError{Type: "timeout", Message: promptIdleTimeoutMessage, Status: http.StatusGatewayTimeout})

	case session.ConsecutiveErrors() >= pool.ConsecutiveErrorThreshold():
		s.cfg.Pool.ResetSession(sessionKey, fmt.Sprintf("consecutive-errors-%d", session.ConsecutiveErrors()))
		emit(consecutiveErrorsMessage)
		finalize(&bridgeError{Type: "server_error", Message: consecutiveErrorsMessage, Status: http.StatusInternalServerError})

	case agentrpc.IsInvalidHistory(err):
		s.recoverInvalidHistory(ctx, sessionKey, messages, emit, finalize)

	default:
		finalize(&bridgeError{Type: "server_error", Message: err.Error(), Status: http.StatusInternalServerError})
	}
}

// recoverInvalidHistory runs the one-shot retry described in §4.4: reset,
// re-spawn seeded with the full history (so the new session's send-count
// already covers it), and prompt it with only the latest user message.
func (s *Server) recoverInvalidHistory(ctx context.Context, sessionKey string, messages []fingerprint.Message, emit func(string), finalize func(*bridgeError)) {
	s.cfg.Pool.ResetSession(sessionKey, bus.ReasonInvalidHistory)

	recoveryText := lastUserText(messages)
	if recoveryText != "" {
		newLease, err := s.cfg.Pool.GetOrCreate(ctx, sessionKey, messages, "")
		if err == nil {
			_, retryErr := newLease.Session.Prompt(ctx, recoveryText, emit)
			newLease.Release()
			if retryErr == nil {
				finalize(nil)
				return
			}
		}
	}

	emit(invalidHistoryFailedMessage)
	finalize(&bridgeError{Type: "server_error", Message: invalidHistoryFailedMessage, Status: http.StatusInternalServerError})
}

func (s *Server) writeEmptyCompletion(w http.ResponseWriter, id string, created int64, model string, stream bool) {
	if !stream {
		writeJSON(w, http.StatusOK, blockingCompletion(id, created, model, ""))
		return
	}
	sw, ok := newSSEWriter(w)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "server_error: streaming not supported")
		return
	}
	sw.writeJSON(roleHeaderChunk(id, created, model))
	sw.writeJSON(finishChunk(id, created, model, "stop"))
	sw.done()
}

func contextWarningText(pct float64) string {
	switch {
	case pct >= 90:
		return fmt.Sprintf(contextCriticalFmt, pct)
	case pct >= 80:
		return fmt.Sprintf(contextWarnFmt, pct)
	default:
		return ""
	}
}

func roleHeaderChunk(id string, created int64, model string) ChatCompletionResponse {
	return ChatCompletionResponse{
		ID: id, Object: "chat.completion.chunk", Created: created, Model: model,
		Choices: []ChatCompletionChoice{{
			Index:        0,
			Delta:        &ChatCompletionMessage{Role: "assistant"},
			FinishReason: nil,
		}},
	}
}

func contentChunk(id string, created int64, model, text string) ChatCompletionResponse {
	return ChatCompletionResponse{
		ID: id, Object: "chat.completion.chunk", Created: created, Model: model,
		Choices: []ChatCompletionChoice{{
			Index:        0,
			Delta:        &ChatCompletionMessage{Content: text},
			FinishReason: nil,
		}},
	}
}

func finishChunk(id string, created int64, model, finishReason string) ChatCompletionResponse {
	return ChatCompletionResponse{
		ID: id, Object: "chat.completion.chunk", Created: created, Model: model,
		Choices: []ChatCompletionChoice{{
			Index:        0,
			Delta:        &ChatCompletionMessage{},
			FinishReason: stringPtr(finishReason),
		}},
	}
}

func blockingCompletion(id string, created int64, model, content string) ChatCompletionResponse {
	return ChatCompletionResponse{
		ID: id, Object: "chat.completion", Created: created, Model: model,
		Choices: []ChatCompletionChoice{{
			Index:        0,
			Message:      &ChatCompletionMessage{Role: "assistant", Content: content},
			FinishReason: stringPtr("stop"),
		}},
		Usage: &Usage{},
	}
}

func toFingerprintMessages(msgs []ChatCompletionMessage) []fingerprint.Message {
	out := make([]fingerprint.Message, len(msgs))
	for i, m := range msgs {
		out[i] = fingerprint.Message{Role: m.Role, Content: m.Content}
	}
	return out
}

func lastUserText(messages []fingerprint.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return strings.TrimSpace(messages[i].Content)
		}
	}
	return ""
}

func firstNonBlank(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
