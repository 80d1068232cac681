package agentrpc

import (
	"fmt"
	"strings"
)

// SpawnError wraps a failure to start the agent subprocess or open its pipes.
type SpawnError struct {
	Reason string
	Cause  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn failure: %s: %v", e.Reason, e.Cause)
}

func (e *SpawnError) Unwrap() error { return e.Cause }

// HandshakeError wraps a failure during the initialize/newSession exchange.
type HandshakeError struct {
	Step  string // "initialize" or "newSession"
	Cause error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake failure at %s: %v", e.Step, e.Cause)
}

func (e *HandshakeError) Unwrap() error { return e.Cause }

// PromptTimeoutError indicates the activity-idle watchdog fired during a prompt.
type PromptTimeoutError struct {
	IdleFor string
}

func (e *PromptTimeoutError) Error() string {
	return fmt.Sprintf("prompt timed out after %s of silence", e.IdleFor)
}

// ProcessExitedError indicates the subprocess exited before a prompt response arrived.
type ProcessExitedError struct {
	Code   int
	Signal string
}

func (e *ProcessExitedError) Error() string {
	if e.Signal != "" {
		return fmt.Sprintf("process exited (signal %s)", e.Signal)
	}
	return fmt.Sprintf("process exited (code %d)", e.Code)
}

// RPCError wraps a JSON-RPC error response to a client-issued call.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// invalidHistorySentinel is the distinguished substring the Bridge/pool
// match on to trigger one-shot invalid-history recovery.
const invalidHistorySentinel = "invalid conversation history"

// IsInvalidHistory reports whether err's message contains the distinguished
// invalid-history sentinel substring, case-insensitively.
func IsInvalidHistory(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), invalidHistorySentinel)
}
