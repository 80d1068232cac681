package agentrpc

import "encoding/json"

// envelope is the superset of fields that can appear on any line of the
// NDJSON JSON-RPC 2.0 stream. Which fields are set determines whether the
// line is a response, a notification, or a server-initiated request:
//   - id set, method unset  -> response to an outstanding client call
//   - id unset, method set  -> notification
//   - id set, method set    -> server-initiated request awaiting our reply
type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcErrorBody   `json:"error,omitempty"`
}

type rpcErrorBody struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *envelope) isResponse() bool {
	return e.ID != nil && e.Method == ""
}

func (e *envelope) isNotification() bool {
	return e.ID == nil && e.Method != ""
}

func (e *envelope) isServerRequest() bool {
	return e.ID != nil && e.Method != ""
}

// Handshake wire types.

type clientCapabilities struct {
	FS fsCapability `json:"fs"`
}

type fsCapability struct {
	ReadTextFile  bool `json:"readTextFile"`
	WriteTextFile bool `json:"writeTextFile"`
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeParams struct {
	ProtocolVersion    int                `json:"protocolVersion"`
	ClientCapabilities clientCapabilities `json:"clientCapabilities"`
	ClientInfo         clientInfo         `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion int `json:"protocolVersion"`
}

type newSessionParams struct {
	Cwd        string       `json:"cwd"`
	MCPServers []mcpServerE `json:"mcpServers"`
}

// mcpServerE is an empty placeholder element type; the core never wires any
// MCP servers into the agent subprocess, but newSession's params shape
// requires the key to be present.
type mcpServerE struct{}

type newSessionResult struct {
	SessionID string `json:"sessionId"`
}

// prompt request/response.

type textContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type promptParams struct {
	SessionID string             `json:"sessionId"`
	Prompt    []textContentBlock `json:"prompt"`
}

type promptResult struct {
	StopReason string `json:"stopReason"`
}

func newPromptParams(sessionID, text string) promptParams {
	return promptParams{
		SessionID: sessionID,
		Prompt:    []textContentBlock{{Type: "text", Text: text}},
	}
}

// sessionUpdate notification payload.

type sessionUpdateParams struct {
	SessionID string            `json:"sessionId"`
	Update    sessionUpdateBody `json:"update"`
}

type sessionUpdateBody struct {
	SessionUpdate string         `json:"sessionUpdate"`
	Content       *updateContent `json:"content,omitempty"`
	Title         string         `json:"title,omitempty"`
	Status        string         `json:"status,omitempty"`
}

type updateContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

const (
	updateKindAgentMessageChunk = "agent_message_chunk"
	updateKindToolCall          = "tool_call"
)

// requestPermission.

type permissionOption struct {
	OptionID string `json:"optionId"`
	Kind     string `json:"kind"`
}

type requestPermissionParams struct {
	SessionID string             `json:"sessionId"`
	Options   []permissionOption `json:"options"`
}

type requestPermissionOutcome struct {
	Outcome requestPermissionOutcomeBody `json:"outcome"`
}

type requestPermissionOutcomeBody struct {
	Outcome  string `json:"outcome"` // "selected" or "cancelled"
	OptionID string `json:"optionId,omitempty"`
}

func selectedOutcome(optionID string) requestPermissionOutcome {
	return requestPermissionOutcome{
		Outcome: requestPermissionOutcomeBody{Outcome: "selected", OptionID: optionID},
	}
}

func cancelledOutcome() requestPermissionOutcome {
	return requestPermissionOutcome{Outcome: requestPermissionOutcomeBody{Outcome: "cancelled"}}
}

// extensionNotificationParams carries the out-of-band contextUsagePercentage
// metadata the core watches for.
type extensionNotificationParams struct {
	Meta extensionMeta `json:"_meta"`
}

type extensionMeta struct {
	ContextUsagePercentage *float64 `json:"contextUsagePercentage,omitempty"`
}

const methodExtensionNotification = "session/extension_notification"
