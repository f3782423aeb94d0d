// Package acp is the public surface of the agentwire runtime: the two role
// facades of an Agent Client Protocol connection (ClientSideConnection for
// hosts driving an agent, AgentSideConnection for agents serving a host)
// plus the typed parameter structs for the routed methods. Payloads beyond
// the routed set stay opaque json.RawMessage trees.
package acp

import (
	"encoding/json"

	"github.com/deltazero-dev/agentwire/internal/rpc"
	"github.com/deltazero-dev/agentwire/internal/wire"
)

// RequestError is the JSON-RPC error object; peer-reported errors surface
// as *RequestError with code, message, and data intact.
type RequestError = wire.Error

// Notification is one inbound one-way message.
type Notification = wire.Notification

// Subscription is a consumer's view of the notification stream.
type Subscription = rpc.Subscription

// Tap mirrors frames for debugging; see ClientSideConnection.DebugTap.
type (
	Tap       = rpc.Tap
	TapRecord = rpc.TapRecord
)

// NewMethodNotFound builds the standard -32601 error.
func NewMethodNotFound(method string) *RequestError { return wire.NewMethodNotFound(method) }

// NewInternalError builds the standard -32603 error.
func NewInternalError(detail string) *RequestError { return wire.NewInternalError(detail) }

// Routed method names. Anything else yields method-not-found.
const (
	MethodInitialize        = "initialize"
	MethodSessionNew        = "session/new"
	MethodSessionPrompt     = "session/prompt"
	MethodSessionLoad       = "session/load"
	MethodSessionCancel     = "session/cancel"
	MethodSessionUpdate     = "session/update"
	MethodReadTextFile      = "fs/read_text_file"
	MethodWriteTextFile     = "fs/write_text_file"
	MethodTerminalCreate    = "terminal/create"
	MethodTerminalOutput    = "terminal/output"
	MethodTerminalWait      = "terminal/wait_for_exit"
	MethodTerminalKill      = "terminal/kill"
	MethodTerminalRelease   = "terminal/release"
	MethodRequestPermission = "session/request_permission"

	// MethodRequestPermissionAlias is accepted for peers that emit the
	// prefixless spelling.
	MethodRequestPermissionAlias = "request_permission"
)

// EnvVariable is one environment entry for terminal/create.
type EnvVariable struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// InitializeParams announces the client to the agent. Capability shapes
// are opaque here.
type InitializeParams struct {
	ProtocolVersion    int             `json:"protocolVersion"`
	ClientCapabilities json.RawMessage `json:"clientCapabilities,omitempty"`
}

// InitializeResult is the agent's answer.
type InitializeResult struct {
	ProtocolVersion   int             `json:"protocolVersion"`
	AgentCapabilities json.RawMessage `json:"agentCapabilities,omitempty"`
	AuthMethods       json.RawMessage `json:"authMethods,omitempty"`
}

// NewSessionParams creates a session.
type NewSessionParams struct {
	Cwd        string          `json:"cwd"`
	McpServers json.RawMessage `json:"mcpServers,omitempty"`
}

// NewSessionResult carries the fresh session id.
type NewSessionResult struct {
	SessionID string `json:"sessionId"`
}

// LoadSessionParams reloads an existing session.
type LoadSessionParams struct {
	SessionID  string          `json:"sessionId"`
	Cwd        string          `json:"cwd"`
	McpServers json.RawMessage `json:"mcpServers,omitempty"`
}

// LoadSessionResult is empty on success; it exists so the facade can
// synthesize one for already-active sessions.
type LoadSessionResult struct{}

// PromptParams carries one user turn. The prompt blocks are opaque.
type PromptParams struct {
	SessionID string          `json:"sessionId"`
	Prompt    json.RawMessage `json:"prompt"`
}

// PromptResult reports why the turn ended.
type PromptResult struct {
	StopReason string `json:"stopReason"`
}

// CancelParams asks the agent to stop a session's in-flight work. Sent as
// a notification; the runtime makes no semantic inference from it.
type CancelParams struct {
	SessionID string `json:"sessionId"`
}

// SessionUpdateParams streams agent progress to the client.
type SessionUpdateParams struct {
	SessionID string          `json:"sessionId"`
	Update    json.RawMessage `json:"update"`
}

// ReadTextFileParams requests file contents, optionally windowed by a
// one-based start line and a line count.
type ReadTextFileParams struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Line      *int   `json:"line,omitempty"`
	Limit     *int   `json:"limit,omitempty"`
}

// ReadTextFileResult carries the text.
type ReadTextFileResult struct {
	Content string `json:"content"`
}

// WriteTextFileParams replaces a file's contents.
type WriteTextFileParams struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Content   string `json:"content"`
}

// CreateTerminalParams spawns a shell command on the client.
type CreateTerminalParams struct {
	SessionID       string        `json:"sessionId"`
	Command         string        `json:"command"`
	Args            []string      `json:"args,omitempty"`
	Cwd             *string       `json:"cwd,omitempty"`
	Env             []EnvVariable `json:"env,omitempty"`
	OutputByteLimit *int          `json:"outputByteLimit,omitempty"`
}

// CreateTerminalResult returns the opaque terminal id.
type CreateTerminalResult struct {
	TerminalID string `json:"terminalId"`
}

// TerminalExitStatus reports how a terminal child ended.
type TerminalExitStatus struct {
	ExitCode *int    `json:"exitCode,omitempty"`
	Signal   *string `json:"signal,omitempty"`
}

// TerminalParams identifies a terminal for output/wait/kill/release.
type TerminalParams struct {
	SessionID  string `json:"sessionId"`
	TerminalID string `json:"terminalId"`
}

// TerminalOutputResult is a point-in-time view of a terminal.
type TerminalOutputResult struct {
	Output     string              `json:"output"`
	ExitStatus *TerminalExitStatus `json:"exitStatus,omitempty"`
	Truncated  bool                `json:"truncated"`
}

// TerminalWaitResult resolves once the child exits.
type TerminalWaitResult struct {
	ExitStatus TerminalExitStatus `json:"exitStatus"`
}

// PermissionOption is one choice offered to the user.
type PermissionOption struct {
	OptionID string `json:"optionId"`
	Name     string `json:"name"`
	Kind     string `json:"kind,omitempty"` // allow_once, allow_always, reject_once, reject_always
}

// RequestPermissionParams asks the client to approve a tool call.
type RequestPermissionParams struct {
	SessionID string             `json:"sessionId"`
	ToolCall  json.RawMessage    `json:"toolCall,omitempty"`
	Options   []PermissionOption `json:"options"`
}

// PermissionOutcome is the user's (or a rule's) answer.
type PermissionOutcome struct {
	Outcome  string `json:"outcome"` // selected or cancelled
	OptionID string `json:"optionId,omitempty"`
}

// RequestPermissionResult wraps the outcome.
type RequestPermissionResult struct {
	Outcome PermissionOutcome `json:"outcome"`
}
