package acp

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/deltazero-dev/agentwire/internal/fsio"
	"github.com/deltazero-dev/agentwire/internal/permission"
	"github.com/deltazero-dev/agentwire/internal/shellenv"
	"github.com/deltazero-dev/agentwire/internal/term"
)

// Prompter asks a human to answer a permission prompt. It is invoked only
// when no auto-decision rule matched.
type Prompter func(ctx context.Context, params RequestPermissionParams) (RequestPermissionResult, error)

// PermissionRule is one CEL auto-decision rule; see internal/permission
// for the variables an expression may use.
type PermissionRule struct {
	Name       string
	Expression string
	// Action is "allow" or "deny".
	Action string
}

// HostClient is the default Client implementation: direct file I/O, a
// terminal session manager backed by the shell environment snapshot, and
// rule-assisted permission prompts. Hosts with sandboxing or their own UI
// replace it wholesale or embed it.
type HostClient struct {
	terminals *term.Manager
	rules     *permission.Engine
	prompter  Prompter
	logger    *slog.Logger
}

// HostOption configures a HostClient.
type HostOption func(*hostOptions)

type hostOptions struct {
	byteLimit   int
	releasedCap int
	rules       []PermissionRule
	prompter    Prompter
}

// WithTerminalByteLimit overrides the default terminal output cap.
func WithTerminalByteLimit(n int) HostOption {
	return func(o *hostOptions) { o.byteLimit = n }
}

// WithReleasedTerminalCap overrides the released-terminal cache size.
func WithReleasedTerminalCap(n int) HostOption {
	return func(o *hostOptions) { o.releasedCap = n }
}

// WithPermissionRules installs auto-decision rules.
func WithPermissionRules(rules []PermissionRule) HostOption {
	return func(o *hostOptions) { o.rules = rules }
}

// WithPrompter installs the interactive fallback for unmatched prompts.
func WithPrompter(p Prompter) HostOption {
	return func(o *hostOptions) { o.prompter = p }
}

// NewHostClient builds the default client. Rule compilation errors fail
// construction.
func NewHostClient(logger *slog.Logger, opts ...HostOption) (*HostClient, error) {
	o := hostOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	var engine *permission.Engine
	if len(o.rules) > 0 {
		rules := make([]permission.Rule, 0, len(o.rules))
		for _, r := range o.rules {
			rules = append(rules, permission.Rule{
				Name:       r.Name,
				Expression: r.Expression,
				Action:     permission.Action(r.Action),
			})
		}
		var err error
		engine, err = permission.NewEngine(rules)
		if err != nil {
			return nil, err
		}
	}

	termOpts := []term.Option{term.WithSnapshot(shellenv.Get)}
	if o.byteLimit > 0 {
		termOpts = append(termOpts, term.WithDefaultByteLimit(o.byteLimit))
	}

	return &HostClient{
		terminals: term.NewManager(logger, o.releasedCap, termOpts...),
		rules:     engine,
		prompter:  o.prompter,
		logger:    logger,
	}, nil
}

// Shutdown releases every live terminal.
func (h *HostClient) Shutdown(ctx context.Context) {
	h.terminals.Shutdown(ctx)
}

// ReadTextFile serves fs/read_text_file.
func (h *HostClient) ReadTextFile(ctx context.Context, params ReadTextFileParams) (ReadTextFileResult, error) {
	content, err := fsio.ReadTextFile(params.Path, params.Line, params.Limit)
	if err != nil {
		return ReadTextFileResult{}, err
	}
	return ReadTextFileResult{Content: content}, nil
}

// WriteTextFile serves fs/write_text_file.
func (h *HostClient) WriteTextFile(ctx context.Context, params WriteTextFileParams) error {
	return fsio.WriteTextFile(params.Path, params.Content)
}

// CreateTerminal serves terminal/create.
func (h *HostClient) CreateTerminal(ctx context.Context, params CreateTerminalParams) (CreateTerminalResult, error) {
	create := term.CreateParams{
		Command: params.Command,
		Args:    params.Args,
	}
	if params.Cwd != nil {
		create.Cwd = *params.Cwd
	}
	if params.OutputByteLimit != nil {
		create.ByteLimit = *params.OutputByteLimit
	}
	if len(params.Env) > 0 {
		create.Env = make(map[string]string, len(params.Env))
		for _, kv := range params.Env {
			create.Env[kv.Name] = kv.Value
		}
	}

	id, err := h.terminals.Create(create)
	if err != nil {
		return CreateTerminalResult{}, err
	}
	return CreateTerminalResult{TerminalID: id}, nil
}

// TerminalOutput serves terminal/output.
func (h *HostClient) TerminalOutput(ctx context.Context, params TerminalParams) (TerminalOutputResult, error) {
	out, err := h.terminals.Output(params.TerminalID)
	if err != nil {
		return TerminalOutputResult{}, err
	}
	return TerminalOutputResult{
		Output:     out.Output,
		ExitStatus: toExitStatus(out.ExitStatus),
		Truncated:  out.Truncated,
	}, nil
}

// WaitForTerminalExit serves terminal/wait_for_exit.
func (h *HostClient) WaitForTerminalExit(ctx context.Context, params TerminalParams) (TerminalWaitResult, error) {
	status, err := h.terminals.WaitForExit(ctx, params.TerminalID)
	if err != nil {
		return TerminalWaitResult{}, err
	}
	result := TerminalWaitResult{}
	if s := toExitStatus(status); s != nil {
		result.ExitStatus = *s
	}
	return result, nil
}

// KillTerminal serves terminal/kill.
func (h *HostClient) KillTerminal(ctx context.Context, params TerminalParams) error {
	_, err := h.terminals.Kill(ctx, params.TerminalID)
	return err
}

// ReleaseTerminal serves terminal/release.
func (h *HostClient) ReleaseTerminal(ctx context.Context, params TerminalParams) error {
	return h.terminals.Release(ctx, params.TerminalID)
}

// RequestPermission serves session/request_permission: rules first, then
// the interactive prompter, and a cancelled outcome when neither decides.
func (h *HostClient) RequestPermission(ctx context.Context, params RequestPermissionParams) (RequestPermissionResult, error) {
	if h.rules != nil {
		decision, ok := h.rules.Decide(permission.Input{
			Method:    MethodRequestPermission,
			ToolName:  peekToolName(params.ToolCall),
			SessionID: params.SessionID,
			Params:    toolCallMap(params.ToolCall),
		})
		if ok {
			h.logger.Info("permission prompt auto-decided",
				"rule", decision.Rule, "action", decision.Action,
				"session_id", params.SessionID)
			return ruleOutcome(decision.Action, params.Options), nil
		}
	}

	if h.prompter != nil {
		return h.prompter(ctx, params)
	}

	// Nobody to ask: fail closed.
	return RequestPermissionResult{Outcome: PermissionOutcome{Outcome: "cancelled"}}, nil
}

// ruleOutcome maps a rule action onto the prompt's options: an allow picks
// the first allow-kind option, a deny the first reject-kind one. Prompts
// without a matching kind fall back to first-option / cancelled.
func ruleOutcome(action permission.Action, options []PermissionOption) RequestPermissionResult {
	wantPrefix := "allow"
	if action == permission.Deny {
		wantPrefix = "reject"
	}
	for _, opt := range options {
		if len(opt.Kind) >= len(wantPrefix) && opt.Kind[:len(wantPrefix)] == wantPrefix {
			return RequestPermissionResult{Outcome: PermissionOutcome{
				Outcome: "selected", OptionID: opt.OptionID,
			}}
		}
	}
	if action == permission.Allow && len(options) > 0 {
		return RequestPermissionResult{Outcome: PermissionOutcome{
			Outcome: "selected", OptionID: options[0].OptionID,
		}}
	}
	return RequestPermissionResult{Outcome: PermissionOutcome{Outcome: "cancelled"}}
}

func peekToolName(toolCall json.RawMessage) string {
	if len(toolCall) == 0 {
		return ""
	}
	var probe struct {
		Title string `json:"title"`
		Kind  string `json:"kind"`
	}
	if err := json.Unmarshal(toolCall, &probe); err != nil {
		return ""
	}
	if probe.Kind != "" {
		return probe.Kind
	}
	return probe.Title
}

func toolCallMap(toolCall json.RawMessage) map[string]any {
	if len(toolCall) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(toolCall, &m); err != nil {
		return nil
	}
	return m
}

func toExitStatus(s *term.ExitStatus) *TerminalExitStatus {
	if s == nil {
		return nil
	}
	return &TerminalExitStatus{ExitCode: s.ExitCode, Signal: s.Signal}
}

var _ Client = (*HostClient)(nil)
