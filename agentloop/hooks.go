package agentloop

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/buger/jsonparser"
)

// Mode restricts which tools a loop may use.
type Mode string

const (
	ModeNormal Mode = "normal"
	ModePlan   Mode = "plan"
)

// Decision is a pre-hook verdict.
type Decision struct {
	Allowed bool
	Reason  string
}

// Allow lets the invocation continue.
func Allow() Decision { return Decision{Allowed: true} }

// Deny stops the invocation with a reason shown to the model.
func Deny(reason string) Decision { return Decision{Reason: reason} }

// HookContext is what a hook may know about the caller.
type HookContext struct {
	SessionID string
	AgentID   string
	Role      Role
	Mode      Mode
	Sandbox   *Sandbox
	Tool      ToolHandle
	Logger    *slog.Logger

	// Approve asks someone outside the model whether a flagged invocation
	// may run. Nil means nothing flagged is ever approved.
	Approve Approver
}

// Approver decides whether an invocation a hook flagged may run anyway.
// reason is the hook's explanation of what it flagged.
type Approver func(inv *ToolInvocation, reason string) bool

// PreHook validates an invocation before it executes. Hooks may fill in
// ResolvedPaths but must not otherwise mutate the invocation.
type PreHook struct {
	Name  string
	Check func(inv *ToolInvocation, hc HookContext) Decision
}

// PostHook observes a finished invocation. It cannot change the outcome.
type PostHook struct {
	Name    string
	Observe func(inv *ToolInvocation, result ToolResult, hc HookContext)
}

// SandboxHook resolves every declared path argument through the sandbox.
// With no sandbox configured, tools that take paths are denied.
func SandboxHook() PreHook {
	return PreHook{
		Name: "sandbox",
		Check: func(inv *ToolInvocation, hc HookContext) Decision {
			if len(hc.Tool.PathArgs) == 0 {
				return Allow()
			}
			if hc.Sandbox == nil {
				return Deny("no sandbox root is configured")
			}
			for _, arg := range hc.Tool.PathArgs {
				raw, err := jsonparser.GetString(inv.Arguments, arg)
				if err != nil && err != jsonparser.KeyPathNotFoundError {
					return Deny(fmt.Sprintf("argument %q: %v", arg, err))
				}
				resolved, err := hc.Sandbox.Resolve(raw)
				if err != nil {
					return Deny(err.Error())
				}
				inv.ResolvedPaths[arg] = resolved
			}
			return Allow()
		},
	}
}

// DefaultDestructivePatterns are shell commands refused unless an
// approver allows them.
var DefaultDestructivePatterns = []string{
	`\brm\s+-[a-zA-Z]*r[a-zA-Z]*f?\s+/(\s|$)`,
	`\brm\s+-[a-zA-Z]*[rf][a-zA-Z]*\s+(~|\$HOME)(/|\s|$)`,
	`\bgit\s+push\s+.*--force\b`,
	`\bgit\s+reset\s+--hard\b`,
	`\bmkfs(\.\w+)?\b`,
	`\bdd\s+.*of=/dev/`,
	`:\(\)\s*\{\s*:\|:&\s*\};:`,
	`\bchmod\s+-R\s+777\s+/`,
}

// DestructiveCommandHook denies exec-class tools whose command matches one
// of patterns, unless the context's approver allows the call. Nothing in
// the call's own arguments can approve it.
func DestructiveCommandHook(patterns []string) (PreHook, error) {
	if patterns == nil {
		patterns = DefaultDestructivePatterns
	}
	res := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return PreHook{}, fmt.Errorf("destructive pattern %q: %w", p, err)
		}
		res = append(res, re)
	}
	return PreHook{
		Name: "destructive_command",
		Check: func(inv *ToolInvocation, hc HookContext) Decision {
			if hc.Tool.Risk != RiskExec {
				return Allow()
			}
			cmd, err := jsonparser.GetString(inv.Arguments, "command")
			if err != nil {
				return Allow()
			}
			for _, re := range res {
				if !re.MatchString(cmd) {
					continue
				}
				reason := fmt.Sprintf("command matches destructive pattern %q", re.String())
				if hc.Approve != nil && hc.Approve(inv, reason) {
					return Allow()
				}
				return Deny(reason + " and was not approved")
			}
			return Allow()
		},
	}, nil
}

// ModeHook enforces the per-mode tool allow list. Plan mode allows only
// read-class tools unless allow names tools for it explicitly.
func ModeHook(allow map[Mode][]string) PreHook {
	lists := make(map[Mode]map[string]bool, len(allow))
	for mode, names := range allow {
		set := make(map[string]bool, len(names))
		for _, n := range names {
			set[n] = true
		}
		lists[mode] = set
	}
	return PreHook{
		Name: "mode",
		Check: func(inv *ToolInvocation, hc HookContext) Decision {
			mode := hc.Mode
			if mode == "" {
				mode = ModeNormal
			}
			if set, ok := lists[mode]; ok {
				if set[inv.ToolName] {
					return Allow()
				}
				return Deny(fmt.Sprintf("%s is not allowed in %s mode", inv.ToolName, mode))
			}
			if mode == ModePlan && hc.Tool.Risk != RiskRead {
				return Deny(fmt.Sprintf("%s modifies state and is not allowed in plan mode", inv.ToolName))
			}
			return Allow()
		},
	}
}

// LogHook logs every completed invocation.
func LogHook(logger *slog.Logger) PostHook {
	return PostHook{
		Name: "log",
		Observe: func(inv *ToolInvocation, result ToolResult, hc HookContext) {
			l := logger
			if l == nil {
				l = hc.Logger
			}
			if l == nil {
				return
			}
			status := string(inv.Status())
			if inv.Cancelled {
				status = "cancelled"
			}
			attrs := []any{
				"tool", inv.ToolName,
				"call_id", inv.CallID,
				"status", status,
				"agent_id", hc.AgentID,
			}
			if !inv.StartedAt.IsZero() {
				attrs = append(attrs, "duration", time.Since(inv.StartedAt))
			}
			switch {
			case inv.Cancelled:
				l.Info("tool call cancelled", attrs...)
				return
			case result.IsError:
				l.Warn("tool call failed", attrs...)
				return
			}
			l.Debug("tool call completed", attrs...)
		},
	}
}

type auditRecord struct {
	Time      time.Time         `json:"time"`
	SessionID string            `json:"session_id"`
	AgentID   string            `json:"agent_id,omitempty"`
	CallID    string            `json:"call_id"`
	Tool      string            `json:"tool"`
	Arguments json.RawMessage   `json:"arguments,omitempty"`
	Paths     map[string]string `json:"paths,omitempty"`
	Status    InvocationStatus  `json:"status"`
	IsError   bool              `json:"is_error"`
}

// AuditHook appends one JSON line per invocation to w.
func AuditHook(w io.Writer) PostHook {
	var mu sync.Mutex
	enc := json.NewEncoder(w)
	return PostHook{
		Name: "audit",
		Observe: func(inv *ToolInvocation, result ToolResult, hc HookContext) {
			rec := auditRecord{
				Time:      time.Now().UTC(),
				SessionID: hc.SessionID,
				AgentID:   hc.AgentID,
				CallID:    inv.CallID,
				Tool:      inv.ToolName,
				Paths:     inv.ResolvedPaths,
				Status:    inv.Status(),
				IsError:   result.IsError,
			}
			if json.Valid(inv.Arguments) {
				rec.Arguments = inv.Arguments
			}
			mu.Lock()
			defer mu.Unlock()
			if err := enc.Encode(rec); err != nil && hc.Logger != nil {
				hc.Logger.Warn("writing audit record", "error", err)
			}
		},
	}
}

// FileTracker records the files read-class tools examined successfully.
type FileTracker struct {
	mu    sync.Mutex
	files map[string]struct{}
}

// NewFileTracker creates an empty tracker.
func NewFileTracker() *FileTracker {
	return &FileTracker{files: make(map[string]struct{})}
}

// Hook returns the post-hook feeding the tracker.
func (t *FileTracker) Hook() PostHook {
	return PostHook{
		Name: "file_tracker",
		Observe: func(inv *ToolInvocation, result ToolResult, hc HookContext) {
			if result.IsError || hc.Tool.Risk != RiskRead {
				return
			}
			t.mu.Lock()
			defer t.mu.Unlock()
			for _, p := range inv.ResolvedPaths {
				t.files[p] = struct{}{}
			}
		},
	}
}

// Files returns the tracked paths, sorted.
func (t *FileTracker) Files() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.files))
	for p := range t.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
