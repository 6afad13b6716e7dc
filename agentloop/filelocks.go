package agentloop

import (
	"context"
	"fmt"
	"sync"
)

// FileLocks hands out write ownership of files to agents sharing a
// sandbox. The first agent to write a path owns it until its run ends;
// other agents writing the same path are refused.
type FileLocks struct {
	mu     sync.Mutex
	owners map[string]string
}

// NewFileLocks creates an empty lock table.
func NewFileLocks() *FileLocks {
	return &FileLocks{owners: make(map[string]string)}
}

// Claim gives path to agentID unless another agent owns it. It returns the
// owner either way.
func (l *FileLocks) Claim(path, agentID string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if owner, ok := l.owners[path]; ok && owner != agentID {
		return owner, false
	}
	l.owners[path] = agentID
	return agentID, true
}

// Release drops every claim held by agentID.
func (l *FileLocks) Release(agentID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for path, owner := range l.owners {
		if owner == agentID {
			delete(l.owners, path)
		}
	}
}

// Owner returns the agent owning path, or "".
func (l *FileLocks) Owner(path string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owners[path]
}

// Hook claims the resolved paths of write-class tools for the calling
// agent. It must follow SandboxHook in the chain.
func (l *FileLocks) Hook() PreHook {
	return PreHook{
		Name: "file_locks",
		Check: func(inv *ToolInvocation, hc HookContext) Decision {
			if hc.Tool.Risk != RiskWrite {
				return Allow()
			}
			for _, path := range inv.ResolvedPaths {
				if owner, ok := l.Claim(path, hc.AgentID); !ok {
					return Deny(fmt.Sprintf("%s is being written by %s; leave it to that agent", path, owner))
				}
			}
			return Allow()
		},
	}
}

// claimingRunner releases an agent's file claims when its run ends.
type claimingRunner struct {
	*Loop
	locks   *FileLocks
	agentID string
}

func (r *claimingRunner) Run(ctx context.Context, input string) (*RunResult, error) {
	defer r.locks.Release(r.agentID)
	return r.Loop.Run(ctx, input)
}
