package agentloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/martinemde/tandem/unifiedllm"
)

// Pool defaults.
const (
	DefaultMaxConcurrency = 4
	DefaultStagger        = 100 * time.Millisecond
	DefaultAcquireTimeout = 300 * time.Second
)

// Isolation narrows what a sub-agent may touch. Sub-agents are read-only
// explorers unless Writable is set.
type Isolation struct {
	// WorkDir, relative to the parent sandbox root, becomes the task's root.
	WorkDir  string `json:"work_dir,omitempty"`
	Writable bool   `json:"writable,omitempty"`
}

// SubAgentTask is one unit of work for the pool.
type SubAgentTask struct {
	ID        string    `json:"id"`
	Prompt    string    `json:"prompt"`
	Isolation Isolation `json:"isolation"`
}

// TaskStatus is the lifecycle position of a task.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
	TaskRejected  TaskStatus = "rejected"
)

// SubAgentResult is the terminal record of a task.
type SubAgentResult struct {
	TaskID        string        `json:"task_id"`
	Status        TaskStatus    `json:"status"`
	Output        string        `json:"output,omitempty"`
	Err           error         `json:"-"`
	Error         string        `json:"error,omitempty"`
	FilesExamined []string      `json:"files_examined,omitempty"`
	Duration      time.Duration `json:"duration"`
	TurnsUsed     int           `json:"turns_used"`
}

// TaskRunner is what a LoopFactory builds. *Loop implements it.
type TaskRunner interface {
	Run(ctx context.Context, input string) (*RunResult, error)
	FilesExamined() []string
}

// LoopFactory builds the runner for one task over its own history branch.
type LoopFactory func(ctx context.Context, task SubAgentTask, sc *SessionContext) (TaskRunner, error)

// PoolConfig bounds a Pool.
type PoolConfig struct {
	MaxConcurrency int
	Stagger        time.Duration
	AcquireTimeout time.Duration

	// Session is the parent context every task branches from.
	Session *SessionContext
	Bus     *Bus
	Logger  *slog.Logger
}

// Pool runs sub-agent tasks with bounded concurrency. The bound holds
// across every Run and Start on the same pool.
type Pool struct {
	cfg     PoolConfig
	factory LoopFactory
	sem     *semaphore.Weighted
	emit    emitter
	logger  *slog.Logger

	staggerMu sync.Mutex
	nextStart time.Time
}

// NewPool creates a pool. Zero config values take the defaults.
func NewPool(cfg PoolConfig, factory LoopFactory) *Pool {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if cfg.Stagger == 0 {
		cfg.Stagger = DefaultStagger
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultAcquireTimeout
	}
	if cfg.Session == nil {
		cfg.Session = NewSessionContext(&BaseConfig{}, nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Pool{
		cfg:     cfg,
		factory: factory,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		logger:  cfg.Logger,
		emit: emitter{
			bus:       cfg.Bus,
			sessionID: cfg.Session.Base.SessionID,
			agentID:   "pool",
			role:      RoleExecutor,
		},
	}
}

// Run executes tasks and returns their results in completion order.
func (p *Pool) Run(ctx context.Context, tasks []SubAgentTask) []SubAgentResult {
	results := make([]SubAgentResult, 0, len(tasks))
	for r := range p.Start(ctx, tasks) {
		results = append(results, r)
	}
	return results
}

// Start launches tasks and streams their results as each finishes. The
// channel closes once every task reached a terminal state.
func (p *Pool) Start(ctx context.Context, tasks []SubAgentTask) <-chan SubAgentResult {
	out := make(chan SubAgentResult, len(tasks))
	var wg sync.WaitGroup
	for _, task := range tasks {
		if task.ID == "" {
			task.ID = uuid.NewString()
		}
		p.progress(task.ID, TaskQueued, nil)
		wg.Add(1)
		go func() {
			defer wg.Done()
			out <- p.runTask(ctx, task)
		}()
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

func (p *Pool) runTask(ctx context.Context, task SubAgentTask) SubAgentResult {
	start := time.Now()
	res := SubAgentResult{TaskID: task.ID}
	finish := func(status TaskStatus, err error) SubAgentResult {
		res.Status = status
		res.Err = err
		if err != nil {
			res.Error = err.Error()
		}
		res.Duration = time.Since(start)
		p.progress(task.ID, status, &res)
		return res
	}

	actx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	err := p.sem.Acquire(actx, 1)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return finish(TaskCancelled, &CancelledError{Op: "task " + task.ID, Err: ctx.Err()})
		}
		p.logger.Warn("pool exhausted", "task_id", task.ID, "waited", p.cfg.AcquireTimeout)
		return finish(TaskRejected, &PoolExhaustedError{TaskID: task.ID, Waited: p.cfg.AcquireTimeout})
	}
	defer p.sem.Release(1)

	if err := p.stagger(ctx); err != nil {
		return finish(TaskCancelled, &CancelledError{Op: "task " + task.ID, Err: err})
	}
	p.progress(task.ID, TaskRunning, nil)

	runner, err := p.factory(ctx, task, p.cfg.Session.Branch())
	if err != nil {
		return finish(TaskFailed, fmt.Errorf("building agent for task %s: %w", task.ID, err))
	}
	out, err := runner.Run(ctx, task.Prompt)
	res.FilesExamined = runner.FilesExamined()
	if out != nil {
		res.Output = out.Output
		res.TurnsUsed = out.Turns
	}
	switch {
	case err != nil && (IsCancelled(err) || ctx.Err() != nil):
		return finish(TaskCancelled, err)
	case err != nil:
		return finish(TaskFailed, err)
	}
	return finish(TaskCompleted, nil)
}

// stagger spaces successive task starts by the configured delay. Each
// caller reserves its start time before sleeping.
func (p *Pool) stagger(ctx context.Context) error {
	if p.cfg.Stagger <= 0 {
		return ctx.Err()
	}
	p.staggerMu.Lock()
	now := time.Now()
	at := p.nextStart
	if at.Before(now) {
		at = now
	}
	p.nextStart = at.Add(p.cfg.Stagger)
	p.staggerMu.Unlock()

	wait := time.Until(at)
	if wait <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) progress(taskID string, status TaskStatus, res *SubAgentResult) {
	data := map[string]any{"task_id": taskID, "status": string(status)}
	if res != nil {
		data["duration_ms"] = res.Duration.Milliseconds()
		data["turns_used"] = res.TurnsUsed
		if res.Error != "" {
			data["error"] = res.Error
		}
	}
	p.emit.emit(EventTaskProgress, 0, data)
}

// SubAgentDeps is what DefaultSubAgentFactory builds each task's loop from.
type SubAgentDeps struct {
	Streamer  TurnStreamer
	Tools     *ToolRegistry
	Sandbox   *Sandbox
	PreHooks  []PreHook
	PostHooks []PostHook
	Bus       *Bus
	Parallel  bool
	MaxTurns  int
	Logger    *slog.Logger

	ToolTimeout time.Duration
	Approve     Approver
	// Locks coordinates writable tasks. Nil gives the factory its own table.
	Locks *FileLocks
}

// DefaultSubAgentFactory builds an executor loop per task. The sandbox is
// narrowed to the task's WorkDir and spawn_agents is never offered. Tasks
// get only read-class tools unless they are writable; writable tasks claim
// each file they write for the length of their run.
func DefaultSubAgentFactory(deps SubAgentDeps) LoopFactory {
	locks := deps.Locks
	if locks == nil {
		locks = NewFileLocks()
	}
	return func(ctx context.Context, task SubAgentTask, sc *SessionContext) (TaskRunner, error) {
		if deps.Sandbox == nil {
			return nil, errors.New("sub-agents require a sandbox")
		}
		sandbox := deps.Sandbox
		if task.Isolation.WorkDir != "" {
			narrowed, err := sandbox.Narrow(task.Isolation.WorkDir)
			if err != nil {
				return nil, err
			}
			sandbox = narrowed
		}
		tools := deps.Tools
		if tools == nil {
			tools = NewToolRegistry()
		}
		tools = tools.Filter(func(t *RegisteredTool) bool {
			if t.Definition.Name == SpawnAgentsTool {
				return false
			}
			return task.Isolation.Writable || t.Risk == RiskRead
		})

		tracker := NewFileTracker()
		agentID := "subagent-" + task.ID
		pre := deps.PreHooks
		if task.Isolation.Writable {
			pre = append(append([]PreHook(nil), deps.PreHooks...), locks.Hook())
		}
		post := append(append([]PostHook(nil), deps.PostHooks...), tracker.Hook())
		pipeline := NewPipeline(PipelineConfig{
			Tools:     tools,
			Env:       NewLocalExecutionEnvironment(sandbox.Root()),
			Sandbox:   sandbox,
			PreHooks:  pre,
			PostHooks: post,
			Bus:       deps.Bus,
			SessionID: sc.Base.SessionID,
			AgentID:   agentID,
			Role:      RoleExecutor,
			Parallel:  deps.Parallel,
			Logger:    deps.Logger,

			DefaultTimeout: deps.ToolTimeout,
			Approve:        deps.Approve,
		})
		loop, err := NewLoop(LoopConfig{
			Role:     RoleExecutor,
			AgentID:  agentID,
			Base:     sc.Base,
			History:  sc.History,
			Streamer: deps.Streamer,
			Pipeline: pipeline,
			Bus:      deps.Bus,
			MaxTurns: deps.MaxTurns,
			Tracker:  tracker,
			Logger:   deps.Logger,
		})
		if err != nil {
			return nil, err
		}
		return &claimingRunner{Loop: loop, locks: locks, agentID: agentID}, nil
	}
}

// SpawnAgentsTool is the name of the pool's tool.
const SpawnAgentsTool = "spawn_agents"

type spawnAgentsArgs struct {
	Tasks []spawnTaskArgs `json:"tasks" jsonschema:"required,description=Independent sub-tasks to run in parallel"`
}

type spawnTaskArgs struct {
	Prompt   string `json:"prompt" jsonschema:"required,description=Complete instructions for the sub-agent"`
	WorkDir  string `json:"work_dir,omitempty" jsonschema:"description=Subdirectory the sub-agent is confined to"`
	Writable bool   `json:"writable,omitempty" jsonschema:"description=Give the sub-agent write and shell tools; it can only read otherwise"`
}

// RegisterPoolTool exposes the pool to a loop as the spawn_agents tool.
func RegisterPoolTool(reg *ToolRegistry, pool *Pool) {
	reg.Register(RegisteredTool{
		Definition: unifiedllm.ToolDefinition{
			Name:        SpawnAgentsTool,
			Description: "Run independent sub-tasks in parallel sub-agents and wait for their results.",
			Parameters:  Schema[spawnAgentsArgs](),
		},
		Risk:    RiskExec,
		Timeout: pool.cfg.AcquireTimeout + 30*time.Minute,
		Executor: func(ctx context.Context, inv *ToolInvocation, _ ExecutionEnvironment) (string, error) {
			args, err := decodeArgs[spawnAgentsArgs](inv)
			if err != nil {
				return "", err
			}
			if len(args.Tasks) == 0 {
				return "", errors.New("tasks is required")
			}
			tasks := make([]SubAgentTask, len(args.Tasks))
			order := make(map[string]int, len(args.Tasks))
			for i, t := range args.Tasks {
				id := fmt.Sprintf("%s-%d", inv.CallID, i+1)
				tasks[i] = SubAgentTask{
					ID:        id,
					Prompt:    t.Prompt,
					Isolation: Isolation{WorkDir: t.WorkDir, Writable: t.Writable},
				}
				order[id] = i
			}

			results := make([]SubAgentResult, len(tasks))
			for _, r := range pool.Run(ctx, tasks) {
				results[order[r.TaskID]] = r
			}
			if err := ctx.Err(); err != nil {
				return FormatSubAgentResults(results), err
			}
			return FormatSubAgentResults(results), nil
		},
	})
}

// FormatSubAgentResults renders results in the given order for a model or a terminal.
func FormatSubAgentResults(results []SubAgentResult) string {
	var sb strings.Builder
	for i, r := range results {
		if i > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "## Task %d (%s, %d turns, %s)\n", i+1, r.Status, r.TurnsUsed, r.Duration.Round(time.Millisecond))
		if r.Output != "" {
			sb.WriteString(r.Output)
			sb.WriteString("\n")
		}
		if r.Error != "" {
			fmt.Fprintf(&sb, "Error: %s\n", r.Error)
		}
		if len(r.FilesExamined) > 0 {
			fmt.Fprintf(&sb, "Files examined: %s\n", strings.Join(r.FilesExamined, ", "))
		}
	}
	return sb.String()
}
