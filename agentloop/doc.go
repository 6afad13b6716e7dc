// Package agentloop drives coding agents: the turn loop, the tool execution
// pipeline, the dual-mind coordinator and the sub-agent pool.
//
// A Loop streams one model turn at a time through a TurnStreamer, passes the
// result through an optional Gate, commits it to its History and runs any
// requested tools through a Pipeline. Every step is published as an Event on
// the session's Bus.
//
// # Tools
//
// Tool calls move through a fixed sequence of InvocationStatus values:
// requested, validating, approved or rejected, executing, one of succeeded,
// failed or timed_out, and finally reported. Pre-hooks (sandbox, destructive
// command, mode) may reject a call before it runs; post-hooks observe the
// outcome. The Sandbox fails closed: a path argument that cannot be proven
// to stay under the root is rejected without invoking the tool.
//
// # Dual mind
//
// DualMind pairs an executor Loop with a reviewer Loop. The reviewer sees
// each gated proposal (text and tool calls, never reasoning) and answers
// APPROVE, REVISE or REJECT. Rejected proposals are never committed.
//
// # Quick start
//
//	sandbox, _ := agentloop.NewSandbox("/path/to/project")
//	reg := agentloop.NewToolRegistry()
//	agentloop.RegisterCoreTools(reg, agentloop.DefaultCoreToolOptions())
//
//	bus := agentloop.NewBus()
//	pipeline := agentloop.NewPipeline(agentloop.PipelineConfig{
//		Tools:    reg,
//		Sandbox:  sandbox,
//		PreHooks: []agentloop.PreHook{agentloop.SandboxHook()},
//		Bus:      bus,
//	})
//	loop, _ := agentloop.NewLoop(agentloop.LoopConfig{
//		Base:     agentloop.ProfileFor("anthropic", "").BaseConfig(uuid.NewString(), system, ""),
//		Streamer: unifiedllm.NewClientFromEnv(),
//		Pipeline: pipeline,
//		Bus:      bus,
//	})
//	result, err := loop.Run(ctx, "Add a --verbose flag to main.go")
package agentloop
