package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/martinemde/tandem/agentloop"
)

var fanoutFlags struct {
	tasksFile string
	workDir   string
	writable  bool
	verbose   bool
}

var fanoutCmd = &cobra.Command{
	Use:   "fanout [prompt...]",
	Short: "Run independent tasks on a pool of sub-agents",
	Long: `Run independent tasks in parallel sub-agents and print their results in
the order given.

Each argument is one task. A YAML file passed with --tasks may instead list
tasks with their own work_dir and writable settings. Tasks only get
read-only tools unless they are writable:

  tasks:
    - prompt: summarize the parser package
      work_dir: parser
    - prompt: fix the failing lexer test
      work_dir: parser
      writable: true`,
	RunE: runFanout,
}

func init() {
	f := fanoutCmd.Flags()
	f.StringVarP(&fanoutFlags.tasksFile, "tasks", "t", "", "YAML file listing tasks")
	f.StringVar(&fanoutFlags.workDir, "work-dir", "", "Confine argument tasks to this subdirectory")
	f.BoolVarP(&fanoutFlags.writable, "write", "w", false, "Give argument tasks write and shell tools")
	f.BoolVarP(&fanoutFlags.verbose, "verbose", "v", false, "Print task progress")
	f.Int("max-concurrency", 0, "Sub-agents running at once")
	f.Duration("stagger", 0, "Delay between sub-agent starts")
	f.Duration("acquire-timeout", 0, "How long a task waits for a free slot")
	f.Int("max-turns", 0, "Stop each sub-agent after this many turns")
}

type taskFile struct {
	Tasks []struct {
		ID       string `yaml:"id"`
		Prompt   string `yaml:"prompt"`
		WorkDir  string `yaml:"work_dir"`
		Writable bool   `yaml:"writable"`
	} `yaml:"tasks"`
}

// loadTasks reads tasks from a YAML file.
func loadTasks(path string) ([]agentloop.SubAgentTask, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading tasks: %w", err)
	}
	var tf taskFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("parsing tasks %s: %w", path, err)
	}
	tasks := make([]agentloop.SubAgentTask, 0, len(tf.Tasks))
	for i, t := range tf.Tasks {
		if t.Prompt == "" {
			return nil, fmt.Errorf("task %d has no prompt", i+1)
		}
		tasks = append(tasks, agentloop.SubAgentTask{
			ID:        t.ID,
			Prompt:    t.Prompt,
			Isolation: agentloop.Isolation{WorkDir: t.WorkDir, Writable: t.Writable},
		})
	}
	return tasks, nil
}

func argTasks(args []string, iso agentloop.Isolation) []agentloop.SubAgentTask {
	tasks := make([]agentloop.SubAgentTask, len(args))
	for i, prompt := range args {
		tasks[i] = agentloop.SubAgentTask{Prompt: prompt, Isolation: iso}
	}
	return tasks
}

// numberTasks gives unnamed tasks an id from their position and maps ids
// back to positions.
func numberTasks(tasks []agentloop.SubAgentTask) (map[string]int, error) {
	order := make(map[string]int, len(tasks))
	for i := range tasks {
		if tasks[i].ID == "" {
			tasks[i].ID = fmt.Sprintf("task-%d", i+1)
		}
		if _, dup := order[tasks[i].ID]; dup {
			return nil, fmt.Errorf("duplicate task id %q", tasks[i].ID)
		}
		order[tasks[i].ID] = i
	}
	return order, nil
}

func runFanout(cmd *cobra.Command, args []string) error {
	var tasks []agentloop.SubAgentTask
	if fanoutFlags.tasksFile != "" {
		loaded, err := loadTasks(fanoutFlags.tasksFile)
		if err != nil {
			return err
		}
		tasks = loaded
	}
	tasks = append(tasks, argTasks(args, agentloop.Isolation{WorkDir: fanoutFlags.workDir, Writable: fanoutFlags.writable})...)
	if len(tasks) == 0 {
		return errors.New("no tasks given")
	}
	order, err := numberTasks(tasks)
	if err != nil {
		return err
	}

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			a.logger.Warn("shutdown", "error", err)
		}
	}()

	if err := a.prepareTools(newSessionID()); err != nil {
		return err
	}
	streamer, err := a.streamer()
	if err != nil {
		return err
	}
	system, err := systemPrompt(a.sandbox.Root(), a.cfg.Provider, a.cfg.Model, "")
	if err != nil {
		return err
	}

	reg := agentloop.NewToolRegistry()
	agentloop.RegisterCoreTools(reg, agentloop.DefaultCoreToolOptions())
	pool := a.pool(streamer, a.base(system), reg)

	if fanoutFlags.verbose {
		_, sub := attachPrinter(a.bus, cmd.ErrOrStderr(), cmd.ErrOrStderr(), true)
		defer sub.Unsubscribe()
	}

	results := make([]agentloop.SubAgentResult, len(tasks))
	for _, r := range pool.Run(cmd.Context(), tasks) {
		results[order[r.TaskID]] = r
	}

	fmt.Fprint(cmd.OutOrStdout(), agentloop.FormatSubAgentResults(results))

	failed := 0
	for _, r := range results {
		if r.Status != agentloop.TaskCompleted {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d tasks did not complete", failed, len(tasks))
	}
	return nil
}
