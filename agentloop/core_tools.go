package agentloop

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/martinemde/tandem/unifiedllm"
)

// CoreToolOptions configures the shared core tools.
type CoreToolOptions struct {
	ShellTimeout    time.Duration
	ShellMaxTimeout time.Duration
	FileTimeout     time.Duration
}

// DefaultCoreToolOptions returns the stock deadlines.
func DefaultCoreToolOptions() CoreToolOptions {
	return CoreToolOptions{
		ShellTimeout:    2 * time.Minute,
		ShellMaxTimeout: 10 * time.Minute,
		FileTimeout:     30 * time.Second,
	}
}

type readFileArgs struct {
	Path   string `json:"path" jsonschema:"required,description=Path of the file to read relative to the working directory"`
	Offset int    `json:"offset,omitempty" jsonschema:"description=1-based line number to start reading from"`
	Limit  int    `json:"limit,omitempty" jsonschema:"description=Maximum number of lines to read,default=2000"`
}

type writeFileArgs struct {
	Path    string `json:"path" jsonschema:"required,description=Path of the file to write"`
	Content string `json:"content" jsonschema:"required,description=The full file content"`
}

type editFileArgs struct {
	Path       string `json:"path" jsonschema:"required,description=Path of the file to edit"`
	OldString  string `json:"old_string" jsonschema:"required,description=Exact text to find in the file"`
	NewString  string `json:"new_string" jsonschema:"required,description=Replacement text"`
	ReplaceAll bool   `json:"replace_all,omitempty" jsonschema:"description=Replace every occurrence instead of requiring a unique match"`
}

type listDirArgs struct {
	Path  string `json:"path,omitempty" jsonschema:"description=Directory to list. Defaults to the working directory"`
	Depth int    `json:"depth,omitempty" jsonschema:"description=How many levels to descend,default=1"`
}

type grepArgs struct {
	Pattern         string `json:"pattern" jsonschema:"required,description=Regular expression to search for"`
	Path            string `json:"path,omitempty" jsonschema:"description=File or directory to search. Defaults to the working directory"`
	GlobFilter      string `json:"glob_filter,omitempty" jsonschema:"description=Only search files matching this glob such as *.go"`
	CaseInsensitive bool   `json:"case_insensitive,omitempty" jsonschema:"description=Ignore case"`
	MaxResults      int    `json:"max_results,omitempty" jsonschema:"description=Maximum matches per file,default=100"`
}

type globArgs struct {
	Pattern string `json:"pattern" jsonschema:"required,description=Glob pattern such as **/*.go"`
	Path    string `json:"path,omitempty" jsonschema:"description=Base directory. Defaults to the working directory"`
}

type shellArgs struct {
	Command     string `json:"command" jsonschema:"required,description=The command to run"`
	TimeoutMs   int    `json:"timeout_ms,omitempty" jsonschema:"description=Override the default timeout in milliseconds"`
	WorkingDir  string `json:"working_dir,omitempty" jsonschema:"description=Directory to run in. Defaults to the working directory"`
	Description string `json:"description,omitempty" jsonschema:"description=What this command does"`
}

// RegisterCoreTools registers the file, search and shell tools.
func RegisterCoreTools(reg *ToolRegistry, opts CoreToolOptions) {
	if opts.ShellTimeout == 0 {
		opts = DefaultCoreToolOptions()
	}
	reg.Register(RegisteredTool{
		Definition: unifiedllm.ToolDefinition{
			Name:        "read_file",
			Description: "Read a file. Returns line-numbered content.",
			Parameters:  Schema[readFileArgs](),
		},
		Executor: readFile,
		PathArgs: []string{"path"},
		Risk:     RiskRead,
		Timeout:  opts.FileTimeout,
	})
	reg.Register(RegisteredTool{
		Definition: unifiedllm.ToolDefinition{
			Name:        "write_file",
			Description: "Write content to a file, creating parent directories as needed.",
			Parameters:  Schema[writeFileArgs](),
		},
		Executor: writeFile,
		PathArgs: []string{"path"},
		Risk:     RiskWrite,
		Timeout:  opts.FileTimeout,
	})
	reg.Register(RegisteredTool{
		Definition: unifiedllm.ToolDefinition{
			Name:        "edit_file",
			Description: "Replace an exact string in a file. old_string must be unique unless replace_all is set.",
			Parameters:  Schema[editFileArgs](),
		},
		Executor: editFile,
		PathArgs: []string{"path"},
		Risk:     RiskWrite,
		Timeout:  opts.FileTimeout,
	})
	reg.Register(RegisteredTool{
		Definition: unifiedllm.ToolDefinition{
			Name:        "list_dir",
			Description: "List a directory.",
			Parameters:  Schema[listDirArgs](),
		},
		Executor: listDir,
		PathArgs: []string{"path"},
		Risk:     RiskRead,
		Timeout:  opts.FileTimeout,
	})
	reg.Register(RegisteredTool{
		Definition: unifiedllm.ToolDefinition{
			Name:        "grep",
			Description: "Search file contents with a regular expression. Returns matching lines with paths and line numbers.",
			Parameters:  Schema[grepArgs](),
		},
		Executor: grep,
		PathArgs: []string{"path"},
		Risk:     RiskRead,
		Timeout:  opts.FileTimeout,
	})
	reg.Register(RegisteredTool{
		Definition: unifiedllm.ToolDefinition{
			Name:        "glob",
			Description: "Find files matching a glob pattern, newest first.",
			Parameters:  Schema[globArgs](),
		},
		Executor: glob,
		PathArgs: []string{"path"},
		Risk:     RiskRead,
		Timeout:  opts.FileTimeout,
	})
	reg.Register(RegisteredTool{
		Definition: unifiedllm.ToolDefinition{
			Name:        "shell",
			Description: "Execute a shell command. Returns stdout, stderr and the exit code.",
			Parameters:  Schema[shellArgs](),
		},
		Executor:   shell,
		PathArgs:   []string{"working_dir"},
		Risk:       RiskExec,
		Timeout:    opts.ShellTimeout,
		MaxTimeout: opts.ShellMaxTimeout,
	})
}

func readFile(ctx context.Context, inv *ToolInvocation, env ExecutionEnvironment) (string, error) {
	args, err := decodeArgs[readFileArgs](inv)
	if err != nil {
		return "", err
	}
	p, err := inv.Path("path")
	if err != nil {
		return "", err
	}
	data, err := env.ReadFile(ctx, p)
	if err != nil {
		return "", err
	}
	lines := strings.Split(string(data), "\n")
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}

	start := 0
	if args.Offset > 0 {
		start = args.Offset - 1
	}
	if start >= len(lines) {
		return "", nil
	}
	limit := args.Limit
	if limit <= 0 {
		limit = 2000
	}
	end := min(len(lines), start+limit)

	var sb strings.Builder
	for i := start; i < end; i++ {
		fmt.Fprintf(&sb, "%d | %s\n", i+1, lines[i])
	}
	return sb.String(), nil
}

func writeFile(ctx context.Context, inv *ToolInvocation, env ExecutionEnvironment) (string, error) {
	args, err := decodeArgs[writeFileArgs](inv)
	if err != nil {
		return "", err
	}
	p, err := inv.Path("path")
	if err != nil {
		return "", err
	}
	if err := env.WriteFile(ctx, p, []byte(args.Content)); err != nil {
		return "", err
	}
	return fmt.Sprintf("Wrote %d bytes to %s", len(args.Content), args.Path), nil
}

func editFile(ctx context.Context, inv *ToolInvocation, env ExecutionEnvironment) (string, error) {
	args, err := decodeArgs[editFileArgs](inv)
	if err != nil {
		return "", err
	}
	if args.OldString == "" {
		return "", fmt.Errorf("old_string is required")
	}
	p, err := inv.Path("path")
	if err != nil {
		return "", err
	}
	data, err := env.ReadFile(ctx, p)
	if err != nil {
		return "", err
	}
	content := string(data)

	count := strings.Count(content, args.OldString)
	if count == 0 {
		return "", fmt.Errorf("old_string not found in %s", args.Path)
	}
	if count > 1 && !args.ReplaceAll {
		return "", fmt.Errorf("old_string found %d times in %s; add context to make it unique or set replace_all", count, args.Path)
	}
	if args.ReplaceAll {
		content = strings.ReplaceAll(content, args.OldString, args.NewString)
	} else {
		content = strings.Replace(content, args.OldString, args.NewString, 1)
		count = 1
	}
	if err := env.WriteFile(ctx, p, []byte(content)); err != nil {
		return "", err
	}
	return fmt.Sprintf("Replaced %d occurrence(s) in %s", count, args.Path), nil
}

func listDir(ctx context.Context, inv *ToolInvocation, env ExecutionEnvironment) (string, error) {
	args, err := decodeArgs[listDirArgs](inv)
	if err != nil {
		return "", err
	}
	p, err := inv.Path("path")
	if err != nil {
		return "", err
	}
	entries, err := env.ListDirectory(ctx, p, args.Depth)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "(empty directory)", nil
	}
	var sb strings.Builder
	for _, e := range entries {
		if e.IsDir {
			fmt.Fprintf(&sb, "%s/\n", e.Name)
			continue
		}
		fmt.Fprintf(&sb, "%s (%d bytes)\n", e.Name, e.Size)
	}
	return sb.String(), nil
}

func grep(ctx context.Context, inv *ToolInvocation, env ExecutionEnvironment) (string, error) {
	args, err := decodeArgs[grepArgs](inv)
	if err != nil {
		return "", err
	}
	if args.Pattern == "" {
		return "", fmt.Errorf("pattern is required")
	}
	p, err := inv.Path("path")
	if err != nil {
		return "", err
	}
	if args.MaxResults <= 0 {
		args.MaxResults = 100
	}
	out, err := env.Grep(ctx, args.Pattern, p, GrepOptions{
		GlobFilter:      args.GlobFilter,
		CaseInsensitive: args.CaseInsensitive,
		MaxResults:      args.MaxResults,
	})
	if err != nil {
		return "", err
	}
	if out == "" {
		return "No matches found.", nil
	}
	return out, nil
}

func glob(ctx context.Context, inv *ToolInvocation, env ExecutionEnvironment) (string, error) {
	args, err := decodeArgs[globArgs](inv)
	if err != nil {
		return "", err
	}
	if args.Pattern == "" {
		return "", fmt.Errorf("pattern is required")
	}
	p, err := inv.Path("path")
	if err != nil {
		return "", err
	}
	matches, err := env.Glob(ctx, args.Pattern, p)
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "No files matched the pattern.", nil
	}
	return strings.Join(matches, "\n"), nil
}

func shell(ctx context.Context, inv *ToolInvocation, env ExecutionEnvironment) (string, error) {
	args, err := decodeArgs[shellArgs](inv)
	if err != nil {
		return "", err
	}
	if args.Command == "" {
		return "", fmt.Errorf("command is required")
	}
	dir, err := inv.Path("working_dir")
	if err != nil {
		return "", err
	}

	result, err := env.ExecCommand(ctx, args.Command, dir, nil)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString(result.Output())
	if result.TimedOut {
		fmt.Fprintf(&sb, "\n\n[ERROR: Command timed out after %dms. Partial output is shown above.]", result.DurationMs)
	} else if result.ExitCode != 0 {
		fmt.Fprintf(&sb, "\n\n[Exit code: %d]", result.ExitCode)
	}
	return sb.String(), nil
}
