package agentloop

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// ExecResult holds the result of a command execution.
type ExecResult struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	TimedOut   bool   `json:"timed_out"`
	DurationMs int64  `json:"duration_ms"`
}

// Output returns combined stdout and stderr.
func (r ExecResult) Output() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// DirEntry represents a filesystem directory entry.
type DirEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size,omitempty"`
}

// GrepOptions configures grep behavior.
type GrepOptions struct {
	GlobFilter      string `json:"glob_filter,omitempty"`
	CaseInsensitive bool   `json:"case_insensitive,omitempty"`
	MaxResults      int    `json:"max_results,omitempty"`
}

// ExecutionEnvironment performs the side effects of tools. Paths it
// receives have already been resolved by the sandbox.
type ExecutionEnvironment interface {
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte) error
	ListDirectory(ctx context.Context, path string, depth int) ([]DirEntry, error)

	// ExecCommand runs a shell command. Its deadline comes from ctx.
	ExecCommand(ctx context.Context, command string, workingDir string, envVars map[string]string) (*ExecResult, error)

	Grep(ctx context.Context, pattern string, path string, options GrepOptions) (string, error)
	Glob(ctx context.Context, pattern string, path string) ([]string, error)

	WorkingDirectory() string
	Platform() string
}

// sensitiveEnvPatterns are case-insensitive suffixes for environment variables
// that should be excluded by default.
var sensitiveEnvPatterns = []string{
	"_API_KEY",
	"_SECRET",
	"_TOKEN",
	"_PASSWORD",
	"_CREDENTIAL",
}

// safeEnvVars are always included regardless of filtering.
var safeEnvVars = map[string]bool{
	"PATH": true, "HOME": true, "USER": true, "SHELL": true,
	"LANG": true, "TERM": true, "TMPDIR": true,
	"GOPATH": true, "GOROOT": true, "CARGO_HOME": true,
	"XDG_CONFIG_HOME": true, "XDG_DATA_HOME": true, "XDG_CACHE_HOME": true,
}

func isSensitiveEnvVar(name string) bool {
	upper := strings.ToUpper(name)
	for _, pattern := range sensitiveEnvPatterns {
		if strings.HasSuffix(upper, pattern) {
			return true
		}
	}
	return false
}

// filterEnvironment returns the process environment without secrets.
func filterEnvironment() []string {
	var filtered []string
	for _, env := range os.Environ() {
		name, _, ok := strings.Cut(env, "=")
		if !ok {
			continue
		}
		if safeEnvVars[name] || !isSensitiveEnvVar(name) {
			filtered = append(filtered, env)
		}
	}
	return filtered
}

// LocalExecutionEnvironment runs tools on the local machine.
type LocalExecutionEnvironment struct {
	workingDir string
}

// NewLocalExecutionEnvironment creates a local execution environment.
func NewLocalExecutionEnvironment(workingDir string) *LocalExecutionEnvironment {
	if workingDir == "" {
		workingDir, _ = os.Getwd()
	}
	return &LocalExecutionEnvironment{workingDir: workingDir}
}

func (e *LocalExecutionEnvironment) WorkingDirectory() string {
	return e.workingDir
}

func (e *LocalExecutionEnvironment) Platform() string {
	return runtime.GOOS + "/" + runtime.GOARCH
}

func (e *LocalExecutionEnvironment) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

func (e *LocalExecutionEnvironment) WriteFile(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating parent directory: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func (e *LocalExecutionEnvironment) ListDirectory(ctx context.Context, dir string, depth int) ([]DirEntry, error) {
	if depth <= 0 {
		depth = 1
	}
	var result []DirEntry
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p == dir {
			return nil
		}
		rel, _ := filepath.Rel(dir, p)
		level := strings.Count(rel, string(filepath.Separator)) + 1
		if d.IsDir() && (level >= depth || strings.HasPrefix(d.Name(), ".")) {
			result = append(result, DirEntry{Name: rel, IsDir: true})
			return filepath.SkipDir
		}
		de := DirEntry{Name: rel, IsDir: d.IsDir()}
		if info, err := d.Info(); err == nil && !d.IsDir() {
			de.Size = info.Size()
		}
		result = append(result, de)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (e *LocalExecutionEnvironment) ExecCommand(ctx context.Context, command string, workingDir string, envVars map[string]string) (*ExecResult, error) {
	if workingDir == "" {
		workingDir = e.workingDir
	}

	shell, shellArg := "/bin/bash", "-c"
	if runtime.GOOS == "windows" {
		shell, shellArg = "cmd.exe", "/c"
	}

	cmd := exec.CommandContext(ctx, shell, shellArg, command)
	cmd.Dir = workingDir

	// Run in its own process group so the whole tree dies with the context.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 2 * time.Second

	env := filterEnvironment()
	for k, v := range envVars {
		env = append(env, k+"="+v)
	}
	cmd.Env = env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()

	result := &ExecResult{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			result.TimedOut = true
			result.ExitCode = -1
		case ctx.Err() != nil:
			return result, ctx.Err()
		case errors.As(err, &exitErr):
			result.ExitCode = exitErr.ExitCode()
		default:
			return nil, fmt.Errorf("running command: %w", err)
		}
	}
	return result, nil
}

func (e *LocalExecutionEnvironment) Grep(ctx context.Context, pattern string, path string, options GrepOptions) (string, error) {
	if path == "" {
		path = e.workingDir
	}

	rgPath, err := exec.LookPath("rg")
	if err != nil {
		return e.grepFallback(ctx, pattern, path, options)
	}

	args := []string{"--line-number", "--no-heading"}
	if options.CaseInsensitive {
		args = append(args, "-i")
	}
	if options.GlobFilter != "" {
		args = append(args, "--glob", options.GlobFilter)
	}
	if options.MaxResults > 0 {
		args = append(args, "--max-count", strconv.Itoa(options.MaxResults))
	}
	args = append(args, "--", pattern, path)

	cmd := exec.CommandContext(ctx, rgPath, args...)
	cmd.Dir = e.workingDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		// Exit status 1 means no matches.
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return "", nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("rg: %s", strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

func (e *LocalExecutionEnvironment) grepFallback(ctx context.Context, pattern string, path string, options GrepOptions) (string, error) {
	args := []string{"-rnE"}
	if options.CaseInsensitive {
		args = append(args, "-i")
	}
	if options.GlobFilter != "" {
		args = append(args, "--include="+options.GlobFilter)
	}
	if options.MaxResults > 0 {
		args = append(args, "-m", strconv.Itoa(options.MaxResults))
	}
	args = append(args, "--", pattern, path)

	cmd := exec.CommandContext(ctx, "grep", args...)
	cmd.Dir = e.workingDir
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return "", nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("grep: %w", err)
	}
	return stdout.String(), nil
}

// Glob matches pattern below root. "**" matches any number of directories.
// Results are relative to root, newest first.
func (e *LocalExecutionEnvironment) Glob(ctx context.Context, pattern string, root string) ([]string, error) {
	if root == "" {
		root = e.workingDir
	}
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("glob pattern %q: %w", pattern, err)
	}
	segs := strings.Split(filepath.ToSlash(pattern), "/")

	type match struct {
		rel string
		mod time.Time
	}
	var matches []match
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p == root {
			return nil
		}
		if d.IsDir() && d.Name() == ".git" {
			return filepath.SkipDir
		}
		rel, _ := filepath.Rel(root, p)
		if matchSegments(segs, strings.Split(filepath.ToSlash(rel), "/")) {
			m := match{rel: rel}
			if info, err := d.Info(); err == nil {
				m.mod = info.ModTime()
			}
			matches = append(matches, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].mod.After(matches[j].mod) })
	out := make([]string, len(matches))
	for i, m := range matches {
		out[i] = m.rel
	}
	return out, nil
}

func matchSegments(pattern, name []string) bool {
	if len(pattern) == 0 {
		return len(name) == 0
	}
	if pattern[0] == "**" {
		for i := 0; i <= len(name); i++ {
			if matchSegments(pattern[1:], name[i:]) {
				return true
			}
		}
		return false
	}
	if len(name) == 0 {
		return false
	}
	ok, _ := path.Match(pattern[0], name[0])
	return ok && matchSegments(pattern[1:], name[1:])
}
