package agentloop

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// HookConfigFile is the project-level hook chain definition.
const HookConfigFile = ".tandem.hooks.yml"

// HookSpec names one built-in hook and its settings.
type HookSpec struct {
	Name     string              `yaml:"name"`
	Patterns []string            `yaml:"patterns,omitempty"`
	Allow    map[string][]string `yaml:"allow,omitempty"`
	Path     string              `yaml:"path,omitempty"`
}

// HookConfig is the ordered pre and post hook chains.
type HookConfig struct {
	Pre  []HookSpec `yaml:"pre"`
	Post []HookSpec `yaml:"post"`
}

// DefaultHookConfig is used when no hook file exists.
func DefaultHookConfig() HookConfig {
	return HookConfig{
		Pre:  []HookSpec{{Name: "sandbox"}, {Name: "destructive_command"}, {Name: "mode"}},
		Post: []HookSpec{{Name: "log"}},
	}
}

// LoadHookConfig reads a hook file. A missing file yields the defaults.
func LoadHookConfig(path string) (HookConfig, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return DefaultHookConfig(), nil
	}
	if err != nil {
		return HookConfig{}, fmt.Errorf("reading hook config: %w", err)
	}
	var cfg HookConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return HookConfig{}, fmt.Errorf("parsing hook config %s: %w", path, err)
	}
	return cfg, nil
}

// Hooks is a built hook chain. Close releases files opened by audit hooks.
type Hooks struct {
	Pre  []PreHook
	Post []PostHook

	closers []io.Closer
}

// Close closes any audit files.
func (h *Hooks) Close() error {
	var errs []error
	for _, c := range h.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// BuildHooks turns the config into hook chains. The sandbox hook always
// runs first, whether or not the config names it. Relative audit paths are
// taken from baseDir.
func BuildHooks(cfg HookConfig, baseDir string, logger *slog.Logger) (*Hooks, error) {
	h := &Hooks{}
	hasSandbox := false
	for _, spec := range cfg.Pre {
		if spec.Name == "sandbox" {
			hasSandbox = true
		}
	}
	if !hasSandbox {
		h.Pre = append(h.Pre, SandboxHook())
	}

	for _, spec := range cfg.Pre {
		switch spec.Name {
		case "sandbox":
			h.Pre = append(h.Pre, SandboxHook())
		case "destructive_command":
			hook, err := DestructiveCommandHook(spec.Patterns)
			if err != nil {
				return nil, err
			}
			h.Pre = append(h.Pre, hook)
		case "mode":
			allow := make(map[Mode][]string, len(spec.Allow))
			for mode, names := range spec.Allow {
				allow[Mode(mode)] = names
			}
			h.Pre = append(h.Pre, ModeHook(allow))
		default:
			return nil, fmt.Errorf("unknown pre hook %q", spec.Name)
		}
	}

	for _, spec := range cfg.Post {
		switch spec.Name {
		case "log":
			h.Post = append(h.Post, LogHook(logger))
		case "audit":
			path := spec.Path
			if path == "" {
				path = "tandem-audit.jsonl"
			}
			if !filepath.IsAbs(path) {
				path = filepath.Join(baseDir, path)
			}
			f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
			if err != nil {
				_ = h.Close()
				return nil, fmt.Errorf("opening audit log: %w", err)
			}
			h.closers = append(h.closers, f)
			h.Post = append(h.Post, AuditHook(f))
		default:
			_ = h.Close()
			return nil, fmt.Errorf("unknown post hook %q", spec.Name)
		}
	}
	return h, nil
}
