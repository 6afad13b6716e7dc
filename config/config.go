// Package config loads tandem's layered configuration with viper.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const envPrefix = "TANDEM"

// Config holds all configuration values for tandem.
type Config struct {
	Provider        string `mapstructure:"provider" yaml:"provider"`
	Transport       string `mapstructure:"transport" yaml:"transport"`
	Model           string `mapstructure:"model" yaml:"model"`
	MaxTokens       int    `mapstructure:"max_tokens" yaml:"max_tokens"`
	ReasoningEffort string `mapstructure:"reasoning_effort" yaml:"reasoning_effort"`

	ReviewerModel string `mapstructure:"reviewer_model" yaml:"reviewer_model"`
	ReviewPolicy  string `mapstructure:"review_policy" yaml:"review_policy"`
	MaxRejections int    `mapstructure:"max_rejections" yaml:"max_rejections"`
	MaxTurns      int    `mapstructure:"max_turns" yaml:"max_turns"`

	MaxConcurrency int           `mapstructure:"max_concurrency" yaml:"max_concurrency"`
	Stagger        time.Duration `mapstructure:"stagger" yaml:"stagger"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout" yaml:"acquire_timeout"`
	ToolTimeout    time.Duration `mapstructure:"tool_timeout" yaml:"tool_timeout"`
	ParallelTools  bool          `mapstructure:"parallel_tools" yaml:"parallel_tools"`

	SandboxRoot string `mapstructure:"sandbox_root" yaml:"sandbox_root"`
	HooksFile   string `mapstructure:"hooks_file" yaml:"hooks_file"`
	Mode        string `mapstructure:"mode" yaml:"mode"`

	// Approval is how flagged tool calls get approved: "prompt" asks on
	// the terminal, "deny" refuses anything ApprovedCommands does not match.
	Approval         string   `mapstructure:"approval" yaml:"approval"`
	ApprovedCommands []string `mapstructure:"approved_commands" yaml:"approved_commands"`

	DataDir       string `mapstructure:"data_dir" yaml:"data_dir"`
	Persist       bool   `mapstructure:"persist" yaml:"persist"`
	ForwardStream bool   `mapstructure:"forward_stream" yaml:"forward_stream"`

	LogLevel  string `mapstructure:"log_level" yaml:"log_level"`
	LogFile   string `mapstructure:"log_file" yaml:"log_file"`
	LogFormat string `mapstructure:"log_format" yaml:"log_format"`
}

var defaults = map[string]any{
	"provider":          "",
	"transport":         "http",
	"model":             "",
	"max_tokens":        0,
	"reasoning_effort":  "",
	"reviewer_model":    "",
	"review_policy":     "risky",
	"max_rejections":    3,
	"max_turns":         50,
	"max_concurrency":   4,
	"stagger":           200 * time.Millisecond,
	"acquire_timeout":   time.Duration(0),
	"tool_timeout":      2 * time.Minute,
	"parallel_tools":    true,
	"sandbox_root":      "",
	"hooks_file":        ".tandem.hooks.yml",
	"mode":              "normal",
	"approval":          "prompt",
	"approved_commands": []string{},
	"data_dir":          ".tandem",
	"persist":           true,
	"forward_stream":    false,
	"log_level":         "info",
	"log_file":          "",
	"log_format":        "text",
}

// Keys lists every configuration key.
func Keys() []string {
	keys := make([]string, 0, len(defaults))
	for k := range defaults {
		keys = append(keys, k)
	}
	return keys
}

// EnvName returns the environment variable that sets key.
func EnvName(key string) string {
	return envPrefix + "_" + strings.ToUpper(key)
}

// Load loads configuration with full precedence:
// env vars > project config > XDG global config > defaults
func Load() (*Config, error) {
	return LoadWithFlags(nil)
}

// LoadWithFlags is Load with command line flags on top. A flag named like
// a key with dashes for underscores overrides it when set explicitly.
func LoadWithFlags(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for key := range defaults {
		if err := v.BindEnv(key, EnvName(key)); err != nil {
			return nil, fmt.Errorf("binding %s env: %w", key, err)
		}
	}

	if path := GlobalPath(); fileExists(path) {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading global config: %w", err)
		}
	}
	if path := ProjectPath(); fileExists(path) {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	if flags != nil {
		for key := range defaults {
			if f := flags.Lookup(strings.ReplaceAll(key, "_", "-")); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("binding %s flag: %w", key, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return &cfg, nil
}

// Exists returns true if any config file exists (global or project).
func Exists() bool {
	return fileExists(GlobalPath()) || fileExists(ProjectPath())
}

// GlobalPath returns $XDG_CONFIG_HOME/tandem/tandem.yml, falling back to
// ~/.config/tandem/tandem.yml.
func GlobalPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "tandem", "tandem.yml")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "tandem", "tandem.yml")
}

// ProjectPath returns the project-local config path.
func ProjectPath() string {
	return "tandem.yml"
}

// WriteGlobal writes the config to the XDG global location.
func WriteGlobal(cfg *Config) error {
	path := GlobalPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	return write(path, cfg)
}

// WriteProject writes the config to the project-local location.
func WriteProject(cfg *Config) error {
	return write(ProjectPath(), cfg)
}

func write(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	var problems []string
	if c.MaxConcurrency < 1 {
		problems = append(problems, "max_concurrency must be at least 1")
	}
	if c.MaxRejections < 1 {
		problems = append(problems, "max_rejections must be at least 1")
	}
	if c.MaxTurns < 0 {
		problems = append(problems, "max_turns must not be negative")
	}
	if c.Stagger < 0 || c.AcquireTimeout < 0 || c.ToolTimeout < 0 {
		problems = append(problems, "durations must not be negative")
	}
	switch c.Transport {
	case "http", "gollm":
	default:
		problems = append(problems, fmt.Sprintf("unknown transport %q", c.Transport))
	}
	switch c.Approval {
	case "prompt", "deny":
	default:
		problems = append(problems, fmt.Sprintf("unknown approval %q", c.Approval))
	}
	for _, p := range c.ApprovedCommands {
		if _, err := regexp.Compile(p); err != nil {
			problems = append(problems, fmt.Sprintf("approved_commands %q: %v", p, err))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
