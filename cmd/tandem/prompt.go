package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

const maxProjectDocBytes = 32 * 1024

const defaultSystemPrompt = `You are a coding agent working inside a sandboxed project directory.
Use the tools to read, search and change files and to run commands. Paths
are relative to the project root and cannot leave it.
Read before you edit. Keep changes small and verify them by running the
project's tests when you can.
When parts of a task are independent, hand them to spawn_agents.
Finish with a short summary of what you changed.`

// projectDocs lists the instruction files read for each provider. AGENTS.md
// is always read.
var projectDocs = map[string][]string{
	"anthropic": {"CLAUDE.md"},
	"gemini":    {"GEMINI.md"},
	"openai":    {".codex/instructions.md"},
}

// systemPrompt assembles the executor's instructions: the base prompt (or
// the contents of systemFile), project instruction files and an
// environment block.
func systemPrompt(root, provider, model, systemFile string) (string, error) {
	base := defaultSystemPrompt
	if systemFile != "" {
		data, err := os.ReadFile(systemFile)
		if err != nil {
			return "", fmt.Errorf("reading system prompt: %w", err)
		}
		base = strings.TrimSpace(string(data))
	}

	parts := []string{base}
	if docs := loadProjectDocs(root, provider); docs != "" {
		parts = append(parts, docs)
	}
	parts = append(parts, environmentContext(root, model))
	return strings.Join(parts, "\n\n"), nil
}

func loadProjectDocs(root, provider string) string {
	names := append([]string{"AGENTS.md"}, projectDocs[provider]...)
	var docs []string
	total := 0
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(root, name))
		if err != nil {
			continue
		}
		if remaining := maxProjectDocBytes - total; len(data) > remaining {
			data = data[:remaining]
			docs = append(docs, string(data), "[Project instructions truncated at 32KB]")
			break
		}
		total += len(data)
		docs = append(docs, strings.TrimSpace(string(data)))
	}
	return strings.Join(docs, "\n\n---\n\n")
}

func environmentContext(root, model string) string {
	var sb strings.Builder
	sb.WriteString("<environment>\n")
	fmt.Fprintf(&sb, "Project root: %s\n", root)
	fmt.Fprintf(&sb, "Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(&sb, "Today's date: %s\n", time.Now().Format("2006-01-02"))
	if model != "" {
		fmt.Fprintf(&sb, "Model: %s\n", model)
	}
	sb.WriteString("</environment>")
	return sb.String()
}
