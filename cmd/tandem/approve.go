package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/buger/jsonparser"

	"github.com/martinemde/tandem/agentloop"
	"github.com/martinemde/tandem/config"
)

// approver answers for the user when a hook flags a tool call. Commands
// matching approved_commands pass; anything else is asked about on the
// terminal when approval is "prompt" and one is attached.
type approver struct {
	allow []*regexp.Regexp
	in    *bufio.Reader
	out   io.Writer

	mu sync.Mutex
}

// newApprover builds the approver for cfg. in is nil when there is no
// terminal to ask.
func newApprover(cfg *config.Config, in io.Reader, out io.Writer) (*approver, error) {
	a := &approver{out: out}
	for _, p := range cfg.ApprovedCommands {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("approved_commands %q: %w", p, err)
		}
		a.allow = append(a.allow, re)
	}
	if cfg.Approval == "prompt" && in != nil {
		a.in = bufio.NewReader(in)
	}
	return a, nil
}

// Approve implements agentloop.Approver.
func (a *approver) Approve(inv *agentloop.ToolInvocation, reason string) bool {
	cmd, _ := jsonparser.GetString(inv.Arguments, "command")
	for _, re := range a.allow {
		if cmd != "" && re.MatchString(cmd) {
			return true
		}
	}
	if a.in == nil {
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	fmt.Fprintf(a.out, "\n%s wants to run: %s\n(%s)\nAllow? [y/N] ", inv.ToolName, cmd, reason)
	line, err := a.in.ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

// terminalInput returns stdin when it is an interactive terminal.
func terminalInput() io.Reader {
	fi, err := os.Stdin.Stat()
	if err != nil || fi.Mode()&os.ModeCharDevice == 0 {
		return nil
	}
	return os.Stdin
}
