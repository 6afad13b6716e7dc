package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/martinemde/tandem/agentloop"
	"github.com/martinemde/tandem/eventbus"
	"github.com/martinemde/tandem/unifiedllm"
)

// printer writes a plain line-oriented view of the event stream: model
// text to out, everything else to status.
type printer struct {
	out    io.Writer
	status io.Writer
	// verbose also prints reviewer text and task progress.
	verbose bool

	mu       sync.Mutex
	midLine  bool
	lastRole agentloop.Role
}

func attachPrinter(bus *agentloop.Bus, out, status io.Writer, verbose bool) (*printer, eventbus.Subscription) {
	p := &printer{out: out, status: status, verbose: verbose}
	return p, bus.Subscribe(p.handle)
}

func (p *printer) handle(ev agentloop.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch ev.Kind {
	case agentloop.EventStream:
		if ev.Stream == nil || ev.Stream.Kind != unifiedllm.EventTextDelta {
			return
		}
		if ev.Role == agentloop.RoleReviewer && !p.verbose {
			return
		}
		if ev.Role != p.lastRole && p.midLine {
			p.newline()
		}
		p.lastRole = ev.Role
		fmt.Fprint(p.out, ev.Stream.Text)
		p.midLine = !strings.HasSuffix(ev.Stream.Text, "\n")
	case agentloop.EventTurnCompleted:
		p.newline()
	case agentloop.EventToolRequested:
		p.newline()
		fmt.Fprintf(p.status, "-> %s %s\n", ev.Data["tool"], ev.Data["arguments"])
	case agentloop.EventToolCompleted:
		if status, _ := ev.Data["status"].(string); status != string(agentloop.StatusSucceeded) {
			output, _ := ev.Data["output"].(string)
			fmt.Fprintf(p.status, "<- %s %s: %s\n", ev.Data["tool"], status, firstLine(output))
		}
	case agentloop.EventToolApproval:
		p.newline()
		verdict := "denied"
		if approved, _ := ev.Data["approved"].(bool); approved {
			verdict = "approved"
		}
		fmt.Fprintf(p.status, "%s %s: %v\n", verdict, ev.Data["tool"], ev.Data["reason"])
	case agentloop.EventDialogue:
		p.newline()
		speaker, _ := ev.Data["speaker"].(string)
		switch {
		case ev.Data["error"] != nil:
			fmt.Fprintf(p.status, "[%s] review failed: %v\n", speaker, ev.Data["error"])
		case ev.Data["verdict"] != nil:
			fmt.Fprintf(p.status, "[%s] %s\n", speaker, ev.Data["verdict"])
		}
	case agentloop.EventTaskProgress:
		if p.verbose {
			fmt.Fprintf(p.status, "[task %s] %s\n", ev.Data["task_id"], ev.Data["status"])
		}
	case agentloop.EventLoopDetection, agentloop.EventWarning:
		p.newline()
		fmt.Fprintf(p.status, "warning: %v\n", ev.Data["message"])
	case agentloop.EventError:
		p.newline()
		fmt.Fprintf(p.status, "error: %v\n", ev.Data["error"])
	case agentloop.EventInterrupted:
		p.newline()
		fmt.Fprintf(p.status, "interrupted: %v\n", ev.Data["reason"])
	}
}

// finish ends a partial line of model text.
func (p *printer) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.newline()
}

func (p *printer) newline() {
	if p.midLine {
		fmt.Fprintln(p.out)
		p.midLine = false
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}
