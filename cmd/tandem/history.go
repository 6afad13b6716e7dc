package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/martinemde/tandem/agentloop"
)

var historyFlags struct {
	json bool
}

var historyCmd = &cobra.Command{
	Use:   "history [session]",
	Short: "List stored sessions or print one session's turns",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runHistory,
}

var replayFlags struct {
	json bool
	text bool
}

var replayCmd = &cobra.Command{
	Use:   "replay <session>",
	Short: "Print the lifecycle events recorded for a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runReplay,
}

func init() {
	historyCmd.Flags().BoolVar(&historyFlags.json, "json", false, "Print turns as JSON lines")
	replayCmd.Flags().BoolVar(&replayFlags.json, "json", false, "Print events as JSON lines")
	replayCmd.Flags().BoolVar(&replayFlags.text, "text", false, "Render recorded model text instead of event lines")
}

func runHistory(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	store, err := a.natsStore()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if len(args) == 0 {
		sessions, err := store.ListSessions(cmd.Context())
		if err != nil {
			return err
		}
		for _, s := range sessions {
			fmt.Fprintf(out, "%s\t%d turns\n", s.ID, s.Turns)
		}
		return nil
	}

	turns, err := store.LoadSession(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if historyFlags.json {
		return writeJSONLines(out, turns)
	}
	for _, t := range turns {
		writeTurn(out, t)
	}
	return nil
}

func runReplay(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	store, err := a.natsStore()
	if err != nil {
		return err
	}

	events, err := store.LoadEvents(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if replayFlags.json {
		return writeJSONLines(out, events)
	}
	if replayFlags.text {
		p := &printer{out: out, status: out, verbose: true}
		for _, ev := range events {
			p.handle(ev)
		}
		p.finish()
		return nil
	}
	for _, ev := range events {
		writeEvent(out, ev)
	}
	return nil
}

func writeJSONLines[T any](w io.Writer, items []T) error {
	enc := json.NewEncoder(w)
	for _, item := range items {
		if err := enc.Encode(item); err != nil {
			return err
		}
	}
	return nil
}

func writeTurn(w io.Writer, t agentloop.Turn) {
	ts := t.Timestamp.Format("15:04:05")
	switch t.Kind {
	case agentloop.TurnUser:
		fmt.Fprintf(w, "[%s] user: %s\n", ts, t.User.Content)
	case agentloop.TurnAssistant:
		fmt.Fprintf(w, "[%s] assistant #%d: %s\n", ts, t.Number, t.Assistant.Content)
		for _, c := range t.Assistant.ToolCalls {
			fmt.Fprintf(w, "    -> %s %s\n", c.Name, string(c.Arguments))
		}
	case agentloop.TurnToolResults:
		for _, r := range t.ToolResults.Results {
			marker := "ok"
			if r.IsError {
				marker = "error"
			}
			fmt.Fprintf(w, "[%s] %s %s: %s\n", ts, r.ToolName, marker, firstLine(r.Content))
		}
	case agentloop.TurnSteering:
		fmt.Fprintf(w, "[%s] steering (%s): %s\n", ts, t.Steering.Source, t.Steering.Content)
	}
}

func writeEvent(w io.Writer, ev agentloop.Event) {
	var fields []string
	for _, k := range []string{"tool", "status", "speaker", "verdict", "task_id", "reason", "message", "error"} {
		if v, ok := ev.Data[k]; ok {
			fields = append(fields, fmt.Sprintf("%s=%v", k, v))
		}
	}
	role := string(ev.Role)
	if role == "" {
		role = "-"
	}
	fmt.Fprintf(w, "%s %-9s turn=%d %s %s\n", ev.Timestamp.Format("15:04:05.000"), role, ev.Turn, ev.Kind, strings.Join(fields, " "))
}
