package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/martinemde/tandem/agentloop"
	"github.com/martinemde/tandem/natsstore"
)

var runFlags struct {
	session    string
	systemFile string
	verbose    bool
}

var runCmd = &cobra.Command{
	Use:   "run [prompt]",
	Short: "Run the executor and reviewer on a task",
	Long: `Run the executor on a task with the reviewer gating its turns.

The prompt is taken from the arguments or, when none are given, from stdin.
Use --session to continue a stored session.`,
	RunE: runRun,
}

func init() {
	f := runCmd.Flags()
	f.StringVarP(&runFlags.session, "session", "s", "", "Resume a stored session by id")
	f.StringVar(&runFlags.systemFile, "system-file", "", "Read the executor's base instructions from this file")
	f.BoolVarP(&runFlags.verbose, "verbose", "v", false, "Also print reviewer text and task progress")
	f.String("review-policy", "", "Which turns the reviewer judges: off, risky or always")
	f.String("reviewer-model", "", "Model for the reviewer (default: the executor's model)")
	f.Int("max-turns", 0, "Stop after this many executor turns")
	f.Int("max-rejections", 0, "Consecutive reviewer rejections before giving up")
	f.String("mode", "", "Tool mode: normal or plan")
	f.Bool("parallel-tools", true, "Run the tool calls of one turn concurrently")
	f.Duration("tool-timeout", 0, "Default deadline for a tool call")
}

func runRun(cmd *cobra.Command, args []string) error {
	input, err := readPrompt(args, cmd.InOrStdin())
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

	ctx := cmd.Context()
	sessionID := runFlags.session
	resume := sessionID != ""
	if !resume {
		sessionID = newSessionID()
	}
	if err := natsstore.ValidateSessionID(sessionID); err != nil {
		return err
	}
	if err := a.prepareTools(sessionID); err != nil {
		return err
	}
	streamer, err := a.streamer()
	if err != nil {
		return err
	}
	system, err := systemPrompt(a.sandbox.Root(), a.cfg.Provider, a.cfg.Model, runFlags.systemFile)
	if err != nil {
		return err
	}
	policy, err := agentloop.ParseReviewPolicy(a.cfg.ReviewPolicy)
	if err != nil {
		return err
	}

	var history *agentloop.History
	if resume {
		if history, err = agentloop.ResumeSession(ctx, a.store, sessionID); err != nil {
			return err
		}
	}

	base := a.base(system)
	reg, _ := a.registry(streamer, base)
	tracker := agentloop.NewFileTracker()
	dm, err := agentloop.NewDualMind(agentloop.DualMindConfig{
		Base:          base,
		History:       history,
		Streamer:      streamer,
		ReviewerModel: a.cfg.ReviewerModel,
		Pipeline:      a.pipeline(reg, tracker),
		Bus:           a.bus,
		Store:         a.store,
		Policy:        policy,
		MaxRejections: a.cfg.MaxRejections,
		MaxTurns:      a.cfg.MaxTurns,
		Tracker:       tracker,
		Logger:        a.logger,
	})
	if err != nil {
		return err
	}

	status := cmd.ErrOrStderr()
	p, sub := attachPrinter(a.bus, cmd.OutOrStdout(), status, runFlags.verbose)
	defer sub.Unsubscribe()

	fmt.Fprintf(status, "session %s\n", sessionID)
	res, err := dm.Run(ctx, input)
	p.finish()

	switch {
	case agentloop.IsCancelled(err):
		fmt.Fprintf(status, "interrupted; resume with: tandem run --session %s\n", sessionID)
		return nil
	case errors.Is(err, agentloop.ErrReviewLimit):
		return fmt.Errorf("the reviewer rejected %d proposals in a row: %w", a.cfg.MaxRejections, err)
	case err != nil && res == nil:
		return err
	}

	fmt.Fprintf(status, "%d turns, %d tool calls, %d input / %d output tokens\n",
		res.Turns, res.ToolCalls, res.Usage.InputTokens, res.Usage.OutputTokens)
	if files := tracker.Files(); len(files) > 0 {
		fmt.Fprintf(status, "files examined: %s\n", strings.Join(files, ", "))
	}
	return err
}

// readPrompt joins args, or reads stdin when there are none.
func readPrompt(args []string, stdin io.Reader) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("reading prompt: %w", err)
	}
	prompt := strings.TrimSpace(string(data))
	if prompt == "" {
		return "", errors.New("no prompt given")
	}
	return prompt, nil
}
