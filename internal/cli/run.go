package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/powblocks/internal/blocks"
	"github.com/iambrandonn/powblocks/internal/busy"
	"github.com/iambrandonn/powblocks/internal/config"
	"github.com/iambrandonn/powblocks/internal/engine"
	"github.com/iambrandonn/powblocks/internal/fsutil"
	"github.com/iambrandonn/powblocks/internal/gateway"
	"github.com/iambrandonn/powblocks/internal/ndjson"
	"github.com/iambrandonn/powblocks/internal/task"
	"github.com/iambrandonn/powblocks/internal/transcript"
)

// errTaskFailed makes the process exit non-zero when the task ends in error.
var errTaskFailed = errors.New("task failed")

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [code-file]",
		Short: "Run an action of a code block",
		Long: `Submit an action to the runtime and follow the task until it finishes.

The code comes from a file argument ("-" reads stdin) or from a stored block
(--block, by id or title). Permission prompts are answered from the
permissions policy; prompts the policy leaves open are asked on the terminal
and denied when stdin is not a terminal. Ctrl-C asks the runtime to stop the
task.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runRun,
	}
	cmd.Flags().StringP("action", "a", "", "Action to run (required for code files; optional for single-action blocks)")
	cmd.Flags().StringP("block", "b", "", "Run a stored block, by id or title")
	cmd.Flags().StringArrayP("input", "i", nil, "Action input as key=value (repeatable)")
	cmd.Flags().String("strategy", "", "Transport strategy: push or poll (default from config)")
	cmd.Flags().Bool("detach", false, "Print the task id and return without following the task (http runtime only)")
	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	blockRef, _ := cmd.Flags().GetString("block")
	actionName, _ := cmd.Flags().GetString("action")
	pairs, _ := cmd.Flags().GetStringArray("input")
	strategy, _ := cmd.Flags().GetString("strategy")
	detach, _ := cmd.Flags().GetBool("detach")

	if (blockRef == "") == (len(args) == 0) {
		return fmt.Errorf("give either a code file or --block")
	}
	input, err := config.ParseInputs(pairs)
	if err != nil {
		return err
	}

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.checkDetach(detach); err != nil {
		return err
	}

	var code string
	if blockRef != "" {
		block, err := findBlock(cmd.Context(), a.blocks(), blockRef)
		if err != nil {
			return err
		}
		action, err := block.Action(actionName)
		if err != nil {
			return err
		}
		code, actionName = block.Code, action.Name
	} else {
		if actionName == "" {
			return fmt.Errorf("--action is required when running a code file")
		}
		code, err = readCode(a.in, args[0])
		if err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := a.startEngine(ctx, strategy)
	if err != nil {
		return err
	}
	eng.Watch(printChanges(a))

	id, err := eng.Run(ctx, actionName, input, code)
	if err != nil {
		var subErr *gateway.SubmissionError
		if errors.As(err, &subErr) && subErr.Rejected() {
			return fmt.Errorf("runtime rejected the code: %w", err)
		}
		return err
	}
	if detach {
		fmt.Fprintln(a.out, id)
		return nil
	}
	return follow(ctx, a, eng, id)
}

// readCode reads a code file, or stdin for "-". Code has to fit in one
// runtime message.
func readCode(stdin io.Reader, path string) (string, error) {
	r := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return "", fmt.Errorf("failed to read code: %w", err)
		}
		defer f.Close()
		r = f
	}
	data, err := fsutil.ReadLimit(r, ndjson.MaxMessageSize/2)
	if err != nil {
		return "", fmt.Errorf("failed to read code from %s: %w", path, err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return "", fmt.Errorf("code file %s is empty", path)
	}
	return string(data), nil
}

func findBlock(ctx context.Context, store *blocks.Store, ref string) (*blocks.Block, error) {
	b, err := store.Get(ctx, ref)
	if errors.Is(err, blocks.ErrBlockNotFound) {
		return store.GetByTitle(ctx, ref)
	}
	return b, err
}

// printChanges renders every task change as it happens.
func printChanges(a *app) task.Watcher {
	return func(c task.Change) {
		fmt.Fprintln(a.out, a.format.FormatChange(c))
	}
}

// follow waits for a task to finish. It answers permission prompts and turns
// the first interrupt into a stop request; a second interrupt gives up
// waiting.
func follow(ctx context.Context, a *app, eng *engine.Engine, id string) error {
	indicator := busy.New(a.cfg.Busy, busyPrinter(a.errOut))
	defer indicator.Close()
	eng.Watch(indicator.Watcher(id))
	indicator.Set(true)

	// Snapshots keep flowing after the first interrupt so the stop can
	// converge.
	updates, err := eng.Subscribe(context.WithoutCancel(ctx), id)
	if err != nil {
		return err
	}

	interactive := isTerminal(a.in)
	answers := bufio.NewReader(a.in)
	interrupted := ctx.Done()
	var (
		last     task.Task
		answered *task.PermissionPrompt
	)
	for {
		select {
		case t, ok := <-updates:
			if !ok {
				return finish(a, last)
			}
			last = t
			if t.State != task.StateWaitingForPermission || t.PermissionPrompt == nil {
				answered = nil
				continue
			}
			if answered != nil && *answered == *t.PermissionPrompt {
				continue
			}
			prompt := *t.PermissionPrompt
			answered = &prompt
			if err := answerPrompt(context.WithoutCancel(ctx), a, eng, id, prompt, interactive, answers); err != nil {
				a.logger.Warn().Err(err).Str("task_id", id).Msg("permission decision not delivered")
				fmt.Fprintf(a.errOut, "could not answer permission prompt: %v\n", err)
			}

		case <-interrupted:
			interrupted = nil
			fmt.Fprintf(a.errOut, "stopping task %s (interrupt again to stop waiting)\n", id)
			if err := eng.Stop(context.WithoutCancel(ctx), id); err != nil {
				fmt.Fprintf(a.errOut, "stop failed: %v\n", err)
			}
			second := make(chan os.Signal, 1)
			signal.Notify(second, os.Interrupt)
			defer signal.Stop(second)
			go func() {
				<-second
				fmt.Fprintf(a.errOut, "no longer waiting for task %s\n", id)
				os.Exit(130)
			}()
		}
	}
}

func finish(a *app, last task.Task) error {
	switch last.State {
	case task.StateCompleted:
		fmt.Fprintln(a.out, transcript.FormatValue(last.Result))
		return nil
	case task.StateError:
		return fmt.Errorf("%w: %s", errTaskFailed, last.Error)
	case task.StateStopped:
		return nil
	default:
		return fmt.Errorf("task %s left in state %s", last.ID, last.State)
	}
}

func answerPrompt(ctx context.Context, a *app, eng *engine.Engine, id string, prompt task.PermissionPrompt, interactive bool, answers *bufio.Reader) error {
	resolved, err := eng.Resolve(ctx, id)
	if err != nil || resolved {
		return err
	}
	if !interactive {
		fmt.Fprintf(a.errOut, "denying %s: stdin is not a terminal\n", a.format.FormatPrompt(prompt))
		return eng.Respond(ctx, id, task.DecisionDeny)
	}
	decision, err := askDecision(answers, a.errOut, a.format, prompt)
	if err != nil {
		return err
	}
	return eng.Respond(ctx, id, decision)
}

// askDecision asks until it gets a usable answer. AllowAll is only offered
// for unary prompts.
func askDecision(r *bufio.Reader, w io.Writer, format *transcript.Formatter, prompt task.PermissionPrompt) (task.Decision, error) {
	choices := "[a]llow / [d]eny"
	if prompt.IsUnary {
		choices = "[a]llow / allow a[l]ways / [d]eny"
	}
	for {
		fmt.Fprintf(w, "%s? %s: ", format.FormatPrompt(prompt), choices)
		line, err := r.ReadString('\n')
		answer := strings.ToLower(strings.TrimSpace(line))
		switch {
		case answer == "a" || answer == "allow" || answer == "y" || answer == "yes":
			return task.DecisionAllow, nil
		case answer == "d" || answer == "deny" || answer == "n" || answer == "no":
			return task.DecisionDeny, nil
		case prompt.IsUnary && (answer == "l" || answer == "always" || answer == "allowall"):
			return task.DecisionAllowAll, nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				fmt.Fprintln(w)
				return task.DecisionDeny, nil
			}
			return "", err
		}
		fmt.Fprintf(w, "Invalid answer %q.\n", answer)
	}
}

func busyPrinter(w io.Writer) func(bool) {
	if !isTerminal(w) {
		return func(bool) {}
	}
	return func(visible bool) {
		if visible {
			fmt.Fprint(w, "\r⋯ working")
			return
		}
		fmt.Fprint(w, "\r\033[K")
	}
}
