package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/powblocks/internal/replay"
)

func newReplayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay <task-id>",
		Short: "Run a previous task again",
		Long: `Submit a new task with the same action, input and code as a finished task
from history, then follow it like run does.`,
		Args: cobra.ExactArgs(1),
		RunE: runReplay,
	}
	cmd.Flags().String("strategy", "", "Transport strategy: push or poll (default from config)")
	cmd.Flags().Bool("detach", false, "Print the new task id and return without following the task (http runtime only)")
	return cmd
}

func runReplay(cmd *cobra.Command, args []string) error {
	strategy, _ := cmd.Flags().GetString("strategy")
	detach, _ := cmd.Flags().GetBool("detach")

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.checkDetach(detach); err != nil {
		return err
	}

	original, err := a.history().Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if !replay.CanReplay(original.State) {
		return fmt.Errorf("task %s is %s and cannot be replayed", original.ID, original.State)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := a.startEngine(ctx, strategy)
	if err != nil {
		return err
	}
	eng.Watch(printChanges(a))

	id, err := eng.Replay(ctx, original.ID)
	if err != nil {
		return err
	}
	if detach {
		fmt.Fprintln(a.out, id)
		return nil
	}
	return follow(ctx, a, eng, id)
}
