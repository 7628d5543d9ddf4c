package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newTasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List finished tasks from history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			tasks, err := a.history().List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				fmt.Fprintln(a.out, "No tasks recorded.")
				return nil
			}
			for _, t := range tasks {
				fmt.Fprintln(a.out, a.format.FormatTask(t))
			}
			return nil
		},
	}
	cmd.Flags().IntP("limit", "n", 20, "Maximum number of tasks to list (0 for all)")

	cmd.AddCommand(&cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task from history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			t, err := a.history().Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprint(a.out, a.format.FormatTaskDetail(t))
			return nil
		},
	})
	return cmd
}
