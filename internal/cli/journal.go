package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/powblocks/internal/eventlog"
)

func newJournalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal [file]",
		Short: "Print a session journal",
		Long: `Print the task changes and runtime requests recorded in a session journal.
Without a file the most recent session is shown.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runJournal,
	}
	cmd.Flags().Bool("requests", false, "Also print runtime requests and their responses")
	cmd.Flags().Bool("unfinished", false, "Only list tasks that had not finished when the session ended")
	cmd.Flags().Bool("list", false, "List journal files instead of printing one")
	return cmd
}

func runJournal(cmd *cobra.Command, args []string) error {
	showRequests, _ := cmd.Flags().GetBool("requests")
	unfinished, _ := cmd.Flags().GetBool("unfinished")
	list, _ := cmd.Flags().GetBool("list")

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	layout := a.cfg.Storage.Layout()
	if list {
		paths, err := layout.Journals()
		if err != nil {
			return err
		}
		for _, p := range paths {
			fmt.Fprintln(a.out, p)
		}
		return nil
	}

	path := ""
	if len(args) == 1 {
		path = args[0]
	} else if path, err = layout.LatestJournal(); err != nil {
		return err
	}

	journal, err := eventlog.Read(path)
	if err != nil {
		return err
	}

	if unfinished {
		states := journal.FinalStates()
		for _, id := range journal.Unfinished() {
			fmt.Fprintf(a.out, "%s  %s\n", id, a.format.State(states[id]))
		}
		return nil
	}

	for _, c := range journal.Changes {
		fmt.Fprintln(a.out, a.format.FormatJournalChange(c))
	}
	if showRequests && len(journal.Requests) > 0 {
		fmt.Fprintln(a.out)
		for _, req := range journal.Requests {
			fmt.Fprintln(a.out, a.format.FormatRequest(req))
			if resp, ok := journal.ResponseFor(req.MessageID); ok {
				fmt.Fprintln(a.out, "  "+a.format.FormatResponse(resp))
			}
		}
	}
	return nil
}
