package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/powblocks/internal/blocks"
)

func newBlocksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "blocks",
		Short: "Manage stored code blocks",
	}
	cmd.AddCommand(newBlocksListCmd(), newBlocksShowCmd(), newBlocksAddCmd(), newBlocksRemoveCmd())
	return cmd
}

func newBlocksListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored blocks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			list, err := a.blocks().List(cmd.Context())
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Fprintln(a.out, "No blocks stored.")
				return nil
			}
			for _, b := range list {
				names := make([]string, len(b.Actions))
				for i, action := range b.Actions {
					names[i] = action.Name
				}
				fmt.Fprintf(a.out, "%s  %-24s  %s\n", b.ID, b.Title, strings.Join(names, ", "))
			}
			return nil
		},
	}
}

func newBlocksShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id-or-title>",
		Short: "Show a block and its code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			b, err := findBlock(cmd.Context(), a.blocks(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%s (%s)\n", b.Title, b.ID)
			if b.Description != "" {
				fmt.Fprintln(a.out, b.Description)
			}
			fmt.Fprintln(a.out, "actions:")
			for _, action := range b.Actions {
				if action.Description != "" {
					fmt.Fprintf(a.out, "  %s: %s\n", action.Name, action.Description)
				} else {
					fmt.Fprintf(a.out, "  %s\n", action.Name)
				}
			}
			fmt.Fprintln(a.out, "code:")
			fmt.Fprintln(a.out, strings.TrimRight(b.Code, "\n"))
			return nil
		},
	}
}

func newBlocksAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Store a code block",
		Long: `Store a code block with the actions its code exports.

Actions are given as name or name:description and can be repeated.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			title, _ := cmd.Flags().GetString("title")
			description, _ := cmd.Flags().GetString("description")
			codeFile, _ := cmd.Flags().GetString("code-file")
			raw, _ := cmd.Flags().GetStringArray("action")

			actions, err := parseActions(raw)
			if err != nil {
				return err
			}

			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			code, err := readCode(a.in, codeFile)
			if err != nil {
				return err
			}
			b := &blocks.Block{
				Title:       title,
				Description: description,
				Code:        code,
				Actions:     actions,
			}
			if err := a.blocks().Create(cmd.Context(), b); err != nil {
				return err
			}
			fmt.Fprintln(a.out, b.ID)
			return nil
		},
	}
	cmd.Flags().StringP("title", "t", "", "Block title (unique)")
	cmd.Flags().StringP("description", "d", "", "Block description")
	cmd.Flags().StringP("code-file", "f", "", `File with the block's code ("-" reads stdin)`)
	cmd.Flags().StringArrayP("action", "a", nil, "Exported action as name or name:description (repeatable)")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("code-file")
	return cmd
}

func parseActions(values []string) ([]blocks.Action, error) {
	actions := make([]blocks.Action, 0, len(values))
	for _, v := range values {
		name, description, _ := strings.Cut(v, ":")
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("invalid action %q: expected name or name:description", v)
		}
		actions = append(actions, blocks.Action{Name: name, Description: strings.TrimSpace(description)})
	}
	return actions, nil
}

func newBlocksRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "rm <id-or-title>",
		Aliases: []string{"remove"},
		Short:   "Delete a stored block",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			store := a.blocks()
			b, err := findBlock(cmd.Context(), store, args[0])
			if err != nil {
				return err
			}
			if err := store.Delete(cmd.Context(), b.ID); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Deleted %s (%s)\n", b.Title, b.ID)
			return nil
		},
	}
}
