package cmd

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/dsdown/internal/pipeline"
)

func newQueueCmd() *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the download queue",
	}
	queueCmd.AddCommand(
		newQueueListCmd(),
		newQueueAddCmd(),
		newQueueRemoveCmd(),
		newQueueResetCmd(),
		newQueueFailedCmd(),
	)
	return queueCmd
}

func newQueueListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pending and downloading entries in drain order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			items, err := a.Pipeline().QueueList(cmd.Context())
			if err != nil {
				return err
			}
			if len(items) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty")
				return nil
			}
			rows := make([][]string, 0, len(items))
			for _, item := range items {
				rows = append(rows, []string{
					strconv.FormatInt(item.ID, 10),
					strconv.Itoa(item.Priority),
					string(item.Status),
					item.AddedAt.Local().Format(time.DateTime),
					item.Chapter.Title,
				})
			}
			fmt.Fprint(cmd.OutOrStdout(), renderQueue(rows, "Added"))
			return nil
		},
	}
}

func newQueueFailedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "failed",
		Short: "List failed entries with their errors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			items, err := a.Pipeline().QueueFailed(cmd.Context())
			if err != nil {
				return err
			}
			if len(items) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No failed entries")
				return nil
			}
			rows := make([][]string, 0, len(items))
			for _, item := range items {
				rows = append(rows, []string{
					strconv.FormatInt(item.ID, 10),
					strconv.Itoa(item.Priority),
					string(item.Status),
					item.ErrorMessage,
					item.Chapter.Title,
				})
			}
			fmt.Fprint(cmd.OutOrStdout(), renderQueue(rows, "Error"))
			return nil
		},
	}
}

func renderQueue(rows [][]string, fourth string) string {
	return renderTable(
		[]string{"ID", "Priority", "Status", fourth, "Chapter"},
		rows,
		[]columnAlignment{alignRight, alignRight, alignLeft, alignLeft, alignLeft},
	)
}

func newQueueAddCmd() *cobra.Command {
	var priority int
	cmd := &cobra.Command{
		Use:         "add <chapter-url>",
		Short:       "Queue a chapter, registering it first when unknown",
		Args:        cobra.ExactArgs(1),
		Annotations: mutating,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			entry, created, err := a.Pipeline().QueueAdd(cmd.Context(), args[0], priority)
			if err != nil {
				return err
			}
			if !created {
				fmt.Fprintf(cmd.OutOrStdout(), "Already queued as entry %d (%s)\n", entry.ID, entry.Status)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Queued entry %d at priority %d\n", entry.ID, entry.Priority)
			return nil
		},
	}
	cmd.Flags().IntVar(&priority, "priority", 0, "higher priorities drain first")
	return cmd
}

func newQueueRemoveCmd() *cobra.Command {
	return entryCmd("remove <id>", "Remove a pending or failed entry", "Removed",
		func(p *pipeline.Pipeline, cmd *cobra.Command, id int64) error {
			return p.QueueRemove(cmd.Context(), id)
		})
}

func newQueueResetCmd() *cobra.Command {
	return entryCmd("reset <id>", "Move a failed or interrupted entry back to pending", "Reset",
		func(p *pipeline.Pipeline, cmd *cobra.Command, id int64) error {
			return p.QueueReset(cmd.Context(), id)
		})
}

func entryCmd(use, short, verb string, action func(*pipeline.Pipeline, *cobra.Command, int64) error) *cobra.Command {
	return &cobra.Command{
		Use:         use,
		Short:       short,
		Args:        cobra.ExactArgs(1),
		Annotations: mutating,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid entry id %q", args[0])
			}
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := action(a.Pipeline(), cmd, id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s entry %d\n", verb, id)
			return nil
		},
	}
}
