package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/dsdown/internal/pipeline"
)

func newChaptersCmd() *cobra.Command {
	chaptersCmd := &cobra.Command{
		Use:   "chapters",
		Short: "Review chapters awaiting a decision",
	}
	chaptersCmd.AddCommand(newChaptersNewCmd(), newChaptersDismissCmd())
	return chaptersCmd
}

func newChaptersNewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "new",
		Short: "List unprocessed chapters grouped by release date",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			chapters, err := a.Pipeline().ListUnprocessed(cmd.Context())
			if err != nil {
				return err
			}
			if len(chapters) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Nothing new")
				return nil
			}
			var rows [][]string
			for _, group := range pipeline.GroupByDate(chapters) {
				for i, ch := range group.Chapters {
					date := ""
					if i == 0 {
						date = group.Date
					}
					rows = append(rows, []string{date, ch.Title, strings.Join(ch.Tags, ", "), ch.URL})
				}
			}
			fmt.Fprint(cmd.OutOrStdout(), renderTable([]string{"Date", "Title", "Tags", "URL"}, rows, nil))
			return nil
		},
	}
}

func newChaptersDismissCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "dismiss <chapter-url>...",
		Short:       "Mark chapters processed without downloading them",
		Args:        cobra.MinimumNArgs(1),
		Annotations: mutating,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			n, err := a.Pipeline().Dismiss(cmd.Context(), args...)
			fmt.Fprintf(cmd.OutOrStdout(), "Dismissed %d chapter(s)\n", n)
			return err
		},
	}
}
