package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/dsdown/internal/catalog"
)

func newSeriesCmd() *cobra.Command {
	seriesCmd := &cobra.Command{
		Use:   "series",
		Short: "Follow, ignore and list series",
	}
	seriesCmd.AddCommand(
		newSeriesFollowCmd(),
		newSeriesIgnoreCmd(),
		newSeriesUnfollowCmd(),
		newSeriesListCmd(),
		newSeriesIncludeNameCmd(),
		newSeriesRefreshCmd(),
	)
	return seriesCmd
}

func newSeriesFollowCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "follow <series-url> <download-path>",
		Short:       "Queue future chapters of a series into download-path",
		Args:        cobra.ExactArgs(2),
		Annotations: mutating,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			series, err := a.Pipeline().Follow(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Following %s into %s\n", series.Name, series.DownloadPath)
			return nil
		},
	}
}

func newSeriesIgnoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "ignore <series-url>",
		Short:       "Dismiss future chapters of a series automatically",
		Args:        cobra.ExactArgs(1),
		Annotations: mutating,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			series, err := a.Pipeline().Ignore(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Ignoring %s\n", series.Name)
			return nil
		},
	}
}

func newSeriesUnfollowCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "unfollow <series-url>",
		Short:       "Clear the follow or ignore decision for a series",
		Args:        cobra.ExactArgs(1),
		Annotations: mutating,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			series, err := a.Pipeline().Unfollow(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is no longer classified\n", series.Name)
			return nil
		},
	}
}

func newSeriesIncludeNameCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "include-name <series-url> <true|false>",
		Short:       "Toggle the series name prefix in archive filenames",
		Args:        cobra.ExactArgs(2),
		Annotations: mutating,
		RunE: func(cmd *cobra.Command, args []string) error {
			include, err := strconv.ParseBool(args[1])
			if err != nil {
				return fmt.Errorf("invalid boolean %q", args[1])
			}
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			series, err := a.Pipeline().SetIncludeInFilename(cmd.Context(), args[0], include)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: include name in filename = %t\n", series.Name, series.IncludeNameInFilename)
			return nil
		},
	}
}

func newSeriesRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "refresh <series-url>",
		Short:       "Refetch description, cover and tags of a series",
		Args:        cobra.ExactArgs(1),
		Annotations: mutating,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			series, err := a.Pipeline().RefreshMetadata(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Refreshed %s (%d tags)\n", series.Name, len(series.Tags))
			return nil
		},
	}
}

func newSeriesListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List series, optionally filtered by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			list, err := a.Pipeline().ListSeries(cmd.Context(), catalog.SeriesStatus(status))
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No series")
				return nil
			}
			rows := make([][]string, 0, len(list))
			for _, s := range list {
				state := string(s.Status)
				if state == "" {
					state = "-"
				}
				rows = append(rows, []string{s.Name, state, s.DownloadPath, strconv.FormatBool(s.IncludeNameInFilename), s.URL})
			}
			fmt.Fprint(cmd.OutOrStdout(), renderTable(
				[]string{"Name", "Status", "Path", "Name in file", "URL"}, rows, nil))
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "followed or ignored; empty lists all")
	return cmd
}
