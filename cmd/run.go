package cmd

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/dsdown/internal/download"
	"github.com/JakeFAU/dsdown/internal/queue"
)

func newFetchCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "fetch",
		Short:       "Walk the release feed and classify new chapters",
		Args:        cobra.NoArgs,
		Annotations: mutating,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			res, err := a.Pipeline().Fetch(cmd.Context())
			if err != nil {
				return fmt.Errorf("fetch: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Found %d new chapter(s): %d queued, %d ignored, %d awaiting a decision\n",
				res.Total, res.Queued, res.Ignored, res.New)
			return nil
		},
	}
}

func newDrainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Download queued chapters while budget slots are free",
		Args:  cobra.NoArgs,
		Annotations: map[string]string{
			annotationMutates:  "true",
			annotationProgress: "true",
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			res, err := a.Pipeline().Drain(cmd.Context())
			printDrain(cmd.OutOrStdout(), res)
			if err != nil {
				return fmt.Errorf("drain: %w", err)
			}
			return nil
		},
	}
}

func printDrain(out io.Writer, res download.DrainResult) {
	if len(res.Entries) > 0 {
		rows := make([][]string, 0, len(res.Entries))
		for _, e := range res.Entries {
			result := e.Path
			if e.Error != "" {
				result = "failed: " + e.Error
			}
			rows = append(rows, []string{strconv.FormatInt(e.EntryID, 10), result})
		}
		fmt.Fprint(out, renderTable([]string{"Entry", "Result"}, rows, []columnAlignment{alignRight, alignLeft}))
	}
	fmt.Fprintf(out, "Downloaded %d, failed %d\n", res.Downloaded, res.Failed)
	if !res.NextSlotAt.IsZero() {
		fmt.Fprintf(out, "Next slot at %s\n", formatNextSlot(res.NextSlotAt))
	}
}

func newDownloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "download <chapter-url>",
		Short: "Download one chapter now if a budget slot is free",
		Args:  cobra.ExactArgs(1),
		Annotations: map[string]string{
			annotationMutates:  "true",
			annotationProgress: "true",
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			res, err := a.Pipeline().DownloadOne(cmd.Context(), args[0])
			var rl *queue.RateLimitError
			if errors.As(err, &rl) {
				fmt.Fprintf(cmd.OutOrStdout(), "No slot free; the chapter stays queued. Next slot at %s\n",
					formatNextSlot(rl.NextSlotAt))
				return nil
			}
			if err != nil {
				return fmt.Errorf("download: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved %s (%d bytes, %d pages)\n", res.Path, res.Bytes, res.Pages)
			return nil
		},
	}
}

func newSlotsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "slots",
		Short: "Show the rolling download budget",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			st, err := a.Pipeline().Status(cmd.Context())
			if err != nil {
				return err
			}
			rows := [][]string{
				{"Available", fmt.Sprintf("%d of %d", st.Available, st.MaxPerWindow)},
				{"Used in window", strconv.Itoa(st.Used)},
				{"Window", st.Window.String()},
				{"Pending", strconv.Itoa(st.Pending)},
				{"Downloading", strconv.Itoa(st.Downloading)},
				{"Failed", strconv.Itoa(st.Failed)},
			}
			if !st.NextSlotAt.IsZero() {
				rows = append(rows, []string{"Next slot", formatNextSlot(st.NextSlotAt)})
			}
			fmt.Fprint(cmd.OutOrStdout(), renderTable([]string{"Budget", "Value"}, rows, nil))
			return nil
		},
	}
}

func newServeCmd() *cobra.Command {
	var (
		port     int
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:         "serve",
		Short:       "Run the status server, optionally fetching and draining on a schedule",
		Args:        cobra.NoArgs,
		Annotations: mutating,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("port") {
				port = a.Config().Server.Port
			}
			return a.Serve(cmd.Context(), port, interval)
		},
	}
	cmd.Flags().IntVar(&port, "port", 8080, "listen port (defaults to server.port)")
	cmd.Flags().DurationVar(&interval, "interval", 0, "run fetch then drain on this interval; 0 disables")
	return cmd
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "migrate",
		Short:       "Apply registry schema migrations",
		Args:        cobra.NoArgs,
		Annotations: mutating,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			// Opening the registry already applied pending migrations.
			fmt.Fprintf(cmd.OutOrStdout(), "Registry %s at schema version %d\n",
				a.Config().Storage.Driver, a.SchemaVersion())
			return nil
		},
	}
}

func formatNextSlot(at time.Time) string {
	wait := time.Until(at).Round(time.Minute)
	if wait <= 0 {
		return at.Local().Format(time.DateTime) + " (now)"
	}
	return fmt.Sprintf("%s (in %s)", at.Local().Format(time.DateTime), wait)
}
