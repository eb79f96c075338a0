package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/tracekeeper/pkg/extract"
	"github.com/ethpandaops/tracekeeper/pkg/store"
)

var (
	statsHour   string
	statsStart  string
	statsEnd    string
	statsModel  string
	statsSystem string
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Maintain and inspect the hourly run statistics",
}

var statsUpdateCmd = &cobra.Command{
	Use:   "update",
	Short: "Recompute the statistics of one hour",
	Args:  cobra.NoArgs,
	RunE:  runStatsUpdate,
}

var statsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the hourly statistics of a time range",
	Args:  cobra.NoArgs,
	RunE:  runStatsShow,
}

func init() {
	rootCmd.AddCommand(statsCmd)
	statsCmd.AddCommand(statsUpdateCmd, statsShowCmd)

	statsUpdateCmd.Flags().StringVar(&statsHour, "hour", "",
		"Hour to recompute, RFC 3339 or epoch milliseconds (default: current hour)")

	statsShowCmd.Flags().StringVar(&statsStart, "start", "",
		"Range start, RFC 3339 or epoch milliseconds (default: 24h before end)")
	statsShowCmd.Flags().StringVar(&statsEnd, "end", "",
		"Range end, RFC 3339 or epoch milliseconds (default: now)")
	statsShowCmd.Flags().StringVar(&statsModel, "model", "", "Only this model name")
	statsShowCmd.Flags().StringVar(&statsSystem, "system", "", "Only this system")
}

// parseTimeFlag parses a timestamp flag, returning fallback when empty.
func parseTimeFlag(name, value string, fallback time.Time) (time.Time, error) {
	if value == "" {
		return fallback, nil
	}

	ms, ok := extract.EpochMillis(value)
	if !ok {
		return time.Time{}, fmt.Errorf("--%s must be RFC 3339 or epoch milliseconds", name)
	}

	return time.UnixMilli(ms).UTC(), nil
}

func runStatsUpdate(cmd *cobra.Command, args []string) error {
	hour, err := parseTimeFlag("hour", statsHour, time.Now().UTC())
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()

	st, db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := st.Stats.RecomputeHour(ctx, hour); err != nil {
		return err
	}

	log.WithField("hour", store.HourKey(hour)).Info("Statistics updated")

	return nil
}

func runStatsShow(cmd *cobra.Command, args []string) error {
	end, err := parseTimeFlag("end", statsEnd, time.Now().UTC())
	if err != nil {
		return err
	}

	start, err := parseTimeFlag("start", statsStart, end.Add(-24*time.Hour))
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()

	st, db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	rows, err := st.Stats.Query(ctx, start, end, store.StatsFilter{
		ModelName: statsModel,
		System:    statsSystem,
	})
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "HOUR\tMODEL\tSYSTEM\tRUNS\tERROR RATE\tAVG MS\tP95 MS\tTOKENS\tUSERS")

	for _, row := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%.2f\t%d\t%d\t%d\t%d\n",
			row.StatHour, row.ModelName, row.System, row.TotalRuns, row.ErrorRate,
			row.AvgDurationMS, row.P95DurationMS, row.TotalTokensSum, row.DistinctUsers)
	}

	return tw.Flush()
}
