package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"cronguard/internal/app"
	"cronguard/internal/config"
	"cronguard/internal/job"
	"cronguard/internal/registry"
	"cronguard/internal/scanner"
	"cronguard/internal/store"
	"cronguard/internal/tasks"
	"cronguard/internal/trigger"
	logx "cronguard/pkg/logx"

	"github.com/spf13/cobra"
)

func newPlanCmd() *cobra.Command {
	var (
		at       string
		useStore bool
	)
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show each task's schedule, current window and backfill candidates",
		Long: "plan prints what a node would do at startup. With --store it also reads the " +
			"configured store and drops windows that are already recorded, completed or leased.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewConfigManager(flagConfig).Load()
			if err != nil {
				return err
			}
			loc, err := cfg.Location()
			if err != nil {
				return err
			}
			now := time.Now().In(loc)
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at: %w", err)
				}
				now = t.In(loc)
			}

			var sc *scanner.Scanner
			if useStore {
				ctx := cmd.Context()
				st, err := openStore(ctx, cfg)
				if err != nil {
					return err
				}
				defer st.Close()
				entries, err := tasks.Entries(cfg.Tasks, logx.Nop())
				if err != nil {
					return err
				}
				reg, err := registry.New(logx.Nop(), entries...)
				if err != nil {
					return err
				}
				sc = scanner.New(scanner.Config{}, reg, st, nil, logx.Nop(), scanner.WithClock(func() time.Time { return now }))
			}
			return writePlan(cmd.Context(), cmd.OutOrStdout(), cfg, now, sc)
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "evaluate at this RFC3339 instant instead of now")
	cmd.Flags().BoolVar(&useStore, "store", false, "consult the configured store")
	return cmd
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	return store.Open(ctx, app.StoreConfig(cfg), logx.Nop())
}

func writePlan(ctx context.Context, out io.Writer, cfg *config.Config, now time.Time, sc *scanner.Scanner) error {
	fmt.Fprintf(out, "at %s\n\n", now.Format(time.RFC3339))
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tSPEC\tCURRENT WINDOW\tBACKFILL")
	for _, tc := range cfg.Tasks {
		if !tc.Enabled {
			fmt.Fprintf(tw, "%s\t-\tdisabled\t-\n", tc.Name)
			continue
		}
		def, err := tc.Definition()
		if err != nil {
			return err
		}
		spec, err := trigger.Spec(def)
		if err != nil {
			return err
		}
		cur, err := job.CurrentWindow(def, now)
		if err != nil {
			return err
		}
		current := cur.Start.Format("15:04") + "-" + cur.End.Format("15:04")
		if def.Singleton {
			current = "singleton"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", def.Name, spec, current, backfillSummary(ctx, def, now, sc))
	}
	return tw.Flush()
}

func backfillSummary(ctx context.Context, def job.Definition, now time.Time, sc *scanner.Scanner) string {
	if !def.BacktraceScan || def.Singleton {
		return "off"
	}
	var ws []job.Window
	if sc == nil {
		starts, err := job.BackfillStarts(def, now)
		if err != nil {
			return "error: " + err.Error()
		}
		for _, s := range starts {
			ws = append(ws, job.NewWindow(def.Name, s, def.WindowDuration()))
		}
	} else {
		missing, err := sc.Missing(ctx, def, now)
		if err != nil {
			return "error: " + err.Error()
		}
		if ws, err = sc.Filter(ctx, missing); err != nil {
			return "error: " + err.Error()
		}
	}
	switch len(ws) {
	case 0:
		return "none"
	case 1:
		return ws[0].Start.Format("15:04")
	default:
		return fmt.Sprintf("%d windows %s..%s", len(ws), ws[0].Start.Format("01-02 15:04"), ws[len(ws)-1].Start.Format("01-02 15:04"))
	}
}
