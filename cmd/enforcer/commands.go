package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/consisteso/enforcer/internal/ipc"
)

var (
	configPath string
	settleDay  string

	rootCmd = &cobra.Command{
		Use:           "enforcer",
		Short:         "Local rule enforcement daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the evaluation scheduler",
		RunE:  runServe,
	}

	tickCmd = &cobra.Command{
		Use:   "tick",
		Short: "Run one evaluation pass and print the report",
		RunE:  runTick,
	}

	settleCmd = &cobra.Command{
		Use:   "settle",
		Short: "Settle a day (today by default)",
		RunE:  runSettle,
	}

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show debt, streak and pending executions",
		RunE:  runStatus,
	}

	rulesCmd = &cobra.Command{
		Use:   "rules",
		Short: "Inspect rules",
	}

	rulesListCmd = &cobra.Command{
		Use:   "list",
		Short: "List every rule",
		RunE:  runRulesList,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "enforcer %s (commit=%s, built=%s)\n", version, commit, date)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to configuration file (JSON or YAML)")
	settleCmd.Flags().StringVar(&settleDay, "day", "", "day to settle, YYYY-MM-DD")

	rulesCmd.AddCommand(rulesListCmd)
	rootCmd.AddCommand(serveCmd, tickCmd, settleCmd, statusCmd, rulesCmd, versionCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := openApp(configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := ipc.NewServer(a.handler(), a.registry, a.cfg.ListenAddr)
	sched := a.scheduler()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("enforcer listening", "url", formatListenURL(a.cfg.ListenAddr))
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		err := sched.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("shutting down")
		sched.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func runTick(cmd *cobra.Command, _ []string) error {
	a, err := openApp(configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.engine.Tick(cmd.Context(), time.Now())
	if err != nil {
		return err
	}
	return printJSON(cmd, report)
}

func runSettle(cmd *cobra.Command, _ []string) error {
	a, err := openApp(configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	now := time.Now()
	day := now.In(a.engine.Location())
	if settleDay != "" {
		day, err = time.ParseInLocation(time.DateOnly, settleDay, a.engine.Location())
		if err != nil {
			return fmt.Errorf("--day must be YYYY-MM-DD: %w", err)
		}
	}
	report, err := a.engine.SettleDay(cmd.Context(), day, now)
	if err != nil {
		return err
	}
	return printJSON(cmd, report)
}

func runStatus(cmd *cobra.Command, _ []string) error {
	a, err := openApp(configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	s, err := a.engine.State.Get(ctx)
	if err != nil {
		return err
	}
	debt, err := a.engine.Ledger.Head(ctx)
	if err != nil {
		return err
	}
	pending, err := a.engine.Tracker.Pending(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Active debt:   %s min (peak %s, multiplier x%.2f)\n",
		humanize.Comma(int64(debt.ActiveDebtMinutes)), humanize.Comma(int64(debt.PeakDebtMinutes)), debt.CurrentMultiplier)
	fmt.Fprintf(out, "Streak:        %d days (longest %d)\n", s.CurrentPerfectDays, s.LongestPerfectStreak)
	fmt.Fprintf(out, "Skip tokens:   %d\n", s.SkipTokensAvailable)
	fmt.Fprintf(out, "Suspicion:     %.2f", s.GlobalSuspicion)
	if s.SilentPunishmentActive {
		fmt.Fprint(out, " (silent punishment active)")
	}
	fmt.Fprintln(out)
	if s.BoringModeLevel > 0 {
		fmt.Fprintf(out, "Boring mode:   level %d, %s\n", s.BoringModeLevel, s.BoringModeReason)
	}

	if len(pending) == 0 {
		fmt.Fprintln(out, "No pending executions.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "EXECUTION\tRULE\tOPENED")
	for _, e := range pending {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", e.ID, e.RuleID, humanize.Time(time.Unix(e.CreatedAt, 0)))
	}
	return tw.Flush()
}

func runRulesList(cmd *cobra.Command, _ []string) error {
	a, err := openApp(configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	rules, err := a.engine.Rules(cmd.Context())
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tTRIGGER\tCONSEQUENCE\tACTIVE\tMISS RATE")
	for _, r := range rules {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%.0f%%\n", r.ID, r.Name, r.Trigger.Kind, r.Consequence.Kind, r.Active, r.MissRate()*100)
	}
	return tw.Flush()
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
