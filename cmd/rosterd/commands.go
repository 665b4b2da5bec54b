package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"rosterd/internal/app"
	"rosterd/internal/jobs"
	"rosterd/internal/storage"
	logx "rosterd/pkg/logx"
)

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:   "rosterd",
		Short: "Background job scheduler for the roster admin backend",
		Long: `rosterd runs the periodic maintenance and data-sync jobs of the roster
admin backend. Jobs with the same name never overlap, and jobs sharing a
channel run one at a time in FIFO order.

Examples:
  rosterd serve --config /etc/rosterd/config.yaml
  rosterd run joblog-retention
  rosterd history --task wallets --limit 20
  rosterd config check`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.json", "path to config (json, yaml or toml)")

	root.AddCommand(
		newServeCmd(&cfgPath),
		newRunCmd(&cfgPath),
		newHistoryCmd(&cfgPath),
		newConfigCmd(&cfgPath),
	)
	return root
}

func newServeCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, admin server and notifier until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := app.New(*cfgPath)
			if err != nil {
				return err
			}
			return a.Run(cmd.Context())
		},
	}
}

func newRunCmd(cfgPath *string) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "run <task>",
		Short: "Run one configured task now and wait for it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(*cfgPath)
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			info, err := a.RunTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, info)
			}
			printJob(out, info)
			if info.Result == jobs.ResultFailure {
				return errors.Newf("task %s failed", info.Task)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the job as JSON")
	return cmd
}

func printJob(w io.Writer, info jobs.Info) {
	fmt.Fprintf(w, "job #%d %s: %s", info.ID, info.Task, info.Result)
	if !info.StartTime.IsZero() && !info.FinishTime.IsZero() {
		fmt.Fprintf(w, " in %s", info.FinishTime.Sub(info.StartTime).Round(time.Millisecond))
	}
	fmt.Fprintln(w)
	for _, e := range info.Errors {
		fmt.Fprintf(w, "  error: %s\n", e)
	}
	for _, warn := range info.Warnings {
		fmt.Fprintf(w, "  warning: %s\n", warn)
	}
}

func newHistoryCmd(cfgPath *string) *cobra.Command {
	var (
		task   string
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent job runs from the job-run log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := app.CheckConfig(*cfgPath)
			if err != nil {
				return err
			}
			st, err := app.OpenStore(cfg, logx.Nop())
			if err != nil {
				return err
			}
			defer st.Close()

			runs, err := st.RecentRuns(cmd.Context(), storage.RunFilter{TaskName: task, Limit: limit})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, runs)
			}
			printRuns(out, runs)
			return nil
		},
	}
	cmd.Flags().StringVar(&task, "task", "", "only runs of this task")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print runs as JSON")
	return cmd
}

func printRuns(w io.Writer, runs []storage.JobRun) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "no job runs recorded")
		return
	}
	fmt.Fprintf(w, "%-8s %-24s %-25s %-10s %s\n", "ID", "TASK", "STARTED", "RESULT", "TOOK")
	for _, r := range runs {
		result, took := "running", "-"
		if r.Finished() {
			result = r.Result
			took = r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		fmt.Fprintf(w, "%-8d %-24s %-25s %-10s %s\n", r.ID, r.TaskName, r.StartedAt.Format(time.RFC3339), result, took)
	}
}

func newConfigCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration file",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Validate the config, including task kinds, params and schedules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := app.CheckConfig(*cfgPath)
			if err != nil {
				return err
			}
			enabled := 0
			for _, t := range cfg.Tasks {
				if !t.Disabled {
					enabled++
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d tasks, %d enabled)\n", *cfgPath, len(cfg.Tasks), enabled)
			return nil
		},
	})
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
