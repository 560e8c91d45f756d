package cli

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/me/rollupd/pkg/model"
)

func newRefreshCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Scheduled refresh commands",
	}
	cmd.AddCommand(newRefreshRunCmd(), newRefreshRunsCmd(), newRefreshShowCmd())
	return cmd
}

func newRefreshRunCmd() *cobra.Command {
	var (
		securityContext string
		timezones       []string
		concurrency     int
		workers         []int
		warmup          bool
		throwErrors     bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one scheduled refresh pass for a security context",
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := parseSecurityContext(securityContext)
			if err != nil {
				return err
			}
			body := map[string]any{
				"timezones":             timezones,
				"concurrency":           concurrency,
				"workerIndices":         workers,
				"preAggregationsWarmup": warmup,
				"throwErrors":           throwErrors,
			}
			if sc != nil {
				body["securityContext"] = sc
			}

			resp, err := client.Post("/api/v1/refresh/run", body)
			if isContinueWait(err) {
				fmt.Println("Refresh still in progress, run again to continue.")
				return nil
			}
			if err != nil {
				return fmt.Errorf("run refresh: %w", err)
			}

			var res model.RefreshResult
			if err := json.Unmarshal(resp.Data, &res); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}
			fmt.Printf("Refresh finished: %t (request %s)\n", res.Finished, resp.RequestID)
			return nil
		},
	}

	cmd.Flags().StringVar(&securityContext, "security-context", "", "Security context as inline JSON or YAML")
	cmd.Flags().StringSliceVar(&timezones, "timezone", nil, "Timezone to refresh (repeatable)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Number of refresh workers (0 uses the server setting)")
	cmd.Flags().IntSliceVar(&workers, "worker", nil, "Worker index to run (repeatable, default all)")
	cmd.Flags().BoolVar(&warmup, "warmup", false, "Warm up pre-aggregations with first-partition priority")
	cmd.Flags().BoolVar(&throwErrors, "throw-errors", false, "Fail on refresh errors instead of logging them")
	return cmd
}

func newRefreshRunsCmd() *cobra.Command {
	var (
		limit  int
		offset int
		tenant string
	)

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded refresh runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			q.Set("limit", strconv.Itoa(limit))
			q.Set("offset", strconv.Itoa(offset))
			if tenant != "" {
				q.Set("tenant", tenant)
			}
			resp, err := client.Get("/api/v1/refresh/runs?" + q.Encode())
			if err != nil {
				return fmt.Errorf("list refresh runs: %w", err)
			}

			var runs []model.RefreshRun
			if err := json.Unmarshal(resp.Data, &runs); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}
			if len(runs) == 0 {
				fmt.Println("No refresh runs found.")
				return nil
			}

			fmt.Printf("%-16s  %-24s  %-8s  %-25s  %s\n", "ID", "REQUEST", "FINISHED", "STARTED", "ERROR")
			fmt.Printf("%-16s  %-24s  %-8s  %-25s  %s\n", "--", "-------", "--------", "-------", "-----")
			for _, r := range runs {
				fmt.Printf("%-16s  %-24s  %-8t  %-25s  %s\n", r.ID, r.RequestID, r.Finished, r.StartedAt.Format("2006-01-02T15:04:05Z07:00"), r.Error)
			}

			if resp.Pagination != nil && resp.Pagination.HasMore {
				fmt.Printf("\n(%d of %d shown)\n", len(runs), resp.Pagination.Total)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs")
	cmd.Flags().IntVar(&offset, "offset", 0, "Runs to skip")
	cmd.Flags().StringVar(&tenant, "tenant", "", "Only runs of this tenant key")
	return cmd
}

func newRefreshShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run_id>",
		Short: "Show one refresh run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get("/api/v1/refresh/runs/" + url.PathEscape(args[0]))
			if err != nil {
				return fmt.Errorf("get refresh run: %w", err)
			}

			var r model.RefreshRun
			if err := json.Unmarshal(resp.Data, &r); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			fmt.Printf("Run:      %s\n", r.ID)
			fmt.Printf("  Request:  %s\n", r.RequestID)
			fmt.Printf("  Tenant:   %s\n", r.TenantKey)
			fmt.Printf("  Finished: %t\n", r.Finished)
			if r.Warmup {
				fmt.Println("  Warmup:   true")
			}
			fmt.Printf("  Started:  %s\n", r.StartedAt.Format("2006-01-02T15:04:05Z07:00"))
			if r.CompletedAt != nil {
				fmt.Printf("  Completed: %s\n", r.CompletedAt.Format("2006-01-02T15:04:05Z07:00"))
			}
			if r.Error != "" {
				fmt.Printf("  Error:    %s\n", r.Error)
			}
			return nil
		},
	}
}
