package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/me/rollupd/pkg/model"
)

func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Background pre-aggregation build jobs",
	}
	cmd.AddCommand(newJobsPostCmd(), newJobsStatusCmd())
	return cmd
}

func newJobsPostCmd() *cobra.Command {
	var flags preAggregationFlags

	cmd := &cobra.Command{
		Use:   "post <pre_aggregation_id>...",
		Short: "Post build jobs and print one token per partition",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := flags.body(args)
			if err != nil {
				return err
			}
			resp, err := client.Post("/api/v1/pre-aggregations/jobs", body)
			if err != nil {
				return fmt.Errorf("post build jobs: %w", err)
			}

			var res struct {
				Tokens []string `json:"tokens"`
			}
			if err := json.Unmarshal(resp.Data, &res); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}
			for _, token := range res.Tokens {
				fmt.Println(token)
			}
			return nil
		},
	}

	flags.register(cmd)
	return cmd
}

// settled reports whether a job will not change status anymore.
func settled(status string) bool {
	return status == model.JobDone || status == model.JobNotFound || strings.HasPrefix(status, "failure")
}

func newJobsStatusCmd() *cobra.Command {
	var (
		securityContext string
		wait            bool
		timeout         time.Duration
		poll            time.Duration
	)

	cmd := &cobra.Command{
		Use:   "status <token>...",
		Short: "Show the status of posted build jobs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := parseSecurityContext(securityContext)
			if err != nil {
				return err
			}
			body := map[string]any{"tokens": args}
			if sc != nil {
				body["securityContext"] = sc
			}

			deadline := time.Now().Add(timeout)
			var jobs []model.BuildJobStatus
			for {
				resp, err := client.Post("/api/v1/pre-aggregations/jobs/status", body)
				if err != nil {
					return fmt.Errorf("build job status: %w", err)
				}
				jobs = nil
				if err := json.Unmarshal(resp.Data, &jobs); err != nil {
					return fmt.Errorf("parse response: %w", err)
				}
				pending := 0
				for _, j := range jobs {
					if !settled(j.Status) {
						pending++
					}
				}
				if !wait || pending == 0 {
					break
				}
				if time.Now().After(deadline) {
					return fmt.Errorf("build jobs: %d still running after %s", pending, timeout)
				}
				logger.Info("waiting", "pending", pending)
				time.Sleep(poll)
			}

			fmt.Printf("%-32s  %-12s  %-28s  %s\n", "TOKEN", "STATUS", "PRE-AGGREGATION", "TABLE")
			for _, j := range jobs {
				fmt.Printf("%-32s  %-12s  %-28s  %s\n", j.Token, j.Status, j.PreAggregationID, j.Table)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&securityContext, "security-context", "", "Security context as inline JSON or YAML")
	cmd.Flags().BoolVar(&wait, "wait", false, "Poll until every job is done or failed")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "Give up waiting after this long")
	cmd.Flags().DurationVar(&poll, "poll", time.Second, "Interval between status polls")
	return cmd
}
