package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/me/rollupd/pkg/model"
)

type preAggregationFlags struct {
	securityContext string
	timezones       []string
	partitions      []string
	cacheOnly       bool
}

func (f *preAggregationFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.securityContext, "security-context", "", "Security context as inline JSON or YAML")
	cmd.Flags().StringSliceVar(&f.timezones, "timezone", []string{"UTC"}, "Timezone (repeatable)")
	cmd.Flags().StringSliceVar(&f.partitions, "partition", nil, "Only these partition tables (repeatable)")
	cmd.Flags().BoolVar(&f.cacheOnly, "cache-only", false, "Only load refresh keys, never build")
}

// body builds the request shared by the partitions and build endpoints.
func (f *preAggregationFlags) body(ids []string) (map[string]any, error) {
	sc, err := parseSecurityContext(f.securityContext)
	if err != nil {
		return nil, err
	}
	selectors := make([]model.PreAggregationSelector, len(ids))
	for i, id := range ids {
		selectors[i] = model.PreAggregationSelector{ID: id, CacheOnly: f.cacheOnly, Partitions: f.partitions}
	}
	body := map[string]any{
		"timezones":       f.timezones,
		"preAggregations": selectors,
	}
	if sc != nil {
		body["securityContext"] = sc
	}
	return body, nil
}

func newPartitionsCmd() *cobra.Command {
	var flags preAggregationFlags

	cmd := &cobra.Command{
		Use:   "partitions <pre_aggregation_id>...",
		Short: "Show the partition plan of pre-aggregations",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := flags.body(args)
			if err != nil {
				return err
			}
			resp, err := client.Post("/api/v1/pre-aggregations/partitions", body)
			if err != nil {
				return fmt.Errorf("plan partitions: %w", err)
			}

			var plans []model.PreAggregationPartitions
			if err := json.Unmarshal(resp.Data, &plans); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			for _, p := range plans {
				fmt.Printf("%s (%d partitions)\n", p.PreAggregation.ID, len(p.Partitions))
				for _, part := range p.Partitions {
					rng := ""
					if part.BuildRange != nil {
						rng = part.BuildRange[0] + " .. " + part.BuildRange[1]
					}
					fmt.Printf("  %-48s  %-10s  %s\n", part.TableName, part.Timezone, rng)
				}
				for _, e := range p.Errors {
					fmt.Printf("  error: %s\n", e)
				}
			}
			return nil
		},
	}

	flags.register(cmd)
	return cmd
}

func newBuildCmd() *cobra.Command {
	var (
		flags       preAggregationFlags
		force       bool
		wait        bool
		concurrency int
	)

	cmd := &cobra.Command{
		Use:   "build <pre_aggregation_id>...",
		Short: "Build pre-aggregation partitions with their dependencies",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := flags.body(args)
			if err != nil {
				return err
			}
			body["throwErrors"] = wait
			if cmd.Flags().Changed("force") {
				body["forceBuildPreAggregations"] = force
			}
			if concurrency > 0 {
				body["preAggregationLoadConcurrency"] = concurrency
			}

			resp, err := client.Post("/api/v1/pre-aggregations/build", body)
			if err != nil {
				return fmt.Errorf("build pre-aggregations: %w", err)
			}

			var res struct {
				Finished bool `json:"finished"`
			}
			if err := json.Unmarshal(resp.Data, &res); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}
			if res.Finished {
				fmt.Printf("Build finished (request %s)\n", resp.RequestID)
			} else {
				fmt.Printf("Build started in background (request %s)\n", resp.RequestID)
			}
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().BoolVar(&force, "force", true, "Rebuild partitions even when refresh keys are unchanged")
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait for the build and report its errors")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Partitions built in parallel")
	return cmd
}
