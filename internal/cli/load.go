package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/me/rollupd/pkg/model"
)

func newLoadCmd() *cobra.Command {
	var (
		securityContext string
		query           model.QueryRequest
		timeout         time.Duration
		poll            time.Duration
	)

	cmd := &cobra.Command{
		Use:   "load",
		Short: "Run a query, waiting for pre-aggregations it needs",
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := parseSecurityContext(securityContext)
			if err != nil {
				return err
			}
			body := map[string]any{"query": query}
			if sc != nil {
				body["securityContext"] = sc
			}

			// One request ID for every poll so the server joins the running query.
			reqID := "cli_" + uuid.New().String()[:8]
			deadline := time.Now().Add(timeout)
			var resp *apiResponse
			for {
				resp, err = client.PostWithID("/api/v1/load", body, reqID)
				if !isContinueWait(err) {
					break
				}
				if time.Now().After(deadline) {
					return fmt.Errorf("load: still waiting after %s", timeout)
				}
				if resp != nil && resp.Error != nil && resp.Error.Stage != nil {
					logger.Info("waiting", "stage", resp.Error.Stage.Stage, "elapsed", resp.Error.Stage.TimeElapsed)
				}
				time.Sleep(poll)
			}
			if err != nil {
				return fmt.Errorf("load: %w", err)
			}

			var res model.Result
			if err := json.Unmarshal(resp.Data, &res); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(res.Data)
		},
	}

	cmd.Flags().StringVar(&securityContext, "security-context", "", "Security context as inline JSON or YAML")
	cmd.Flags().StringSliceVar(&query.Measures, "measure", nil, "Measure member (repeatable)")
	cmd.Flags().StringSliceVar(&query.Dimensions, "dimension", nil, "Dimension member (repeatable)")
	cmd.Flags().StringVar(&query.TimeDimension, "time-dimension", "", "Time dimension member")
	cmd.Flags().StringVar(&query.Granularity, "granularity", "", "Time dimension granularity")
	cmd.Flags().StringVar(&query.Timezone, "timezone", "UTC", "Query timezone")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "Give up waiting after this long")
	cmd.Flags().DurationVar(&poll, "poll", time.Second, "Interval between continue-wait polls")
	return cmd
}
