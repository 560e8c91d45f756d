package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show server health",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get("/api/v1/health")
			if err != nil {
				return fmt.Errorf("get health: %w", err)
			}

			var data map[string]any
			if err := json.Unmarshal(resp.Data, &data); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			fmt.Printf("Status:            %v\n", data["status"])
			fmt.Printf("Version:           %v\n", data["version"])
			fmt.Printf("Uptime:            %v\n", data["uptime"])
			fmt.Printf("Scheduled refresh: %v\n", data["scheduled_refresh"])
			fmt.Printf("Cache driver:      %v\n", data["cache_driver"])
			return nil
		},
	}
}
