package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newConnectionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connections",
		Short: "Data source connection commands",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "test",
		Short: "Test the connections of every cached orchestrator",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := client.Post("/api/v1/connections/test", nil); err != nil {
				return fmt.Errorf("test connections: %w", err)
			}
			fmt.Println("All connections OK.")
			return nil
		},
	})
	return cmd
}
