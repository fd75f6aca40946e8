package cli

import (
	"github.com/spf13/cobra"

	"feed-orchestrator/internal/app"
)

var eventsLimit int

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show recent feed events",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Events(cmd.Context(), app.EventsOptions{Limit: eventsLimit})
	},
}

func init() {
	eventsCmd.Flags().IntVar(&eventsLimit, "limit", 20, "Number of events to display")
}
