package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/telefwd/internal/control"
)

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show the engine's current statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newControlClient()
			if err != nil {
				return err
			}
			var stats control.Statistics
			if err := client.do("GET", "/api/stats", nil, &stats); err != nil {
				return err
			}
			fmt.Printf("active sessions:    %d\n", stats.ActiveSessions)
			fmt.Printf("monitored channels: %d\n", stats.MonitoredChannels)
			for _, p := range stats.Metrics {
				fmt.Printf("  %s/%s\tsent=%d\tfailed=%d\tflood=%d\tspam=%d\n",
					p.SessionPhone, p.ChannelID, p.MessagesSent, p.MessagesFailed, p.FloodEvents, p.SpamEvents)
			}
			return nil
		},
	}
}
