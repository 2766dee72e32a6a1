package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/telefwd/internal/model"
)

func channelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channel",
		Short: "Manage monitored source channels",
	}
	cmd.AddCommand(channelListCmd())
	cmd.AddCommand(channelToggleCmd())
	return cmd
}

func channelListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every known channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newControlClient()
			if err != nil {
				return err
			}
			var channels []*model.Channel
			if err := client.do("GET", "/api/channels/", nil, &channels); err != nil {
				return err
			}
			for _, c := range channels {
				fmt.Printf("%s\t%q\tmembers=%d\tforward_enabled=%v\towner=%s\n",
					c.ChannelID, c.Title, c.MemberCount, c.ForwardEnabled, c.OwningSession)
			}
			return nil
		},
	}
}

func channelToggleCmd() *cobra.Command {
	var enabled bool
	cmd := &cobra.Command{
		Use:   "toggle <channel-id>",
		Short: "Enable or disable forwarding for a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newControlClient()
			if err != nil {
				return err
			}
			return client.do("POST", fmt.Sprintf("/api/channels/%s/forwarding", args[0]), map[string]bool{
				"enabled": enabled,
			}, nil)
		},
	}
	cmd.Flags().BoolVar(&enabled, "enabled", true, "whether forwarding should be enabled")
	return cmd
}
