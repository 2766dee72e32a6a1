package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/telefwd/internal/model"
)

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage impersonating client sessions",
	}
	cmd.AddCommand(sessionAddCmd())
	cmd.AddCommand(sessionListCmd())
	cmd.AddCommand(sessionPauseCmd())
	cmd.AddCommand(sessionResumeCmd())
	cmd.AddCommand(sessionRemoveCmd())
	return cmd
}

func sessionAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <phone> <credential>",
		Short: "Register and connect a new impersonating session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newControlClient()
			if err != nil {
				return err
			}
			return client.do("POST", "/api/sessions/", map[string]string{
				"phone": args[0], "credential": args[1],
			}, nil)
		},
	}
}

func sessionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every known session and its state",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newControlClient()
			if err != nil {
				return err
			}
			var sessions []*model.Session
			if err := client.do("GET", "/api/sessions/", nil, &sessions); err != nil {
				return err
			}
			for _, s := range sessions {
				fmt.Printf("%s\tstate=%s\tauto_paused=%v\n", s.Phone, s.State, s.AutoPaused)
			}
			return nil
		},
	}
}

func sessionPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause <phone>",
		Short: "Pause a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newControlClient()
			if err != nil {
				return err
			}
			return client.do("POST", fmt.Sprintf("/api/sessions/%s/pause", args[0]), map[string]string{
				"reason": "manual",
			}, nil)
		},
	}
}

func sessionResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <phone>",
		Short: "Resume a paused session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newControlClient()
			if err != nil {
				return err
			}
			return client.do("POST", fmt.Sprintf("/api/sessions/%s/resume", args[0]), nil, nil)
		},
	}
}

func sessionRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <phone>",
		Short: "Disconnect and forget a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newControlClient()
			if err != nil {
				return err
			}
			return client.do("DELETE", fmt.Sprintf("/api/sessions/%s", args[0]), nil, nil)
		},
	}
}
