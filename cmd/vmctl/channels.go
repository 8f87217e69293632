package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/visualmatrix/api/internal/model"
)

var (
	channelName     string
	channelProvider string
	channelBaseURL  string
	channelAPIKey   string
	channelsJSON    bool
)

var channelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "Manage provider channels",
}

var channelsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List channels with their models",
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := openRuntime(cmd.Context())
		if err != nil {
			return err
		}
		channels, err := r.Channels.ListChannels(cmd.Context())
		if err != nil {
			return err
		}
		if channelsJSON {
			return printJSON(channels)
		}
		for _, ch := range channels {
			fmt.Printf("%d  %-20s  provider=%-10s active=%-5t healthy=%-5t latency=%dms  %s\n",
				ch.ID, ch.Name, ch.Provider, ch.Active, ch.Healthy, ch.LatencyMs, ch.BaseURL)
			for _, m := range ch.Models {
				fmt.Printf("    model %d  %-28s kind=%-10s priority=%d active=%t available=%t\n",
					m.ID, m.Name, m.Kind, m.Priority, m.Active, m.Available)
			}
		}
		return nil
	},
}

var channelsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a channel",
	RunE: func(cmd *cobra.Command, args []string) error {
		if channelName == "" || channelBaseURL == "" {
			return fmt.Errorf("--name and --base-url are required")
		}
		r, err := openRuntime(cmd.Context())
		if err != nil {
			return err
		}
		ch, err := r.Channels.CreateChannel(cmd.Context(), &model.CreateChannelRequest{
			Name:     channelName,
			Provider: channelProvider,
			BaseURL:  channelBaseURL,
			APIKey:   channelAPIKey,
		})
		if err != nil {
			return err
		}
		return printJSON(ch)
	},
}

var channelsSetActiveCmd = &cobra.Command{
	Use:   "set-active <channelId> <true|false>",
	Short: "Enable or disable a channel",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, active, err := parseIDAndBool(args)
		if err != nil {
			return err
		}
		r, err := openRuntime(cmd.Context())
		if err != nil {
			return err
		}
		ch, err := r.Channels.UpdateChannel(cmd.Context(), id, model.ChannelPatch{Active: &active})
		if err != nil {
			return err
		}
		return printJSON(ch)
	},
}

func parseIDAndBool(args []string) (int64, bool, error) {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("invalid id %q", args[0])
	}
	b, err := strconv.ParseBool(args[1])
	if err != nil {
		return 0, false, fmt.Errorf("invalid flag value %q", args[1])
	}
	return id, b, nil
}

func init() {
	channelsListCmd.Flags().BoolVar(&channelsJSON, "json", false, "JSON output")

	channelsAddCmd.Flags().StringVar(&channelName, "name", "", "Channel name")
	channelsAddCmd.Flags().StringVar(&channelProvider, "provider", "", "Provider family (openai|gemini|anthropic|stability|midjourney|generic)")
	channelsAddCmd.Flags().StringVar(&channelBaseURL, "base-url", "", "Upstream base URL")
	channelsAddCmd.Flags().StringVar(&channelAPIKey, "api-key", "", "Upstream API key")

	channelsCmd.AddCommand(channelsListCmd, channelsAddCmd, channelsSetActiveCmd)
	rootCmd.AddCommand(channelsCmd)
}
