package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Probe channels",
}

var healthSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Probe every active channel now",
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := openRuntime(cmd.Context())
		if err != nil {
			return err
		}
		res, err := r.Channels.Sweep(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("checked=%d healthy=%d\n", res.Checked, res.Healthy)
		return nil
	},
}

var healthProbeCmd = &cobra.Command{
	Use:   "probe <channelId>",
	Short: "Probe one channel and record the result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid channel id %q", args[0])
		}
		r, err := openRuntime(cmd.Context())
		if err != nil {
			return err
		}
		res, err := r.Channels.TestChannel(cmd.Context(), id)
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

func init() {
	healthCmd.AddCommand(healthSweepCmd, healthProbeCmd)
	rootCmd.AddCommand(healthCmd)
}
