package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/visualmatrix/api/internal/bootstrap"
	"github.com/visualmatrix/api/internal/config"
	"github.com/visualmatrix/api/internal/logging"
)

var (
	cfg *config.Config
	rt  *bootstrap.Runtime
)

var rootCmd = &cobra.Command{
	Use:           "vmctl",
	Short:         "Operator tool for the VisualMatrix channel registry and job pipeline.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfg != nil {
			return nil
		}
		c, err := config.Load()
		if err != nil {
			return err
		}
		cfg = c
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if rt != nil {
			rt.Close()
		}
	},
}

// openRuntime opens the shared clients on first use. Commands that only need
// configuration never connect.
func openRuntime(ctx context.Context) (*bootstrap.Runtime, error) {
	if rt != nil {
		return rt, nil
	}
	r, err := bootstrap.Open(ctx, cfg, logging.New("warn", "console"))
	if err != nil {
		return nil, err
	}
	rt = r
	return rt, nil
}

func printJSON(v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}
