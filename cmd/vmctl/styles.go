package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/visualmatrix/api/internal/service"
)

var stylesCmd = &cobra.Command{
	Use:   "styles",
	Short: "Manage style templates",
}

var stylesSeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Install the default style templates that are missing",
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := openRuntime(cmd.Context())
		if err != nil {
			return err
		}
		added, err := service.SeedStyles(cmd.Context(), r.Store)
		if err != nil {
			return err
		}
		fmt.Printf("added %d style(s)\n", added)
		return nil
	},
}

func init() {
	stylesCmd.AddCommand(stylesSeedCmd)
	rootCmd.AddCommand(stylesCmd)
}
