package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/visualmatrix/api/internal/model"
)

var (
	modelName     string
	modelKind     string
	modelPriority int
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Manage channel models",
}

var modelsAddCmd = &cobra.Command{
	Use:   "add <channelId>",
	Short: "Add a model to a channel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		channelID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid channel id %q", args[0])
		}
		kind := model.Kind(modelKind)
		if !kind.Valid() {
			return fmt.Errorf("--kind must be analysis or generation")
		}
		if modelName == "" {
			return fmt.Errorf("--name is required")
		}
		r, err := openRuntime(cmd.Context())
		if err != nil {
			return err
		}
		m, err := r.Channels.CreateModel(cmd.Context(), channelID, &model.CreateModelRequest{
			Name:     modelName,
			Kind:     kind,
			Priority: modelPriority,
		})
		if err != nil {
			return err
		}
		return printJSON(m)
	},
}

var modelsSetActiveCmd = &cobra.Command{
	Use:   "set-active <modelId> <true|false>",
	Short: "Enable or disable a model",
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
		m, err := r.Channels.UpdateModel(cmd.Context(), id, model.ModelPatch{Active: &active})
		if err != nil {
			return err
		}
		return printJSON(m)
	},
}

func init() {
	modelsAddCmd.Flags().StringVar(&modelName, "name", "", "Provider model name, e.g. gpt-4o")
	modelsAddCmd.Flags().StringVar(&modelKind, "kind", "", "analysis or generation")
	modelsAddCmd.Flags().IntVar(&modelPriority, "priority", 0, "Lower runs first")

	modelsCmd.AddCommand(modelsAddCmd, modelsSetActiveCmd)
	rootCmd.AddCommand(modelsCmd)
}
