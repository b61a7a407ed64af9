package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pumalib/puma/logfunnel"
)

// NewLogConfigCmd creates the "logconfig" subcommand.
func NewLogConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logconfig",
		Short: "Inspect and validate log configuration documents",
	}
	cmd.AddCommand(newLogConfigValidateCmd())
	cmd.AddCommand(newLogConfigProfileCmd())
	return cmd
}

func newLogConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a log configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
				return exitError(exitFileNotFound, "file not found: %s", path)
			}
			if _, err := logfunnel.Load(path); err != nil {
				return exitError(exitInvalid, "invalid: %v", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: valid\n", path)
			return nil
		},
	}
}

func newLogConfigProfileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile <dev|prod>",
		Short: "Print a built-in log configuration profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg logfunnel.Config
			switch args[0] {
			case "dev":
				cfg = logfunnel.DevProfile()
			case "prod":
				path, _ := cmd.Flags().GetString("file")
				cfg = logfunnel.ProdProfile(path)
			default:
				return exitError(exitInvalid, "unknown profile %q", args[0])
			}
			data, err := cfg.Marshal()
			if err != nil {
				return err
			}
			cmd.OutOrStdout().Write(data)
			return nil
		},
	}
	cmd.Flags().String("file", "puma.log", "Log file path for the prod profile")
	return cmd
}
