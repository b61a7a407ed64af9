package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pumalib/puma/cli"
	"github.com/pumalib/puma/procenv"
)

// Set via ldflags at build time.
var version = "dev"

func main() {
	// Re-enter as a spawned worker or log listener before anything else.
	if procenv.Init() {
		return
	}
	if err := rootCmd.Execute(); err != nil {
		var exitErr *cli.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "puma",
	Short: "puma concurrency framework CLI",
	Long:  "puma — inspect log configuration and exercise the thread and process execution substrates.",
	// SilenceUsage prevents printing usage on every error
	SilenceUsage: true,
}

func init() {
	rootCmd.Version = version
	rootCmd.SetVersionTemplate(fmt.Sprintf("puma version %s\n", version))

	rootCmd.AddCommand(cli.NewDemoCmd())
	rootCmd.AddCommand(cli.NewLogConfigCmd())
}
