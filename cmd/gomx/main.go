// gomx inspects and exercises an array engine through the binding layer:
// engine metadata and devices (info), the operator registry (ops) and a
// forward/backward micro-benchmark of a small model (bench).
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/gomlx/gomx/mx"

	_ "github.com/gomlx/gomx/engines/default"
)

// flagEngine mirrors the GOMX_ENGINE environment variable: "<name>" or
// "<name>:<config>".
var flagEngine string

func main() {
	rootCmd := &cobra.Command{
		Use:   "gomx",
		Short: "Inspect and exercise gomx array engines",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cmd.SilenceUsage = true
		},
	}
	rootCmd.PersistentFlags().StringVar(&flagEngine, "engine", "",
		`engine to use, as "<name>" or "<name>:<config>"; empty takes $GOMX_ENGINE or the build default`)
	rootCmd.AddCommand(infoCommand(), opsCommand(), benchCommand())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newManager creates the Manager the subcommands run on, honoring --engine.
// It panics if no engine matches the selection.
func newManager() *mx.Manager {
	if flagEngine != "" {
		return mx.NewWithConfig(flagEngine)
	}
	return mx.New()
}
