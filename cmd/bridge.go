package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/fetchy-dl/fetchy/internal/bridge"
	"github.com/fetchy-dl/fetchy/internal/output"
)

// bridgeCmd runs the browser native-messaging host on stdio. Browsers
// launch it themselves; it only enqueues, processing stays explicit.
var bridgeCmd = &cobra.Command{
	Use:    "bridge",
	Short:  "Run the browser extension native-messaging host",
	Hidden: true,
	Args:   cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		env, err := newEnv(cmd)
		if err != nil {
			output.PrintError(err.Error())
			os.Exit(1)
		}
		defer env.Close()
		host := bridge.NewHost(os.Stdin, os.Stdout, env.manager)
		if err := host.Serve(); err != nil {
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(bridgeCmd)
}
