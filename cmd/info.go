package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fetchy-dl/fetchy/internal/output"
	"github.com/fetchy-dl/fetchy/internal/utils"
)

var infoCmd = &cobra.Command{
	Use:   "info [url]",
	Short: "Show file information for a URL without downloading",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		env, err := newEnv(cmd)
		if err != nil {
			output.PrintError(err.Error())
			os.Exit(1)
		}
		defer env.Close()
		info, err := env.manager.Info(cmd.Context(), args[0])
		if err != nil {
			output.PrintError("Failed to probe URL: " + err.Error())
			os.Exit(1)
		}
		size := "Unknown"
		if info.TotalSize > 0 {
			size = utils.FormatBytes(uint64(info.TotalSize))
		}
		ranges := "No"
		if info.AcceptsRanges {
			ranges = "Yes"
		}
		output.PrintInfo("URL:            " + args[0])
		output.PrintInfo("Filename:       " + info.SuggestedFilename)
		output.PrintInfo("Size:           " + size)
		if info.ContentType != "" {
			output.PrintInfo("Type:           " + info.ContentType)
		}
		output.PrintInfo("Supports Range: " + ranges)
		if info.Validator.ETag != "" {
			output.PrintInfo("ETag:           " + info.Validator.ETag)
		}
		if info.Validator.LastModified != "" {
			output.PrintInfo(fmt.Sprintf("Last-Modified:  %s", info.Validator.LastModified))
		}
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
}
