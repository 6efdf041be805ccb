package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fetchy-dl/fetchy/internal/output"
	"github.com/fetchy-dl/fetchy/internal/progress"
	"github.com/fetchy-dl/fetchy/internal/task"
	"github.com/fetchy-dl/fetchy/internal/utils"
)

var (
	addThreads int
	addOutput  string
	clearForce bool
)

var addCmd = &cobra.Command{
	Use:   "add [url]",
	Short: "Add a download to the queue without starting it",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		env, err := newEnv(cmd)
		if err != nil {
			output.PrintError(err.Error())
			os.Exit(1)
		}
		defer env.Close()
		t, err := env.manager.Add(args[0], addOutput, addThreads)
		if err != nil {
			output.PrintError(err.Error())
			os.Exit(1)
		}
		output.PrintSuccess("Added to queue: " + t.URL)
	},
}

var dropCmd = &cobra.Command{
	Use:   "drop [url]",
	Short: "Remove a URL from the queue",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		env, err := newEnv(cmd)
		if err != nil {
			output.PrintError(err.Error())
			os.Exit(1)
		}
		defer env.Close()
		removed, err := env.manager.Remove(args[0])
		if err != nil {
			output.PrintError(err.Error())
			os.Exit(1)
		}
		if !removed {
			output.PrintError("URL not found in queue")
			os.Exit(1)
		}
		output.PrintSuccess("Removed from queue: " + args[0])
	},
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "List the download queue",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		env, err := newEnv(cmd)
		if err != nil {
			output.PrintError(err.Error())
			os.Exit(1)
		}
		defer env.Close()
		tasks, err := env.manager.List()
		if err != nil {
			output.PrintError(err.Error())
			os.Exit(1)
		}
		if len(tasks) == 0 {
			output.PrintWarning("Queue is empty")
			return
		}
		for i, t := range tasks {
			link := t.URL
			if len(link) > 60 {
				link = link[:57] + "..."
			}
			dest := t.Destination
			if dest == "" {
				dest = "auto"
			}
			line := fmt.Sprintf("%2d  %-10s  %s %s %s", i+1, t.Status, link, output.StyleSymbols["arrow"], dest)
			if t.TotalSize > 0 {
				line += fmt.Sprintf("  (%s / %s)", utils.FormatBytes(uint64(t.Downloaded())), utils.FormatBytes(uint64(t.TotalSize)))
			}
			if t.LastError != "" {
				line += "  " + output.StyleSymbols["fail"] + " " + t.LastError
			}
			fmt.Println(line)
		}
	},
}

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Process queued and paused downloads",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		env, err := newEnv(cmd)
		if err != nil {
			output.PrintError(err.Error())
			os.Exit(1)
		}
		defer env.Close()
		ctx := interruptContext()
		display := output.NewDisplay()
		err = env.manager.Process(ctx, func(t *task.Task, ch <-chan progress.Snapshot) {
			display.Watch(displayLabel(t), t.ID, ch)
		})
		display.Wait()
		if ctx.Err() != nil {
			output.PrintWarning("Interrupted; progress saved for resume")
			return
		}
		if err != nil {
			output.PrintError(err.Error())
			os.Exit(1)
		}
		output.PrintSuccess("Queue processing completed")
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume [url]",
	Short: "Resume a paused or failed download from the queue",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		env, err := newEnv(cmd)
		if err != nil {
			output.PrintError(err.Error())
			os.Exit(1)
		}
		defer env.Close()
		ctx := interruptContext()
		display := output.NewDisplay()
		err = env.manager.Resume(ctx, args[0], func(t *task.Task, ch <-chan progress.Snapshot) {
			display.Watch(displayLabel(t), t.ID, ch)
		})
		display.Wait()
		if ctx.Err() != nil {
			output.PrintWarning("Interrupted; progress saved for resume")
			return
		}
		if err != nil {
			output.PrintError(err.Error())
			os.Exit(1)
		}
		output.PrintSuccess("Downloaded " + args[0])
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove completed, failed and cancelled downloads from the queue",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		env, err := newEnv(cmd)
		if err != nil {
			output.PrintError(err.Error())
			os.Exit(1)
		}
		defer env.Close()
		n, err := env.manager.Clear(clearForce)
		if err != nil {
			output.PrintError(err.Error())
			os.Exit(1)
		}
		noun := "entries"
		if n == 1 {
			noun = "entry"
		}
		output.PrintSuccess(fmt.Sprintf("Cleared %d %s", n, noun))
	},
}

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Prune resume records whose partial files are gone",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		env, err := newEnv(cmd)
		if err != nil {
			output.PrintError(err.Error())
			os.Exit(1)
		}
		defer env.Close()
		n, err := env.resume.Prune()
		if err != nil {
			output.PrintError(err.Error())
			os.Exit(1)
		}
		output.PrintSuccess(fmt.Sprintf("Pruned %d orphaned record(s)", n))
	},
}

func init() {
	addCmd.Flags().StringVarP(&addOutput, "output", "o", "", "Output file path")
	addCmd.Flags().IntVarP(&addThreads, "connections", "c", 4, "Number of connections (1-16)")
	clearCmd.Flags().BoolVarP(&clearForce, "force", "f", false, "Also remove queued, paused and active entries")
	rootCmd.AddCommand(addCmd, dropCmd, queueCmd, processCmd, resumeCmd, clearCmd, cleanCmd)
}
