package cmd

import (
	"context"
	u "net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fetchy-dl/fetchy/internal/config"
	"github.com/fetchy-dl/fetchy/internal/output"
	"github.com/fetchy-dl/fetchy/internal/progress"
	"github.com/fetchy-dl/fetchy/internal/queue"
	"github.com/fetchy-dl/fetchy/internal/resume"
	"github.com/fetchy-dl/fetchy/internal/task"
	"github.com/fetchy-dl/fetchy/internal/utils"
)

var (
	configPath    string
	outputPath    string
	connections   int
	timeout       time.Duration
	kaTimeout     time.Duration
	userAgent     string
	proxyURL      string
	proxyUsername string
	proxyPassword string
	debug         bool
	urlListFile   string
	headers       []string
)

var FetchyVersion = "dev"

var rootCmd = &cobra.Command{
	Use:     "fetchy [url]",
	Short:   "Fetchy is a fast, resumable download manager",
	Version: FetchyVersion,
	Args:    cobra.MaximumNArgs(1),
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		utils.InitLogger(debug)
	},
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) == 0 && urlListFile == "" {
			output.PrintError("No URL or URL list provided")
			cmd.Help()
			os.Exit(1)
		}
		if urlListFile != "" && len(args) > 0 {
			output.PrintError("Cannot specify url argument and --urllist together, choose one")
			os.Exit(1)
		}

		env, err := newEnv(cmd)
		if err != nil {
			output.PrintError(err.Error())
			os.Exit(1)
		}
		defer env.Close()

		var entries []utils.DownloadEntry
		if len(args) > 0 {
			link := args[0]
			if _, err := u.Parse(link); err != nil {
				output.PrintError("Invalid URL format")
				os.Exit(1)
			}
			entries = []utils.DownloadEntry{{URL: link, OutputPath: outputPath, Threads: env.cfg.Connections}}
		} else {
			entries, err = utils.ReadDownloadList(urlListFile)
			if err != nil {
				output.PrintError("Failed to read URL list file")
				os.Exit(1)
			}
		}

		ctx := interruptContext()
		display := output.NewDisplay()
		failures := 0
		for _, entry := range entries {
			threads := entry.Threads
			if threads == 0 {
				threads = env.cfg.Connections
			}
			t := task.New(entry.URL, entry.OutputPath, threads)
			err := env.manager.Run(ctx, t, func(t *task.Task, ch <-chan progress.Snapshot) {
				display.Watch(displayLabel(t), t.ID, ch)
			})
			if err != nil {
				failures++
			}
			if ctx.Err() != nil {
				break
			}
		}
		display.Wait()
		if ctx.Err() != nil {
			output.PrintWarning("Interrupted; progress saved for resume")
			return
		}
		if failures > 0 {
			output.PrintError("Encountered failed download(s)")
			os.Exit(1)
		}
		for _, entry := range entries {
			output.PrintSuccess("Downloaded " + entry.URL)
		}
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file path (default ~/.fetchy/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 60*time.Second, "Connection timeout")
	rootCmd.PersistentFlags().DurationVar(&kaTimeout, "keep-alive-timeout", 60*time.Second, "Keep-alive timeout")
	rootCmd.PersistentFlags().StringVarP(&userAgent, "user-agent", "a", "", "Custom User-Agent")
	rootCmd.PersistentFlags().StringVarP(&proxyURL, "proxy", "p", "", "Proxy URL (http or socks5)")
	rootCmd.PersistentFlags().StringVar(&proxyUsername, "proxy-username", "", "Proxy username")
	rootCmd.PersistentFlags().StringVar(&proxyPassword, "proxy-password", "", "Proxy password")
	rootCmd.PersistentFlags().StringSliceVarP(&headers, "header", "H", nil, "Custom header (key: value), repeatable")
	rootCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file path")
	rootCmd.Flags().IntVarP(&connections, "connections", "c", 4, "Number of connections per download (1-16)")
	rootCmd.Flags().StringVar(&urlListFile, "urllist", "", "YAML file with a list of downloads")
}

// env bundles the per-invocation stores and manager so every command
// builds them the same way.
type env struct {
	cfg     *config.Config
	store   *queue.Store
	resume  *resume.Store
	manager *queue.Manager
}

func newEnv(cmd *cobra.Command) (*env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("connections") {
		cfg.Connections = connections
	}

	// Proxy URLs may embed credentials; split them out for the client.
	if parsedProxy, err := u.Parse(proxyURL); err == nil && parsedProxy.User != nil && proxyUsername == "" {
		proxyUsername = parsedProxy.User.Username()
		if password, set := parsedProxy.User.Password(); set {
			proxyPassword = password
		}
		parsedProxy.User = nil
		proxyURL = parsedProxy.String()
	}
	agent := userAgent
	if agent == "" {
		agent = cfg.UserAgent
	}
	client := utils.NewFetchyHTTPClient(utils.HTTPClientConfig{
		Timeout:       timeout,
		KATimeout:     kaTimeout,
		ProxyURL:      proxyURL,
		ProxyUsername: proxyUsername,
		ProxyPassword: proxyPassword,
		UserAgent:     agent,
		Headers:       utils.ParseHeaderArgs(headers),
	})

	store, err := queue.NewStore(cfg.QueuePath())
	if err != nil {
		return nil, err
	}
	resumeStore, err := resume.NewStore(cfg.ResumeDir())
	if err != nil {
		store.Close()
		return nil, err
	}
	return &env{
		cfg:     cfg,
		store:   store,
		resume:  resumeStore,
		manager: queue.NewManager(cfg, store, resumeStore, client),
	}, nil
}

func (e *env) Close() {
	e.store.Close()
}

// interruptContext cancels on SIGINT/SIGTERM, which the orchestrator
// treats as a pause: workers drain and progress is snapshotted.
func interruptContext() context.Context {
	ctx, _ := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	return ctx
}

func displayLabel(t *task.Task) string {
	if t.Destination != "" {
		return filepath.Base(t.Destination)
	}
	return t.URL
}
