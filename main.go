// Package main provides the penf-capture CLI entry point.
// penf-capture records meeting captions and chat from the meeting page and
// turns finished meetings into export documents.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/otherjamesbrown/penf-capture/cmd"
	"github.com/otherjamesbrown/penf-capture/config"
	"github.com/otherjamesbrown/penf-capture/pkg/buildinfo"
	"github.com/otherjamesbrown/penf-capture/pkg/logging"
)

// serviceName identifies this binary in build info and logs.
const serviceName = "penf-capture"

// Global flags and state.
var (
	cfgFile      string
	outputFormat string
	debug        bool
	metricsAddr  string

	// cfg holds the loaded configuration.
	cfg *config.CaptureConfig

	// registry collects the metrics served on --metrics-addr.
	registry = newRegistry()

	// metricsServer is running when --metrics-addr is set.
	metricsServer *http.Server
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "penf-capture",
	Short: "Meeting caption and chat capture",
	Long: `penf-capture records the live captions and chat of a meeting page and turns
each finished meeting into an export document.

A capture session waits for the meeting to start, turns captions on (in auto
mode), records every caption and chat message, and persists them to the
configured store. When the meeting ends the transcript is exported as JSON,
optionally bundled as a tar archive and stored in the PostgreSQL archive.

COMMON WORKFLOWS:
  Try a recorded page:   penf-capture replay meeting.jsonl
  Export from Redis:     penf-capture export watch --archive
  Browse the archive:    penf-capture archive list  ->  penf-capture archive show <id>
  First-time setup:      penf-capture config init  ->  penf-capture auth set redis  ->  penf-capture db migrate`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip initialization for commands that don't need it.
		switch cmd.Name() {
		case "version", "help", "completion", "init":
			return nil
		}

		loaded, err := loadConfig()
		if err != nil {
			return err
		}
		cfg = loaded

		if cfg.MetricsAddr != "" {
			metricsServer = startMetricsServer(cfg.MetricsAddr, registry, logging.NewLogger(cfg.LoggingConfig()))
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return stopMetricsServer()
	},
}

// loadConfig reads the configuration and applies the global flags.
func loadConfig() (*config.CaptureConfig, error) {
	loaded, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	// Override with command-line flags.
	if outputFormat != "" {
		format := config.OutputFormat(outputFormat)
		if !format.IsValid() {
			return nil, fmt.Errorf("invalid output format: %s (must be text, json, or yaml)", outputFormat)
		}
		loaded.OutputFormat = format
	}
	if debug {
		loaded.Debug = true
	}
	if metricsAddr != "" {
		loaded.MetricsAddr = metricsAddr
	}
	return loaded, nil
}

// newRegistry creates the metrics registry with runtime collectors.
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// newMetricsHandler serves /metrics from reg and /version from build info.
func newMetricsHandler(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/version", buildinfo.Handler(serviceName))
	return mux
}

// startMetricsServer serves the metrics handler on addr in the background.
func startMetricsServer(addr string, reg *prometheus.Registry, logger logging.Logger) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           newMetricsHandler(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("Serving metrics", logging.F("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", logging.Err(err))
		}
	}()
	return srv
}

func stopMetricsServer() error {
	if metricsServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := metricsServer.Shutdown(ctx)
	metricsServer = nil
	return err
}

// versionCmd prints version information.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long: `Print the version, commit hash, and build time of penf-capture.

Use --output json or --output yaml for machine-readable output.`,
	RunE: func(c *cobra.Command, args []string) error {
		info := buildinfo.Get(serviceName)
		return cmd.WriteOutput(c.OutOrStdout(), config.OutputFormat(outputFormat), info, func(w io.Writer) error {
			fmt.Fprintf(w, "penf-capture version %s\n", info.Version)
			fmt.Fprintf(w, "  commit:     %s\n", info.Commit)
			fmt.Fprintf(w, "  built:      %s\n", info.BuildTime)
			fmt.Fprintf(w, "  go:         %s\n", info.GoVersion)
			return nil
		})
	},
}

// configCmd manages configuration.
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  `View and create the penf-capture configuration file.`,
}

// configShowCmd displays current configuration.
var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long: `Display the effective configuration: defaults, overlaid by the config
file, PENF_CAPTURE_* environment variables and command-line flags.

Secrets are never shown; see 'penf-capture auth show'.`,
	RunE: func(c *cobra.Command, args []string) error {
		path := cfgFile
		if path == "" {
			path, _ = config.ConfigPath()
		}
		view, err := configView(cfg)
		if err != nil {
			return err
		}
		return cmd.WriteOutput(c.OutOrStdout(), cfg.OutputFormat, view, func(w io.Writer) error {
			fmt.Fprintf(w, "# Config file: %s\n", path)
			enc := yaml.NewEncoder(w)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		})
	},
}

// configView converts cfg into the generic map its YAML form describes, so
// JSON output uses the same keys as the config file.
func configView(c *config.CaptureConfig) (map[string]interface{}, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshaling config: %w", err)
	}
	var view map[string]interface{}
	if err := yaml.Unmarshal(data, &view); err != nil {
		return nil, fmt.Errorf("converting config: %w", err)
	}
	return view, nil
}

// configInitCmd initializes configuration.
var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration file",
	Long:  `Create a new configuration file with default values if one doesn't exist.`,
	RunE: func(c *cobra.Command, args []string) error {
		out := c.OutOrStdout()
		path := cfgFile
		if path == "" {
			p, err := config.ConfigPath()
			if err != nil {
				return fmt.Errorf("getting config path: %w", err)
			}
			path = p
		}

		// Check if config already exists.
		if _, err := os.Stat(path); err == nil {
			fmt.Fprintf(out, "Configuration file already exists: %s\n", path)
			fmt.Fprintln(out, "Use 'penf-capture config show' to view current settings.")
			return nil
		}

		defaultCfg := config.DefaultConfig()
		if err := config.SaveConfig(defaultCfg, path); err != nil {
			return fmt.Errorf("saving configuration: %w", err)
		}

		fmt.Fprintf(out, "Created configuration file: %s\n", path)
		fmt.Fprintln(out, "\nDefault settings:")
		fmt.Fprintf(out, "  Operation mode: %s\n", defaultCfg.OperationMode)
		fmt.Fprintf(out, "  Store:          %s\n", defaultCfg.Store.Backend)
		fmt.Fprintf(out, "  Export dir:     %s\n", defaultCfg.Export.Dir)
		fmt.Fprintf(out, "  Output format:  %s\n", defaultCfg.OutputFormat)
		return nil
	},
}

// completionCmd generates shell completion scripts.
var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate shell completion scripts",
	Long: `Generate shell completion scripts for penf-capture.

Bash:
  $ source <(penf-capture completion bash)

Zsh:
  $ penf-capture completion zsh > "${fpath[1]}/_penf-capture"

Fish:
  $ penf-capture completion fish | source

PowerShell:
  PS> penf-capture completion powershell | Out-String | Invoke-Expression
`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(c *cobra.Command, args []string) error {
		out := c.OutOrStdout()
		switch args[0] {
		case "bash":
			return rootCmd.GenBashCompletion(out)
		case "zsh":
			return rootCmd.GenZshCompletion(out)
		case "fish":
			return rootCmd.GenFishCompletion(out, true)
		case "powershell":
			return rootCmd.GenPowerShellCompletionWithDesc(out)
		}
		return nil
	},
}

// commandDeps hands subcommands the configuration and registry resolved by
// the root command.
func commandDeps() *cmd.Deps {
	deps := cmd.DefaultDeps()
	deps.LoadConfig = func() (*config.CaptureConfig, error) {
		if cfg == nil {
			return loadConfig()
		}
		return cfg, nil
	}
	deps.Registerer = registry
	return deps
}

func init() {
	// Global flags.
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ~/.penf-capture/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "", "output format: text, json, yaml")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve /metrics and /version on this address (host:port)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "capture", Title: "Capture:"},
		&cobra.Group{ID: "archive", Title: "Archive:"},
		&cobra.Group{ID: "setup", Title: "Setup:"},
	)

	deps := commandDeps()

	replayCmd := cmd.NewReplayCommand(deps)
	replayCmd.GroupID = "capture"
	rootCmd.AddCommand(replayCmd)

	exportCmd := cmd.NewExportCommand(deps)
	exportCmd.GroupID = "capture"
	rootCmd.AddCommand(exportCmd)

	archiveCmd := cmd.NewArchiveCommand(deps)
	archiveCmd.GroupID = "archive"
	rootCmd.AddCommand(archiveCmd)

	dbCmd := cmd.NewDbCommand(deps)
	dbCmd.GroupID = "archive"
	rootCmd.AddCommand(dbCmd)

	cmd.AuthCmd.GroupID = "setup"
	rootCmd.AddCommand(cmd.AuthCmd)

	configCmd.GroupID = "setup"
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)

	rootCmd.AddCommand(completionCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	// Cancel on interrupt so an active capture session flushes before exit.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
