package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fentz26/deepsearch/internal/config"
	"github.com/fentz26/deepsearch/internal/log"
)

// version is set at build time via -ldflags.
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "deepsearch",
	Short: "deepsearch - live research task client",
	Long: `deepsearch submits research questions to a DeepSearch orchestrator and
follows their progress live over the event stream.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if closeLog != nil {
			closeLog()
		}
	},
	// No RunE - defaults to showing help when no subcommand is provided
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of deepsearch",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("deepsearch version %s\n", version)
		fmt.Printf("  OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		fmt.Printf("  Go version: %s\n", runtime.Version())
	},
}

var (
	cfgFile  string
	apiAddr  string
	debug    bool
	cfg      config.Config
	closeLog func()
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default .deepsearch/config.yaml or ~/.config/deepsearch/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", config.Defaults().Server.BaseURL, "orchestrator base URL")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "write debug logs to the configured log file")

	rootCmd.AddCommand(tuiCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(newChatCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(devServerCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig resolves configuration from defaults, config file, .env,
// DEEPSEARCH_* environment and flags, in increasing precedence.
func loadConfig(cmd *cobra.Command, args []string) error {
	// A missing .env is normal.
	_ = godotenv.Load()

	v := viper.New()
	if err := v.BindPFlag("server.base_url", cmd.Flags().Lookup("api")); err != nil {
		return err
	}
	if err := v.BindPFlag("debug", cmd.Flags().Lookup("debug")); err != nil {
		return err
	}

	loaded, err := config.Load(v, cfgFile)
	if err != nil {
		return err
	}
	if err := loaded.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	cfg = loaded

	if cfg.Debug || log.DebugEnvSet() {
		closeFn, err := log.Init(cfg.LogPath)
		if err != nil {
			return err
		}
		closeLog = closeFn
		log.Info(log.CatConfig, "configuration loaded", "config", v.ConfigFileUsed(), "api", cfg.Server.BaseURL)
	} else {
		log.Disable()
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
