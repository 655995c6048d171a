package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/lifeguard/pkg/config"
	"github.com/cuemby/lifeguard/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath string
	logLevel   string
	logJSON    bool

	cfg *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "lifeguard",
	Short: "Lifeguard - VM pool elasticity and reconciliation",
	Long: `Lifeguard keeps pools of virtual machines at their declared size and
configuration. Every change it needs is planned as a change request in the
change-management workflow and only executed once that change is approved
and inside its window.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		if logLevel != "" {
			loaded.Log.Level = logLevel
		}
		if logJSON {
			loaded.Log.JSON = true
		}
		log.Init(log.Config{
			Level:      log.Level(loaded.Log.Level),
			JSONOutput: loaded.Log.JSON,
			Output:     os.Stderr,
			File:       loaded.Log.File,
			Compress:   true,
		})
		cfg = loaded
		return nil
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Lifeguard version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Log JSON instead of console output")
}

// loadConfig reads path, or only defaults and the environment when path is
// empty
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Parse(nil)
	}
	return config.Load(path)
}
