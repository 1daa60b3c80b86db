package main

import (
	"context"
	"flag"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ianwong123/spot-manager/spot-manager/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "spot-manager",
	Short: "Keep a fleet of spot instances at the utility it needs, within budget",
	Long: `spot-manager bids for spot instances, sets them up, and removes them
again so that a fleet has the utility its demand asks for without spending
more than its hourly budget. Schedule "spot-manager run" every run_interval.`,
	SilenceUsage: true,
}

// v holds the settings of this invocation
var v = viper.New()

// Execute runs the root command
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "settings file (default is ./spot-manager.yaml)")
	_ = v.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))

	// glog registers -v, -logtostderr, -log_dir and friends on the go flag set
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
}

func initConfig() {
	// Set defaults first so they're available even without a settings file
	config.SetDefaults(v)
	config.BindEnv(v)

	if cfgFile := v.GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("spot-manager")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/spot-manager")
	}
}

// loadConfig reads the settings file and validates the result. A missing
// file is only an error when one was named on the command line.
func loadConfig() (*config.Config, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || v.GetString("config") != "" {
			return nil, err
		}
	}
	return config.Load(v)
}

// settingsPath names the settings for the process lock
func settingsPath(cfg *config.Config) string {
	if f := v.ConfigFileUsed(); f != "" {
		return f
	}
	return cfg.Fleet.Name
}
