// Package cli wires the kittlink commands.
package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kittclouds/kittlink/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Version is overridden at build time with -ldflags "-X ...cli.Version=..."
var Version = "0.1.0-dev"

var (
	cfgFile   string
	verbose   bool
	configErr error // an explicit --config that could not be read
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "kittlink",
	Short: "kittlink - entity identity resolution for tagged document batches",
	Long: `kittlink resolves entity mentions produced by an upstream tagger.

Within each document it groups names, pronouns and definite descriptions
into local entities. Across the corpus it links those groups to a durable
registry of canonical entities, so that re-running a batch never creates
duplicates and documents may arrive in any order.`,
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the root command
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "kittlink %s\n", Version)
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.kittlink/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(versionCmd)
}

// initConfig reads in config file and ENV variables
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
			return
		}
		viper.AddConfigPath(filepath.Join(home, ".kittlink"))
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	config.BindEnv(viper.GetViper())

	if err := viper.ReadInConfig(); err == nil {
		if verbose {
			fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
		}
	} else if cfgFile != "" {
		configErr = fmt.Errorf("failed to read config file %s: %w", cfgFile, err)
	}
}
