// Package cmd implements the dkls23 command line tool.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/0xCarbon/libtss/pkg/dkls23/logging"
)

var rootCmd = &cobra.Command{
	Use:           "dkls23",
	Short:         "Threshold ECDSA (DKLs23) bridge and local simulator",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "config file (yaml, json or toml)")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level: debug, info, warn or error")
	rootCmd.PersistentFlags().Bool("log-json", false, "log as JSON instead of text")
	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		panic(err)
	}
	cobra.OnInitialize(initConfig)
}

// initConfig layers DKLS23_* environment variables and the optional config
// file under the flags.
func initConfig() {
	viper.SetEnvPrefix("DKLS23")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	if file := viper.GetString("config"); file != "" {
		viper.SetConfigFile(file)
		if err := viper.ReadInConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "read config %s: %v\n", file, err)
			os.Exit(1)
		}
	}
}

// newLogger builds the logger described by the log-level and log-json
// settings. Logs go to stderr so stdout stays machine readable.
func newLogger() (logging.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		return nil, fmt.Errorf("log-level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if viper.GetBool("log-json") {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	return logging.New(slog.New(h)), nil
}
