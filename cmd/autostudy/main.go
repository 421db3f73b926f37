package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	version   = "1.0.0"
	commit    = ""
	buildDate = ""
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "autostudy",
		Short: "autostudy: record study progress on the teacher training platform",
		Long:  "autostudy walks the chapters of your courses, records each subsection as studied and confirms the platform accepted it.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringP("log", "l", "info", "log level: trace, debug, info, warn, error, fatal")
	flags.String("config", "", "config file (default ~/.config/autostudy/config.yaml)")
	flags.String("proxy", "", "HTTP proxy for platform traffic, e.g. http://127.0.0.1:8080")

	cmd.PersistentPreRunE = func(c *cobra.Command, args []string) error {
		name, _ := c.Flags().GetString("log")
		level, err := parseLevel(name)
		if err != nil {
			return err
		}
		zerolog.SetGlobalLevel(level)
		if proxy, _ := c.Flags().GetString("proxy"); proxy != "" {
			setProxy(proxy)
		}
		return nil
	}

	cmd.AddCommand(
		newVersionCmd(),
		newRunCmd(),
		newWhoamiCmd(),
		newCatalogCmd(),
		newLoginCmd(),
		newHistoryCmd(),
		newConfigCmd(),
		newServeCmd(),
	)
	return cmd
}

// parseLevel maps --log to a zerolog level; empty means info.
func parseLevel(name string) (zerolog.Level, error) {
	if name == "" {
		return zerolog.InfoLevel, nil
	}
	level, err := zerolog.ParseLevel(strings.ToLower(name))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel, fmt.Errorf("unknown log level %q", name)
	}
	return level, nil
}

// setProxy routes platform traffic through proxy; the client reads the
// standard proxy variables.
func setProxy(proxy string) {
	_ = os.Setenv("HTTP_PROXY", proxy)
	_ = os.Setenv("HTTPS_PROXY", proxy)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "autostudy %s (%s) %s %s\n", version, commit, buildDate, runtime.Version())
		},
	}
}

func setupLogger() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func main() {
	setupLogger()
	root := newRootCmd()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	root.SetContext(ctx)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
