package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	// Version information set at build time.
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	cfgFile  string
	logLevel string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		logrus.WithError(err).Fatal("Failed to execute command")
	}
}

var rootCmd = &cobra.Command{
	Use:   "broker",
	Short: "Remote cluster session broker",
	Long: `Broker opens SSH and Kubernetes API sessions on behalf of callers,
provisions scoped service identities on target clusters and installs the
Kyverno policy engine, recording every action in an audit trail.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if logLevel == "" {
			return nil
		}
		if _, err := logrus.ParseLevel(logLevel); err != nil {
			return fmt.Errorf("invalid log level %q: %w", logLevel, err)
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(os.Stdout, "broker %s\n", version)
		fmt.Fprintf(os.Stdout, "  commit: %s\n", commit)
		fmt.Fprintf(os.Stdout, "  built:  %s\n", date)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"log level, overrides LOG_LEVEL ("+strings.Join(logLevels(), ", ")+")")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
}

func logLevels() []string {
	levels := make([]string, 0, len(logrus.AllLevels))
	for _, level := range logrus.AllLevels {
		levels = append(levels, level.String())
	}

	return levels
}
