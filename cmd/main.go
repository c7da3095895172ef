package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/mbiondo/scLogger/core"
	"github.com/mbiondo/scLogger/pkg/bridge/logrushook"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	// Import sinks for auto-registration
	_ "github.com/mbiondo/scLogger/plugins/sink/console"
	_ "github.com/mbiondo/scLogger/plugins/sink/elasticsearch"
	_ "github.com/mbiondo/scLogger/plugins/sink/file"
	_ "github.com/mbiondo/scLogger/plugins/sink/kafka"
	_ "github.com/mbiondo/scLogger/plugins/sink/prometheus"
)

type globalFlags struct {
	configFile string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:           "sclogger",
		Short:         "Self-check logging core",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.configFile, "config", "c", "", "Path to configuration file (YAML)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info", "Level of the tool's own diagnostics")

	root.AddCommand(
		newCheckCmd(flags),
		newRunCmd(flags),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "sclogger %s\n", core.Version)
		},
	}
}

// loadConfig reads the --config file, or the default console configuration
func (f *globalFlags) loadConfig(logger logrus.FieldLogger) (*core.Config, error) {
	if f.configFile == "" {
		logger.Info("Using default configuration")
		return core.DefaultConfig(), nil
	}
	cfg, err := core.LoadConfig(f.configFile)
	if err != nil {
		return nil, err
	}
	logger.WithField("file", f.configFile).Info("Loaded configuration")
	return cfg, nil
}

// newLogger builds the logrus logger for the tool's diagnostics, written to w
func (f *globalFlags) newLogger(w io.Writer) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(f.logLevel)
	if err != nil {
		return nil, err
	}

	logger := logrus.New()
	logger.SetOutput(w)
	logger.SetLevel(level)
	formatter := &logrus.TextFormatter{FullTimestamp: true}
	if file, ok := w.(*os.File); !ok || !isatty.IsTerminal(file.Fd()) {
		formatter.DisableColors = true
	}
	logger.SetFormatter(formatter)
	return logger, nil
}

// startCore configures a core from cfg and forwards the tool's diagnostics into it.
// Sinks see the diagnostics at the core's own threshold.
func startCore(cfg *core.Config, logger *logrus.Logger) (*core.Core, error) {
	c := core.New()
	if err := cfg.Apply(c, nil); err != nil {
		return nil, err
	}
	logger.AddHook(logrushook.NewWithScope(c.Scope().WithModule("sclogger"), logrus.AllLevels))
	return c, nil
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
