package main

import (
	"io"
	"os"

	"github.com/ericselin/cache-worker/config"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// options are shared by all commands.
type options struct {
	configFile string
	config     config.Config
	logFile    *os.File
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "cache-worker",
		Short:         "Cache-first offline worker in front of an origin",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := opts.load(cmd); err != nil {
				return err
			}
			return opts.setupLogging()
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if opts.logFile != nil {
				opts.logFile.Close()
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configFile, "config", "", "Path to config file")
	flags.String("db", "", "Cache DB file name (use 'memory' for in-memory db)")
	flags.Bool("vv", false, "Verbosity: trace logging")
	flags.String("log-file", "", "Log file to use (in addition to stdout)")

	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newCachesCmd(opts))
	root.AddCommand(newVersionCmd())

	return root
}

// load reads the config file and environment, then applies flags that were set.
func (o *options) load(cmd *cobra.Command) error {
	c, err := config.Load(o.configFile)
	if err != nil {
		return err
	}
	stringFlag(cmd, "db", &c.DB)
	stringFlag(cmd, "log-file", &c.LogFile)
	stringFlag(cmd, "listen", &c.Listen)
	stringFlag(cmd, "origin", &c.Origin)
	stringFlag(cmd, "origin-host", &c.OriginHost)
	stringFlag(cmd, "cache-name", &c.CacheName)
	if cmd.Flags().Changed("vv") {
		c.Trace, _ = cmd.Flags().GetBool("vv")
	}
	if cmd.Flags().Changed("skip-waiting-delay") {
		c.SkipWaitingDelay, _ = cmd.Flags().GetDuration("skip-waiting-delay")
	}
	o.config = c
	return nil
}

func stringFlag(cmd *cobra.Command, name string, target *string) {
	if cmd.Flags().Changed(name) {
		*target, _ = cmd.Flags().GetString(name)
	}
}

func (o *options) setupLogging() error {
	// set log level
	logLevel := zerolog.DebugLevel
	if o.config.Trace {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if o.config.LogFile != "" && o.logFile == nil {
		logFileOutput, err := os.OpenFile(o.config.LogFile, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
		if err != nil {
			return err
		}
		o.logFile = logFileOutput
	}
	if o.logFile != nil {
		logOutputs = append(logOutputs, o.logFile)
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()
	return nil
}
