package main

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/chronologos/telem/internal/config"
	"github.com/chronologos/telem/internal/framer"
	"github.com/chronologos/telem/internal/logging"
	"github.com/chronologos/telem/internal/telem"
	"github.com/chronologos/telem/internal/version"
)

// app carries state shared by subcommands after the root pre-run.
type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     *config.Config
	log     zerolog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}
	root := &cobra.Command{
		Use:           "telem",
		Short:         "Stream telemetry frames between writers and streamers",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadViper(a.v, a.cfgFile)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			log, err := logging.Configure(cfg.Log)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.log = log
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "YAML config file")
	flags.String("log-level", "", "log level (trace, debug, info, warn, error, disabled)")
	flags.String("url", "", "server URL for client commands")
	_ = a.v.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = a.v.BindPFlag("client.url", flags.Lookup("url"))

	root.AddCommand(
		newServeCmd(a),
		newWriteCmd(a),
		newStreamCmd(a),
		newConfigCmd(a),
		newVersionCmd(),
	)
	return root
}

// schemaFor builds a client schema for keys from the configured channels.
func (a *app) schemaFor(keys []uint) (*framer.Schema, []telem.ChannelKey, error) {
	chs, err := a.cfg.Relay.FramerChannels()
	if err != nil {
		return nil, nil, err
	}
	byKey := make(map[telem.ChannelKey]telem.DataType, len(chs))
	for _, ch := range chs {
		byKey[ch.Key] = ch.DataType
	}
	var (
		selected []framer.Channel
		out      []telem.ChannelKey
	)
	for _, k := range keys {
		key := telem.ChannelKey(k)
		dt, ok := byKey[key]
		if !ok {
			return nil, nil, fmt.Errorf("channel %d is not configured under relay.channels", k)
		}
		selected = append(selected, framer.Channel{Key: key, DataType: dt})
		out = append(out, key)
	}
	schema, err := framer.NewSchemaFromChannels(selected...)
	return schema, out, err
}

func newConfigCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := a.cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		// Skips config loading.
		PersistentPreRun: func(*cobra.Command, []string) {},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "telem %s\n", version.String())
		},
	}
}
