package cmd

import (
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/luma/lightcache/cmd/gen"
	"github.com/luma/lightcache/internal/env"
)

var (
	conf *env.Config
	log  *zap.Logger

	network string
	address string
	timeout time.Duration
	debug   bool
)

var RootCmd = &cobra.Command{
	Use:   "lightcache",
	Short: "Talk to a LightCache server, or run one",
	Long: `Talk to a LightCache server, or run one

Connection settings come from LIGHTCACHE_* environment variables (and
.env.local), flags win over both.

Usage
	lightcache set greeting hello --ttl 10m
	lightcache get greeting
	lightcache serve --port 13131
`,
	SilenceUsage: true,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) (err error) {
		if conf, err = env.LoadConfig(cmd.Context()); err != nil {
			return err
		}

		flags := cmd.Flags()
		if flags.Changed("network") {
			conf.Network = network
		}
		if flags.Changed("address") {
			conf.Address = address
		}
		if flags.Changed("timeout") {
			conf.Timeout = timeout
		}
		if flags.Changed("debug") {
			conf.Debug = debug
		}

		log, err = env.MakeLogger(conf.Debug)
		return err
	},

	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log != nil {
			_ = log.Sync()
		}
	},
}

func init() {
	flags := RootCmd.PersistentFlags()

	flags.StringVar(&network, "network", "tcp", `The network of the server, "tcp" or "unix"`)
	flags.StringVarP(&address, "address", "a", "127.0.0.1:13131", "The address of the server, host:port or a socket path")
	flags.DurationVar(&timeout, "timeout", 5*time.Second, "How long each request may take, 0 waits forever")
	flags.BoolVar(&debug, "debug", false, "Log at debug level in a human readable format")

	RootCmd.AddCommand(
		GetCmd,
		SetCmd,
		DeleteCmd,
		FlushCmd,
		NoopCmd,
		StatsCmd,
		SettingCmd,
		ProbeCmd,
		ServeCmd,
		VersionCmd,
		gen.RootCmd,
	)
}

func Execute() {
	if err := RootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
