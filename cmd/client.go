package cmd

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"github.com/luma/lightcache/client"
	"github.com/luma/lightcache/protocol"
)

var (
	// The ttl of set, zero means the client default
	ttl time.Duration

	// Render stats as JSON
	statsJSON bool

	// How long probe waits for the server to hang up
	probeTimeout time.Duration
)

func init() {
	SetCmd.Flags().DurationVar(&ttl, "ttl", 0, "How long the value lives, rounded up to seconds (default 1h)")
	StatsCmd.Flags().BoolVar(&statsJSON, "json", false, "Print the stats as a JSON object")
	ProbeCmd.Flags().DurationVar(&probeTimeout, "wait", 0, "How long to wait for the server to hang up, 0 waits forever")

	SettingCmd.AddCommand(SettingGetCmd, SettingSetCmd)
}

var GetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print the value of a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withConn(cmd, func(ctx context.Context, c *client.Conn) error {
			value, found, err := c.Get(ctx, args[0])
			if err != nil {
				return err
			}

			if !found {
				return fmt.Errorf("key %q: %w", args[0], protocol.KeyNotExists)
			}

			_, err = cmd.OutOrStdout().Write(append(value, '\n'))
			return err
		})
	},
}

var SetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Store a value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withConn(cmd, func(ctx context.Context, c *client.Conn) error {
			return c.Set(ctx, args[0], []byte(args[1]), ttl)
		})
	},
}

var DeleteCmd = &cobra.Command{
	Use:   "delete <key>",
	Short: "Remove a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withConn(cmd, func(ctx context.Context, c *client.Conn) error {
			return c.Delete(ctx, args[0])
		})
	},
}

var FlushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Remove every key",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withConn(cmd, func(ctx context.Context, c *client.Conn) error {
			return c.FlushAll(ctx)
		})
	},
}

var NoopCmd = &cobra.Command{
	Use:   "noop",
	Short: "Check the server answers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withConn(cmd, func(ctx context.Context, c *client.Conn) error {
			start := time.Now()
			if err := c.Noop(ctx); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), "OK", time.Since(start))
			return nil
		})
	},
}

var StatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print the server's stats",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withConn(cmd, func(ctx context.Context, c *client.Conn) error {
			stats, err := c.GetStats(ctx)
			if err != nil {
				return err
			}

			if statsJSON {
				doc, err := StatsJSON(stats)
				if err != nil {
					return err
				}

				fmt.Fprintln(cmd.OutOrStdout(), string(doc))
				return nil
			}

			_, err = cmd.OutOrStdout().Write(protocol.FormatStats(stats))
			return err
		})
	},
}

var SettingCmd = &cobra.Command{
	Use:   "setting",
	Short: "Read or change server settings",
	Long: fmt.Sprintf(`Read or change server settings

Settings
	%s	seconds a connection may stay idle before the server closes it
	%s	bytes the server may use for items
`, protocol.SettingIdleConnTimeout, protocol.SettingMemAvail),
}

var SettingGetCmd = &cobra.Command{
	Use:   "get <name>",
	Short: "Print a setting",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withConn(cmd, func(ctx context.Context, c *client.Conn) error {
			value, err := c.GetSetting(ctx, args[0])
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), value)
			return nil
		})
	},
}

var SettingSetCmd = &cobra.Command{
	Use:   "set <name> <value>",
	Short: "Change a setting",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		value, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("setting %s: %w", args[0], err)
		}

		return withConn(cmd, func(ctx context.Context, c *client.Conn) error {
			return c.ChgSetting(ctx, args[0], value)
		})
	},
}

var ProbeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Connect and wait for the server to hang up",
	Long: `Connect and wait for the server to hang up

Without traffic the server closes the connection after idle_conn_timeout
seconds. Probe reports whether that happened within --wait.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withConn(cmd, func(ctx context.Context, c *client.Conn) error {
			start := time.Now()

			result, err := c.Probe(probeTimeout)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), result, time.Since(start).Round(time.Millisecond))
			return nil
		})
	},
}

// withConn runs fn against a fresh session with the configured server.
func withConn(cmd *cobra.Command, fn func(ctx context.Context, c *client.Conn) error) error {
	ctx := cmd.Context()

	c, err := client.Dial(ctx, conf.Network, conf.Address,
		client.WithTimeout(conf.Timeout),
		client.WithLogger(log.Named("client")))
	if err != nil {
		return err
	}

	defer func() {
		if err := c.Close(); err != nil {
			log.Debug("Failed to close connection", zap.Error(err))
		}
	}()

	return fn(ctx, c)
}

var statsPathEscaper = strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`)

// StatsJSON renders stats as a flat JSON object of strings, in payload order.
func StatsJSON(stats *protocol.Stats) ([]byte, error) {
	doc := []byte(`{}`)

	for pair := stats.Oldest(); pair != nil; pair = pair.Next() {
		var err error
		if doc, err = sjson.SetBytes(doc, statsPathEscaper.Replace(pair.Key), pair.Value); err != nil {
			return nil, fmt.Errorf("stat %s: %w", pair.Key, err)
		}
	}

	return doc, nil
}
