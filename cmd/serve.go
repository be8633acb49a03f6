package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luma/lightcache/storage"
	"github.com/luma/lightcache/transport"
)

var (
	// The host to listen on
	host string

	// The port to listen for http requests on
	httpPort string

	// The port to listen for clients on
	port int

	// The unix socket to listen for clients on instead of port
	socketPath string

	numListeners int

	// The file items are restored from on start and saved to on shutdown
	snapshotPath string

	trace bool
)

func init() {
	flags := ServeCmd.Flags()

	flags.IntVarP(&port, "port", "p", 13131, "The port to listen client connections on")
	flags.StringVar(&socketPath, "socket", "", "Listen on this unix socket instead of --port")
	flags.StringVar(&httpPort, "http-port", "13132", "The port to listen to HTTP requests on, empty disables HTTP")
	flags.StringVar(&host, "host", "0.0.0.0", "The host to listen on")
	flags.IntVar(&numListeners, "listeners", 0, "The number of TCP listeners sharing the port (default the number of CPUs)")
	flags.StringVar(&snapshotPath, "snapshot", "", "Restore items from this file on start and save them to it on shutdown")
	flags.BoolVar(&trace, "trace", false, "Log every frame in hex, needs --debug")
}

var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a LightCache server",
	Long: `Run a LightCache server

The server keeps items in memory. An HTTP listener answers /ping and
/stats for health checks.

Usage
	lightcache serve
	lightcache serve --socket /tmp/lightcache.sock --http-port ""

`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		ctx, signalStop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer signalStop()

		fileLimit, err := setFileLimit()
		if err != nil {
			return err
		}

		log.Info("Set file limit", zap.Uint64("fileLimit", fileLimit))

		store := storage.NewInmemoryStore()
		defer store.Close()

		if snapshotPath != "" {
			if err := restoreSnapshot(store, snapshotPath); err != nil {
				return err
			}
		}

		tcp := transport.NewTCP(transport.Options{
			Host:            host,
			Port:            port,
			SocketPath:      socketPath,
			Reuseport:       true,
			NumListeners:    numListeners,
			IdleConnTimeout: conf.IdleConnTimeout,
			MemAvail:        conf.MemAvail,
			Trace:           trace,
			Store:           store,
			Log:             log.Named("transport"),
		})

		if err := tcp.Start(ctx); err != nil {
			return err
		}

		var s *http.Server
		if httpPort != "" {
			s = &http.Server{
				Addr:              net.JoinHostPort(host, httpPort),
				Handler:           setupRouter(tcp, conf.DebugHTTP, log.Named("http")),
				ReadHeaderTimeout: 5 * time.Second,
			}

			// Initializing the server in a goroutine so that
			// it won't block the graceful shutdown handling below
			go func() {
				if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("Http server errored", zap.Error(err))
				}
			}()
		}

		log.Info("Listening",
			zap.Stringer("addr", tcp.Addr()),
			zap.String("httpPort", httpPort),
			zap.Duration("idleConnTimeout", conf.IdleConnTimeout),
			zap.Uint64("memAvail", conf.MemAvail))

		// Listen for the interrupt signal.
		<-ctx.Done()

		// Restore default behavior on the interrupt signal and notify user of shutdown.
		signalStop()
		log.Info("Shutting down gracefully, press Ctrl+C again to force")

		// Clients get 5 seconds to finish what they are doing
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if s != nil {
			s.SetKeepAlivesEnabled(false)

			if err := s.Shutdown(shutdownCtx); err != nil {
				log.Error("Http server forced to shutdown", zap.Error(err))
			}
		}

		if err := tcp.Shutdown(shutdownCtx); err != nil {
			log.Warn("Server forced to shutdown", zap.Error(err))
		}

		if snapshotPath != "" {
			err = multierr.Append(err, saveSnapshot(store, snapshotPath))
		}

		log.Info("Exiting")
		return err
	},
}

func setupRouter(tcp *transport.TCP, debugHTTP bool, log *zap.Logger) *gin.Engine {
	gin.DisableConsoleColor()
	if !debugHTTP {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	// Add a ginzap middleware, which:
	//   - Logs all requests, like a combined access and error log.
	//   - RFC3339 with UTC time format.
	r.Use(ginzap.GinzapWithConfig(log, &ginzap.Config{
		TimeFormat: time.RFC3339,
		UTC:        true,
		SkipPaths:  []string{"/ping"},
	}))

	// Logs all panic to error log
	//   - stack means whether output the stack info.
	r.Use(ginzap.RecoveryWithZap(log, true))

	r.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})

	r.GET("/stats", func(c *gin.Context) {
		doc, err := StatsJSON(tcp.Stats())
		if err != nil {
			c.AbortWithError(http.StatusInternalServerError, err) // nolint: errcheck
			return
		}

		c.Data(http.StatusOK, "application/json", doc)
	})

	return r
}

func restoreSnapshot(store storage.Store, path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		log.Info("No snapshot to restore", zap.String("path", path))
		return nil
	}
	if err != nil {
		return err
	}

	if err := store.Restore(data); err != nil {
		return fmt.Errorf("failed to restore %s: %w", path, err)
	}

	log.Info("Restored snapshot",
		zap.String("path", path),
		zap.Int("items", store.Len()))

	return nil
}

func saveSnapshot(store storage.Store, path string) error {
	data, err := store.Backup()
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}

	log.Info("Saved snapshot",
		zap.String("path", path),
		zap.Int("items", store.Len()))

	return os.Rename(tmp, path)
}

func setFileLimit() (uint64, error) {
	var rLimit syscall.Rlimit

	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return 0, err
	}

	rLimit.Cur = rLimit.Max
	if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return 0, err
	}

	return rLimit.Cur, nil
}
