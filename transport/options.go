package transport

import (
	"time"

	"go.uber.org/zap"

	"github.com/luma/lightcache/storage"
)

const (
	DefaultIdleConnTimeout = 5 * time.Minute
	DefaultMemAvail        = 64 << 20
)

type Options struct {
	// Host to listen on
	Host string

	// Port to listen on, zero picks a free one (see TCP.Addr)
	Port int

	// SocketPath listens on a unix domain socket instead of Host:Port
	SocketPath string

	// Reuseport controls setting SO_REUSEPORT, it is needed for more than
	// one TCP listener on the same port
	// TODO(rolly) this https://blog.cloudflare.com/graceful-upgrades-in-go/
	Reuseport bool

	// Trace will log every frame in hex. This is only useful in local debugging
	Trace bool

	NumListeners int

	// IdleConnTimeout is the initial idle_conn_timeout, rounded up to whole
	// seconds. Defaults to DefaultIdleConnTimeout.
	IdleConnTimeout time.Duration

	// MemAvail is the initial mem_avail in bytes. Defaults to DefaultMemAvail.
	MemAvail uint64

	Store storage.Store

	Log *zap.Logger
}
