package transport

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/luma/lightcache/protocol"
	"github.com/luma/lightcache/storage"
)

// maxIdleSeconds is the largest idle_conn_timeout that still fits in a
// time.Duration. Anything above it means connections never idle out.
const maxIdleSeconds = uint64(math.MaxInt64 / int64(time.Second))

// Settings are the tunables clients change with CHG_SETTING. They are shared
// by every connection of a server.
type Settings struct {
	// idleConnTimeout is in seconds
	idleConnTimeout atomic.Uint64
	memAvail        atomic.Uint64

	store storage.Store
}

func NewSettings(idleConnTimeout time.Duration, memAvail uint64, store storage.Store) *Settings {
	s := &Settings{store: store}

	s.idleConnTimeout.Store(uint64((idleConnTimeout + time.Second - 1) / time.Second))
	s.memAvail.Store(memAvail)
	store.SetLimit(memAvail)

	return s
}

// Get returns a setting by name, false if there is no such setting.
func (s *Settings) Get(name string) (uint64, bool) {
	switch name {
	case protocol.SettingIdleConnTimeout:
		return s.idleConnTimeout.Load(), true
	case protocol.SettingMemAvail:
		return s.memAvail.Load(), true
	default:
		return 0, false
	}
}

// Set changes a setting, false if there is no such setting. A new mem_avail
// applies to the next write, items already stored are kept.
func (s *Settings) Set(name string, value uint64) bool {
	switch name {
	case protocol.SettingIdleConnTimeout:
		s.idleConnTimeout.Store(value)
	case protocol.SettingMemAvail:
		s.memAvail.Store(value)
		s.store.SetLimit(value)
	default:
		return false
	}

	return true
}

// IdleTimeout is idle_conn_timeout as a duration, zero when there is none.
func (s *Settings) IdleTimeout() time.Duration {
	secs := s.idleConnTimeout.Load()
	if secs == 0 || secs > maxIdleSeconds {
		return 0
	}

	return time.Duration(secs) * time.Second
}

// All returns every setting in a stable order.
func (s *Settings) All() []protocol.Setting {
	return []protocol.Setting{
		{Name: protocol.SettingIdleConnTimeout, Value: s.idleConnTimeout.Load()},
		{Name: protocol.SettingMemAvail, Value: s.memAvail.Load()},
	}
}
