package transport

import (
	"context"
	"errors"
	"math"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/luma/lightcache/protocol"
	"github.com/luma/lightcache/storage"
)

// storeTimeout bounds each call into the store
const storeTimeout = 3 * time.Second

// maxTTLSeconds is the longest TTL that fits in a time.Duration, longer ones
// never expire.
const maxTTLSeconds = uint64(math.MaxInt64 / int64(time.Second))

type counters struct {
	started time.Time

	currConnections  atomic.Int64
	totalConnections atomic.Uint64

	cmdGet    atomic.Uint64
	cmdSet    atomic.Uint64
	getHits   atomic.Uint64
	getMisses atomic.Uint64
}

// handler answers decoded requests. It is shared by all connections.
type handler struct {
	store    storage.Store
	settings *Settings
	counters *counters
	log      *zap.Logger
}

func (h *handler) handle(ctx context.Context, cmd protocol.Command, key, data, extra []byte) (protocol.ErrorCode, []byte) {
	if !cmd.Known() {
		return protocol.InvalidCommand, nil
	}

	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	switch cmd {
	case protocol.CmdGet, protocol.CmdGetQ:
		return h.get(ctx, key)

	case protocol.CmdSet, protocol.CmdSetQ:
		return h.set(ctx, key, data, extra), nil

	case protocol.CmdDelete:
		if len(key) == 0 {
			return protocol.InvalidParam, nil
		}

		return h.storeCode(h.store.Delete(ctx, key)), nil

	case protocol.CmdFlushAll:
		return h.storeCode(h.store.Flush(ctx)), nil

	case protocol.CmdChgSetting:
		value, err := protocol.ParseUint(data)
		if err != nil {
			return protocol.InvalidParam, nil
		}

		if !h.settings.Set(string(key), value) {
			return protocol.InvalidParam, nil
		}

		h.log.Info("Setting changed",
			zap.String("setting", string(key)),
			zap.Uint64("value", value))

		return protocol.Success, nil

	case protocol.CmdGetSetting:
		value, ok := h.settings.Get(string(key))
		if !ok {
			return protocol.InvalidParam, nil
		}

		return protocol.Success, protocol.EncodeSettingValue(value)

	case protocol.CmdGetStats:
		return protocol.Success, protocol.FormatStats(h.stats())

	case protocol.CmdNoop:
		return protocol.Success, nil
	}

	return protocol.InvalidCommand, nil
}

func (h *handler) get(ctx context.Context, key []byte) (protocol.ErrorCode, []byte) {
	if len(key) == 0 {
		return protocol.InvalidParam, nil
	}

	h.counters.cmdGet.Add(1)

	value, err := h.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			h.counters.getMisses.Add(1)
		}

		return h.storeCode(err), nil
	}

	h.counters.getHits.Add(1)
	return protocol.Success, value
}

func (h *handler) set(ctx context.Context, key, value, extra []byte) protocol.ErrorCode {
	if len(key) == 0 {
		return protocol.InvalidParam
	}

	secs, err := protocol.ParseUint(extra)
	if err != nil {
		return protocol.InvalidParam
	}

	var ttl time.Duration
	if secs <= maxTTLSeconds {
		ttl = time.Duration(secs) * time.Second
	}

	h.counters.cmdSet.Add(1)

	return h.storeCode(h.store.Set(ctx, key, value, ttl))
}

// storeCode maps a store error onto the code sent back to the client.
func (h *handler) storeCode(err error) protocol.ErrorCode {
	switch {
	case err == nil:
		return protocol.Success

	case errors.Is(err, storage.ErrNotFound):
		return protocol.KeyNotExists

	case errors.Is(err, storage.ErrMemoryExhausted):
		h.log.Debug("Rejected write", zap.Error(err))
		return protocol.InvalidState

	default:
		h.log.Warn("Store failed", zap.Error(err))
		return protocol.InvalidState
	}
}

func (h *handler) stats() *protocol.Stats {
	stats := protocol.NewStats()

	memAvail, _ := h.settings.Get(protocol.SettingMemAvail)

	stats.Set(protocol.StatMemUsed, strconv.FormatUint(h.store.MemUsed(), 10))
	stats.Set("mem_avail", strconv.FormatUint(memAvail, 10))
	stats.Set("curr_items", strconv.Itoa(h.store.Len()))
	stats.Set("curr_connections", strconv.FormatInt(h.counters.currConnections.Load(), 10))
	stats.Set("total_connections", strconv.FormatUint(h.counters.totalConnections.Load(), 10))
	stats.Set("cmd_get", strconv.FormatUint(h.counters.cmdGet.Load(), 10))
	stats.Set("cmd_set", strconv.FormatUint(h.counters.cmdSet.Load(), 10))
	stats.Set("get_hits", strconv.FormatUint(h.counters.getHits.Load(), 10))
	stats.Set("get_misses", strconv.FormatUint(h.counters.getMisses.Load(), 10))
	stats.Set("uptime", strconv.FormatInt(int64(time.Since(h.counters.started)/time.Second), 10))

	return stats
}
