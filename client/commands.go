package client

import (
	"context"
	"fmt"
	"time"

	"github.com/luma/lightcache/protocol"
)

// Get fetches a key. A missing or expired key is not an error: Get returns
// found == false and LastResponse carries KeyNotExists. Any other error code
// is returned as a protocol.ErrorCode.
func (c *Conn) Get(ctx context.Context, key string) (value []byte, found bool, err error) {
	resp, err := c.Do(ctx, protocol.NewRequest(protocol.CmdGet, key, nil, nil))
	if err != nil {
		return nil, false, err
	}

	switch resp.Code {
	case protocol.Success:
		return resp.Payload, true, nil
	case protocol.KeyNotExists:
		return nil, false, nil
	default:
		return nil, false, resp.Code
	}
}

// Set stores value under key for ttl, rounded up to whole seconds. A zero
// ttl means DefaultTTL.
func (c *Conn) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl == 0 {
		ttl = DefaultTTL
	}

	if ttl < 0 {
		return fmt.Errorf("ttl %v: %w", ttl, protocol.InvalidParam)
	}

	seconds := uint64((ttl + time.Second - 1) / time.Second)

	return c.exec(ctx, protocol.NewRequest(protocol.CmdSet, key, value, protocol.FormatUint(seconds)))
}

// Delete removes a key, failing with protocol.KeyNotExists if it is absent.
func (c *Conn) Delete(ctx context.Context, key string) error {
	return c.exec(ctx, protocol.NewRequest(protocol.CmdDelete, key, nil, nil))
}

// ChgSetting changes a server setting. Unknown names and values the server
// will not take fail with protocol.InvalidParam.
func (c *Conn) ChgSetting(ctx context.Context, name string, value uint64) error {
	return c.exec(ctx, protocol.NewRequest(protocol.CmdChgSetting, name, protocol.FormatUint(value), nil))
}

func (c *Conn) GetSetting(ctx context.Context, name string) (uint64, error) {
	resp, err := c.Do(ctx, protocol.NewRequest(protocol.CmdGetSetting, name, nil, nil))
	if err != nil {
		return 0, err
	}

	if err := resp.Err(); err != nil {
		return 0, err
	}

	return protocol.DecodeSettingValue(resp.Payload)
}

// GetStats fetches the server's stats. Every server reports mem_used, a
// payload without it is rejected with protocol.ErrMissingStat.
func (c *Conn) GetStats(ctx context.Context) (*protocol.Stats, error) {
	resp, err := c.Do(ctx, protocol.Request{Command: protocol.CmdGetStats})
	if err != nil {
		return nil, err
	}

	if err := resp.Err(); err != nil {
		return nil, err
	}

	stats := protocol.ParseStats(resp.Payload)
	if _, ok := stats.Get(protocol.StatMemUsed); !ok {
		return nil, fmt.Errorf("stat %s: %w", protocol.StatMemUsed, protocol.ErrMissingStat)
	}

	return stats, nil
}

// FlushAll removes every key on the server.
func (c *Conn) FlushAll(ctx context.Context) error {
	return c.exec(ctx, protocol.Request{Command: protocol.CmdFlushAll})
}

// Noop checks the server is alive and answering without changing anything.
func (c *Conn) Noop(ctx context.Context) error {
	return c.exec(ctx, protocol.Request{Command: protocol.CmdNoop})
}

// exec runs a command whose success carries no payload.
func (c *Conn) exec(ctx context.Context, req protocol.Request) error {
	resp, err := c.Do(ctx, req)
	if err != nil {
		return err
	}

	return resp.Err()
}
