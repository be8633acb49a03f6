package env

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	// Network is "tcp" or "unix"
	Network string        `env:"LIGHTCACHE_NETWORK,default=tcp"`
	Address string        `env:"LIGHTCACHE_ADDRESS,default=127.0.0.1:13131"`
	Timeout time.Duration `env:"LIGHTCACHE_TIMEOUT,default=5s"`

	Debug     bool `env:"LIGHTCACHE_DEBUG"`
	DebugHTTP bool `env:"LIGHTCACHE_DEBUG_HTTP"`

	// Initial server settings
	IdleConnTimeout time.Duration `env:"LIGHTCACHE_IDLE_CONN_TIMEOUT,default=5m"`
	MemAvail        uint64        `env:"LIGHTCACHE_MEM_AVAIL,default=67108864"`
}

func LoadConfig(ctx context.Context) (*Config, error) {
	config := Config{}

	if err := godotenv.Load(".env.local"); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load .env.local: %w", err)
		}
	}

	if err := envconfig.Process(ctx, &config); err != nil {
		return nil, err
	}

	return &config, nil
}
