package boot

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Env           string `env:"ENV,default=dev"`
	DataDirectory string `env:"DATA_DIR"`
	Hub           struct {
		Addr        string `env:"HUB_ADDR,default=:8080"`
		MetricsAddr string `env:"METRICS_ADDR,default=:8081"`
		Secret      string `env:"HUB_SECRET"`
		BaseURL     string `env:"HUB_URL,default=http://127.0.0.1:8080"`
	}
	// MessageTTL is the retention window after which messages are garbage
	// collected from the shared store.
	MessageTTL time.Duration `env:"MESSAGE_TTL,default=24h"`
	// CleanupInterval is how often the janitor sweeps for expired messages.
	CleanupInterval time.Duration `env:"CLEANUP_INTERVAL,default=1h"`
}

func Load() (*Config, error) {
	config := &Config{}
	if err := envconfig.Process(context.Background(), config); err != nil {
		return nil, fmt.Errorf("parsing env vars: %w", err)
	}
	return config, nil
}

func (c *Config) IsProduction() bool {
	return c.Env == "prod"
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "dev"
}
