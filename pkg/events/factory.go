package events

import (
	"fmt"

	"github.com/aiverify/apigw-worker/pkg/config"
)

// NewBus builds the bus selected by cfg. The redis backend falls back to
// redisAddress when no dedicated address is configured.
func NewBus(cfg config.EventsConfig, redisAddress string) (Bus, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryBus(), nil
	case "redis":
		address := cfg.Address
		if address == "" {
			address = redisAddress
		}

		return NewRedisBus(address, cfg.Prefix)
	case "nats":
		return NewNATSBus(cfg.Address, cfg.Prefix)
	default:
		return nil, fmt.Errorf("unsupported events backend: %q", cfg.Backend)
	}
}
