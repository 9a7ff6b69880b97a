// Zero-configuration entry point: one call from directory URL to a
// bootstrapped client.
package client

import (
	"context"

	"github.com/cmyocyte/tor-wasm/pkg/config"
)

// Connect builds a client with default tunables against directoryURL and
// bootstraps it. The caller owns the returned client and must Close it.
func Connect(ctx context.Context, directoryURL string) (*Client, error) {
	cfg := config.DefaultConfig()
	cfg.DirectoryURL = directoryURL

	c, err := New(cfg, loggerFromEnv(cfg))
	if err != nil {
		return nil, err
	}
	if err := c.Bootstrap(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}
