package bus

import (
	"context"
	"log/slog"

	"github.com/cfiorelli/musicr/internal/bus/redisbus"
	"github.com/cfiorelli/musicr/internal/bus/standalone"
)

// Dial returns a Redis-backed Bus when url is non-empty and reachable, or a
// [standalone.Bus] otherwise. A configured-but-unreachable Redis is logged as
// a warning and degrades to standalone rather than failing startup: a single
// node that can't reach its peers should still serve its own room traffic.
func Dial(ctx context.Context, url string) Bus {
	if url == "" {
		slog.Info("bus: no url configured, running in standalone mode")
		return standalone.New()
	}

	b, err := redisbus.Dial(ctx, url)
	if err != nil {
		slog.Warn("bus: failed to connect, degrading to standalone mode", "error", err)
		return standalone.New()
	}
	return b
}
