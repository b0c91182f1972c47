package bus

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/solatis/paybridge/internal/types"
)

// Open connects to the bus named by url: memory://, kafka://brokers/topic or
// redis://host:port/db?stream=name.
func Open(ctx context.Context, url string, log *zap.Logger) (Transport, error) {
	scheme, _, ok := strings.Cut(url, "://")
	if !ok {
		return nil, fmt.Errorf("%w: %q", types.ErrUnsupportedTransport, url)
	}
	switch scheme {
	case "memory":
		return NewMemory(log), nil
	case "kafka":
		return NewKafka(url, log)
	case "redis", "rediss":
		return NewRedis(ctx, url, log)
	default:
		return nil, fmt.Errorf("%w: %s", types.ErrUnsupportedTransport, scheme)
	}
}
