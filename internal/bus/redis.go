package bus

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/solatis/paybridge/internal/types"
)

const (
	defaultStream = "paybridge"
	bodyField     = "body"
	blockTimeout  = time.Second
)

// Redis consumes from a Redis stream through consumer groups. A rollback
// switches the subscription into replay mode, which re-reads the
// consumer's pending entries (ID "0") before resuming new ones (">").
type Redis struct {
	log    *zap.Logger
	client *redis.Client
	stream string
}

// parseRedisURL strips the stream parameter, which redis.ParseURL rejects.
func parseRedisURL(raw string) (*redis.Options, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, "", fmt.Errorf("redis url: %w", err)
	}
	q := u.Query()
	stream := q.Get("stream")
	if stream == "" {
		stream = defaultStream
	}
	q.Del("stream")
	u.RawQuery = q.Encode()

	opts, err := redis.ParseURL(u.String())
	if err != nil {
		return nil, "", fmt.Errorf("redis url: %w", err)
	}
	return opts, stream, nil
}

// NewRedis connects to the server named by url.
func NewRedis(ctx context.Context, rawURL string, log *zap.Logger) (*Redis, error) {
	opts, stream, err := parseRedisURL(rawURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", opts.Addr, err)
	}

	r := &Redis{
		log:    log.Named("bus.redis").With(zap.String("stream", stream)),
		client: client,
		stream: stream,
	}
	r.log.Info("Redis connected", zap.String("addr", opts.Addr), zap.Int("db", opts.DB))
	return r, nil
}

// Publish appends msg to the stream, one field per attribute plus the body.
func (r *Redis) Publish(ctx context.Context, msg types.Message) error {
	values := make(map[string]any)
	for k, v := range msg.Attributes.Headers() {
		values[k] = v
	}
	values[bodyField] = msg.Body

	err := r.client.XAdd(ctx, &redis.XAddArgs{Stream: r.stream, Values: values}).Err()
	if err != nil {
		return fmt.Errorf("publish to redis stream %s: %w", r.stream, err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, opts Options) (Subscription, error) {
	if opts.Group == "" {
		return nil, errors.New("redis subscription requires a consumer group")
	}
	err := r.client.XGroupCreateMkStream(ctx, r.stream, opts.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("create redis group %s: %w", opts.Group, err)
	}
	return &redisSubscription{
		transport: r,
		group:     opts.Group,
		selector:  opts.Selector,
		replay:    true,
	}, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

type redisSubscription struct {
	transport *Redis
	group     string

	mu       sync.Mutex
	selector Matcher
	replay   bool
	closed   bool
}

func (s *redisSubscription) state() (Matcher, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, "", types.ErrTransportClosed
	}
	if s.replay {
		return s.selector, "0", nil
	}
	return s.selector, ">", nil
}

func (s *redisSubscription) Fetch(ctx context.Context) (*Delivery, error) {
	r := s.transport
	for {
		sel, id, err := s.state()
		if err != nil {
			return nil, err
		}
		args := &redis.XReadGroupArgs{
			Group:    s.group,
			Consumer: s.group,
			Streams:  []string{r.stream, id},
			Count:    1,
			Block:    blockTimeout,
		}
		res, err := r.client.XReadGroup(ctx, args).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("read redis group %s: %w", s.group, err)
		}

		var entry *redis.XMessage
		for i := range res {
			if len(res[i].Messages) > 0 {
				entry = &res[i].Messages[0]
				break
			}
		}
		if entry == nil {
			if id == "0" {
				s.mu.Lock()
				s.replay = false
				s.mu.Unlock()
			}
			continue
		}

		msg, headers := decodeEntry(entry)
		if !matches(sel, msg.Attributes) {
			if err := r.client.XAck(ctx, r.stream, s.group, entry.ID).Err(); err != nil {
				return nil, fmt.Errorf("skip redis entry %s: %w", entry.ID, err)
			}
			continue
		}
		return &Delivery{Message: msg, Headers: headers, handle: entry.ID}, nil
	}
}

func decodeEntry(e *redis.XMessage) (types.Message, map[string]string) {
	headers := make(map[string]string, len(e.Values))
	var body []byte
	for k, v := range e.Values {
		s := fmt.Sprint(v)
		if k == bodyField {
			body = []byte(s)
			continue
		}
		headers[k] = s
	}
	return types.Message{Attributes: types.ParseAttributes(headers), Body: body}, headers
}

func (s *redisSubscription) Commit(ctx context.Context, d *Delivery) error {
	r := s.transport
	return r.client.XAck(ctx, r.stream, s.group, d.handle.(string)).Err()
}

// Rollback leaves the entry pending and rereads the pending list.
func (s *redisSubscription) Rollback(_ context.Context, _ *Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replay = true
	return nil
}

func (s *redisSubscription) SetSelector(sel Matcher) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return types.ErrTransportClosed
	}
	s.selector = sel
	return nil
}

func (s *redisSubscription) Selector() Matcher {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selector
}

func (s *redisSubscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
