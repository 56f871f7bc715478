package channel

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DedupeMiddleware drops messages whose (channel, id) was already seen within ttl.
// Platforms redeliver webhooks and websocket events after reconnects.
func DedupeMiddleware(log *slog.Logger, ttl time.Duration) Middleware {
	if log == nil {
		log = slog.Default()
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	var (
		mu   sync.Mutex
		seen = map[string]time.Time{}
	)
	return func(next InboundHandler) InboundHandler {
		return func(ctx context.Context, msg InboundMessage) error {
			if msg.ID == "" {
				return next(ctx, msg)
			}
			key := msg.Channel.String() + ":" + msg.ID
			now := time.Now()
			mu.Lock()
			for k, at := range seen {
				if now.Sub(at) > ttl {
					delete(seen, k)
				}
			}
			if _, dup := seen[key]; dup {
				mu.Unlock()
				log.Debug("duplicate inbound dropped", slog.String("channel", msg.Channel.String()), slog.String("message_id", msg.ID))
				return nil
			}
			seen[key] = now
			mu.Unlock()
			return next(ctx, msg)
		}
	}
}

// RateLimitMiddleware drops messages from senders exceeding perMinute messages
// per minute. At most maxSenders limiters are tracked; the map is reset when full.
func RateLimitMiddleware(log *slog.Logger, perMinute, burst, maxSenders int) Middleware {
	if log == nil {
		log = slog.Default()
	}
	if perMinute <= 0 {
		return func(next InboundHandler) InboundHandler { return next }
	}
	if burst <= 0 {
		burst = perMinute
	}
	if maxSenders <= 0 {
		maxSenders = 4096
	}
	limit := rate.Limit(float64(perMinute) / 60.0)
	var (
		mu       sync.Mutex
		limiters = map[string]*rate.Limiter{}
	)
	return func(next InboundHandler) InboundHandler {
		return func(ctx context.Context, msg InboundMessage) error {
			key := msg.Channel.String() + ":" + msg.SenderID
			mu.Lock()
			limiter, ok := limiters[key]
			if !ok {
				if len(limiters) >= maxSenders {
					limiters = map[string]*rate.Limiter{}
				}
				limiter = rate.NewLimiter(limit, burst)
				limiters[key] = limiter
			}
			mu.Unlock()
			if !limiter.Allow() {
				log.Warn("inbound rate limited",
					slog.String("channel", msg.Channel.String()),
					slog.String("sender_id", msg.SenderID))
				return nil
			}
			return next(ctx, msg)
		}
	}
}
