// Package listener consumes the scan-profile mutation stream. Mutations are
// delivered at least once; idempotency lives downstream in the push
// pipeline's hash-based deduplication.
package listener

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"scanflow/internal/domain"
	"scanflow/internal/metrics"
)

// Handler is invoked once per mutation message.
type Handler func(ctx context.Context, m domain.ScanProfileMutation)

// ScanProfileMutations reads mutation messages from a Redis list with a
// blocking pop and hands each to the handler.
type ScanProfileMutations struct {
	rdb     *redis.Client
	queue   string
	handler Handler
	sem     chan struct{}
}

func NewScanProfileMutations(rdb *redis.Client, queue string, prefetch int, h Handler) *ScanProfileMutations {
	if prefetch <= 0 {
		prefetch = 1
	}
	return &ScanProfileMutations{rdb: rdb, queue: queue, handler: h, sem: make(chan struct{}, prefetch)}
}

// Listen blocks until ctx is done, dispatching each received mutation. A
// bounded number of handlers run concurrently, matching the prefetch count.
func (l *ScanProfileMutations) Listen(ctx context.Context) error {
	for {
		res, err := l.rdb.BLPop(ctx, 5*time.Second, l.queue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn().Err(err).Str("queue", l.queue).Msg("mutation stream read failed")
			time.Sleep(time.Second)
			continue
		}
		if len(res) < 2 {
			continue
		}
		l.dispatch(ctx, res[1])
	}
}

// dispatch decodes one raw message and hands it to the handler on the
// bounded pool. Malformed messages are dropped. Reports whether the message
// was accepted.
func (l *ScanProfileMutations) dispatch(ctx context.Context, raw string) bool {
	var m domain.ScanProfileMutation
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		log.Warn().Err(err).Str("queue", l.queue).Msg("malformed mutation message, dropping")
		return false
	}
	metrics.MutationsReceived.WithLabelValues(string(m.Operation)).Inc()

	l.sem <- struct{}{}
	go func(m domain.ScanProfileMutation) {
		defer func() { <-l.sem }()
		l.handler(ctx, m)
	}(m)
	return true
}
