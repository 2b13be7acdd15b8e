package queue

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"

	"github.com/leakwatch/leakwatch/errs"
)

const (
	redisPopTimeout    = time.Second
	redisReadyInterval = 250 * time.Millisecond
	redisMaxRetryWait  = 30 * time.Second
)

// Codec converts queue items to and from their broker wire form.
type Codec[T any] struct {
	Marshal   func(T) ([]byte, error)
	Unmarshal func([]byte) (T, error)
}

// Redis is the broker-backed queue variant: RPUSH/BLPOP on a named list.
// The list is effectively unbounded, depth is a broker query, and Notify
// and Join are deliberate no-ops because acknowledgement semantics belong
// to the broker, not this process.
type Redis[T any] struct {
	client *redis.Client
	key    string
	codec  Codec[T]
}

// NewRedis constructs a broker-backed queue over the given list key.
func NewRedis[T any](client *redis.Client, key string, codec Codec[T]) *Redis[T] {
	return &Redis[T]{client: client, key: key, codec: codec}
}

// Put implements Queue.
func (q *Redis[T]) Put(ctx context.Context, item T) error {
	data, err := q.codec.Marshal(item)
	if err != nil {
		return err
	}
	if err := q.client.RPush(ctx, q.key, data).Err(); err != nil {
		return errs.New("queue", errs.CodeStorage, errs.WithMessage("push to "+q.key), errs.WithCause(err))
	}
	return nil
}

// TryPut implements Queue. Broker lists do not fill, so it is Put without
// the blocking contract.
func (q *Redis[T]) TryPut(item T) error {
	return q.Put(context.Background(), item)
}

// Get implements Queue. Transient broker failures are retried with
// exponential backoff; context cancellation stops the wait.
func (q *Redis[T]) Get(ctx context.Context) (T, error) {
	var zero T
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = redisMaxRetryWait

	for {
		res, err := q.client.BLPop(ctx, redisPopTimeout, q.key).Result()
		switch {
		case err == nil:
			if len(res) != 2 {
				return zero, errs.New("queue", errs.CodeStorage, errs.WithMessage("unexpected BLPOP reply shape"))
			}
			return q.codec.Unmarshal([]byte(res[1]))
		case errors.Is(err, redis.Nil):
			backoffCfg.Reset()
			continue
		case ctx.Err() != nil:
			return zero, ctx.Err()
		default:
			sleep := backoffCfg.NextBackOff()
			if sleep == backoff.Stop {
				sleep = redisMaxRetryWait
			}
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(sleep):
			}
		}
	}
}

// TryGet implements Queue.
func (q *Redis[T]) TryGet() (T, error) {
	var zero T
	res, err := q.client.LPop(context.Background(), q.key).Result()
	if errors.Is(err, redis.Nil) {
		return zero, ErrEmpty
	}
	if err != nil {
		return zero, errs.New("queue", errs.CodeStorage, errs.WithMessage("pop from "+q.key), errs.WithCause(err))
	}
	return q.codec.Unmarshal([]byte(res))
}

// Ready implements Queue. BLPOP cannot join a select, so readiness is a
// periodic hint and callers fall back to TryGet.
func (q *Redis[T]) Ready() <-chan struct{} {
	ch := make(chan struct{}, 1)
	time.AfterFunc(redisReadyInterval, func() { ch <- struct{}{} })
	return ch
}

// Len implements Queue. A broker error reads as empty; depth is advisory.
func (q *Redis[T]) Len() int {
	n, err := q.client.LLen(context.Background(), q.key).Result()
	if err != nil {
		return 0
	}
	return int(n)
}

// Cap implements Queue.
func (q *Redis[T]) Cap() int { return 0 }

// Notify implements Queue as a no-op; see the type comment.
func (q *Redis[T]) Notify() error { return nil }

// Join implements Queue as a no-op; see the type comment.
func (q *Redis[T]) Join(context.Context) error { return nil }
