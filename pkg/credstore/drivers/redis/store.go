// Package redis is a credstore.Store shared between processes through Redis.
// Every process sharing the key sees replacements and clears through a
// pub/sub channel, so a logout in one tab-equivalent ends the session in all.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aussiebroadwan/sessionkeeper/pkg/credstore"
	"github.com/aussiebroadwan/sessionkeeper/pkg/slogx"
	"github.com/redis/go-redis/v9"
)

const DefaultKey = "sessionkeeper:credentials"

// clearedPayload is published when the pair is removed. A real payload is
// always a JSON object, so it can never collide.
const clearedPayload = "cleared"

type Options struct {
	// Key holding the JSON encoded pair. Default: DefaultKey.
	Key string

	// Channel carrying change notifications. Default: Key + ":changes".
	Channel string

	Logger *slog.Logger
}

// Store keeps the pair in a Redis string and mirrors changes over pub/sub.
// Subscribers are notified from the pub/sub feed, including for writes made
// by this process.
type Store struct {
	credstore.Notifier

	rdb     redis.UniversalClient
	pubsub  *redis.PubSub
	key     string
	channel string
	logger  *slog.Logger
	done    chan struct{}
}

// New subscribes to the change channel and starts relaying notifications.
// Close stops the relay; it does not close rdb.
func New(ctx context.Context, rdb redis.UniversalClient, opts Options) (*Store, error) {
	if opts.Key == "" {
		opts.Key = DefaultKey
	}
	if opts.Channel == "" {
		opts.Channel = opts.Key + ":changes"
	}

	pubsub := rdb.Subscribe(ctx, opts.Channel)

	// Wait for the subscription confirmation so no change published after
	// New returns can be missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis credstore: subscribe %s: %w", opts.Channel, err)
	}

	s := &Store{
		rdb:     rdb,
		pubsub:  pubsub,
		key:     opts.Key,
		channel: opts.Channel,
		logger:  slogx.Or(opts.Logger).With("component", "credstore.redis"),
		done:    make(chan struct{}),
	}
	go s.relay()

	return s, nil
}

func (s *Store) relay() {
	defer close(s.done)

	for msg := range s.pubsub.Channel() {
		if msg.Payload == clearedPayload {
			s.Notify(credstore.Change{Cleared: true})
			continue
		}

		var pair credstore.TokenPair
		if err := json.Unmarshal([]byte(msg.Payload), &pair); err != nil {
			s.logger.Warn("credstore_change_undecodable", "channel", msg.Channel, "err", err)
			continue
		}
		s.Notify(credstore.Change{Pair: pair})
	}
}

// Close stops relaying notifications.
func (s *Store) Close() error {
	err := s.pubsub.Close()
	<-s.done
	return err
}

func (s *Store) Get(ctx context.Context) (credstore.TokenPair, error) {
	raw, err := s.rdb.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return credstore.TokenPair{}, credstore.ErrNotFound
	}
	if err != nil {
		return credstore.TokenPair{}, err
	}

	var pair credstore.TokenPair
	if err := json.Unmarshal(raw, &pair); err != nil {
		return credstore.TokenPair{}, fmt.Errorf("redis credstore: decode %s: %w", s.key, err)
	}
	if err := pair.Validate(); err != nil {
		return credstore.TokenPair{}, err
	}
	return pair, nil
}

func (s *Store) Set(ctx context.Context, pair credstore.TokenPair) error {
	if err := pair.Validate(); err != nil {
		return err
	}

	payload, err := json.Marshal(pair)
	if err != nil {
		return err
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key, payload, 0)
		pipe.Publish(ctx, s.channel, payload)
		return nil
	})
	return err
}

func (s *Store) Clear(ctx context.Context) error {
	n, err := s.rdb.Del(ctx, s.key).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	return s.rdb.Publish(ctx, s.channel, clearedPayload).Err()
}
