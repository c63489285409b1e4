package coord

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Refresher reloads configuration on demand.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// ConfigWatcher refreshes the registry whenever a change notice is published
// on a Redis channel, so edits propagate faster than the refresh TTL.
type ConfigWatcher struct {
	rdb     *redis.Client
	channel string
	target  Refresher
	log     zerolog.Logger
}

func NewConfigWatcher(rdb *redis.Client, channel string, target Refresher, logger zerolog.Logger) *ConfigWatcher {
	return &ConfigWatcher{rdb: rdb, channel: channel, target: target, log: logger}
}

// Run blocks until ctx is done.
func (w *ConfigWatcher) Run(ctx context.Context) error {
	sub := w.rdb.Subscribe(ctx, w.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", w.channel, err)
	}
	w.log.Info().Str("channel", w.channel).Msg("watching registry changes")
	return w.consume(ctx, sub.Channel())
}

func (w *ConfigWatcher) consume(ctx context.Context, msgs <-chan *redis.Message) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			// coalesce a burst of notices into one reload
			drain(msgs)
			if err := w.target.Refresh(ctx); err != nil {
				w.log.Error().Err(err).Str("notice", msg.Payload).Msg("registry refresh after change notice failed")
				continue
			}
			w.log.Info().Str("notice", msg.Payload).Msg("registry refreshed after change notice")
		}
	}
}

func drain(msgs <-chan *redis.Message) {
	for {
		select {
		case _, ok := <-msgs:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// Notify publishes a change notice for every watcher of channel.
func Notify(ctx context.Context, rdb *redis.Client, channel, notice string) error {
	if err := rdb.Publish(ctx, channel, notice).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}
