// Package natskv implements poolstore.Store on a JetStream key-value
// bucket, so several processes sharing one bot identity can agree on which
// pool owns a guild without a separate coordination service.
package natskv

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
)

// Store is a poolstore.Store backed by a JetStream KV bucket. Unlike
// poolstore.Memory, calls block on network round trips, so Get/Set/Delete
// here take a context via the *Ctx variants; the plain methods use
// context.Background() to satisfy poolstore.Store's synchronous interface.
type Store struct {
	kv jetstream.KeyValue
}

// Open creates or attaches to bucket (history 1: only the current
// assignment matters, not a log of past ones) and returns a Store over it.
func Open(ctx context.Context, js jetstream.JetStream, bucket string) (*Store, error) {
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "guild to pool assignment",
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("natskv: open bucket %s: %w", bucket, err)
	}
	return &Store{kv: kv}, nil
}

func (s *Store) Get(guildID string) (string, bool) {
	return s.GetCtx(context.Background(), guildID)
}

func (s *Store) GetCtx(ctx context.Context, guildID string) (string, bool) {
	entry, err := s.kv.Get(ctx, guildID)
	if err != nil {
		return "", false
	}
	return string(entry.Value()), true
}

func (s *Store) Set(guildID, pool string) {
	_ = s.SetCtx(context.Background(), guildID, pool)
}

func (s *Store) SetCtx(ctx context.Context, guildID, pool string) error {
	_, err := s.kv.Put(ctx, guildID, []byte(pool))
	return err
}

func (s *Store) Delete(guildID string) {
	_ = s.DeleteCtx(context.Background(), guildID)
}

func (s *Store) DeleteCtx(ctx context.Context, guildID string) error {
	err := s.kv.Delete(ctx, guildID)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	return err
}

// Watch streams every subsequent assignment change (guildID, pool) until
// ctx is canceled. A deleted key is reported with an empty pool.
func (s *Store) Watch(ctx context.Context) (<-chan Update, error) {
	watcher, err := s.kv.WatchAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("natskv: watch: %w", err)
	}

	ch := make(chan Update, 64)
	go func() {
		defer close(ch)
		defer watcher.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case entry := <-watcher.Updates():
				if entry == nil {
					continue
				}
				update := Update{GuildID: entry.Key()}
				if entry.Operation() == jetstream.KeyValuePut {
					update.Pool = string(entry.Value())
				}
				select {
				case ch <- update:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return ch, nil
}

// Update describes one observed change to the guild/pool mapping.
type Update struct {
	GuildID string
	Pool    string // empty means the assignment was deleted
}
