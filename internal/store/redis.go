package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const keyPrefix = "jukevox"

// Redis implements Store on a Redis instance. Each document is one JSON
// string value, collection membership is a set, and the change feed is a
// pub/sub channel per collection. Merge-on-update is read-then-set, so
// concurrent writers resolve last-writer-wins, the consistency model
// the election protocol is designed around.
type Redis struct {
	rdb *redis.Client
	log zerolog.Logger
}

// NewRedis wraps an existing client.
func NewRedis(rdb *redis.Client, log zerolog.Logger) *Redis {
	return &Redis{rdb: rdb, log: log.With().Str("component", "store").Logger()}
}

func docKey(collection, id string) string {
	return fmt.Sprintf("%s:doc:%s:%s", keyPrefix, collection, id)
}

func colKey(collection string) string {
	return fmt.Sprintf("%s:col:%s", keyPrefix, collection)
}

func feedChannel(collection string) string {
	return fmt.Sprintf("%s:feed:%s", keyPrefix, collection)
}

func (r *Redis) Create(ctx context.Context, collection, id string, doc Document) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}

	ok, err := r.rdb.SetNX(ctx, docKey(collection, id), raw, 0).Result()
	if err != nil {
		return fmt.Errorf("create document: %w", err)
	}
	if !ok {
		return ErrExists
	}
	if err := r.rdb.SAdd(ctx, colKey(collection), id).Err(); err != nil {
		return fmt.Errorf("index document: %w", err)
	}

	r.publish(ctx, collection, Event{Kind: EventPut, Collection: collection, ID: id, Doc: doc})
	return nil
}

func (r *Redis) Get(ctx context.Context, collection, id string) (Document, error) {
	raw, err := r.rdb.Get(ctx, docKey(collection, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode document %s/%s: %w", collection, id, err)
	}
	return doc, nil
}

func (r *Redis) List(ctx context.Context, collection string, filters ...Filter) ([]Document, error) {
	ids, err := r.rdb.SMembers(ctx, colKey(collection)).Result()
	if err != nil {
		return nil, fmt.Errorf("list collection %s: %w", collection, err)
	}

	var out []Document
	for _, id := range ids {
		doc, err := r.Get(ctx, collection, id)
		if errors.Is(err, ErrNotFound) {
			// Index entry outlived its document; heal the set.
			if serr := r.rdb.SRem(ctx, colKey(collection), id).Err(); serr != nil {
				r.log.Warn().Err(serr).Str("collection", collection).Str("id", id).
					Msg("failed to prune dangling index entry")
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		ok, err := matches(doc, filters)
		if err != nil {
			return nil, err
		}
		if ok {
			doc["$id"] = id
			out = append(out, doc)
		}
	}
	return out, nil
}

func (r *Redis) Update(ctx context.Context, collection, id string, fields Document) error {
	doc, err := r.Get(ctx, collection, id)
	if err != nil {
		return err
	}
	for k, v := range fields {
		doc[k] = v
	}
	delete(doc, "$id")

	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	if err := r.rdb.Set(ctx, docKey(collection, id), raw, 0).Err(); err != nil {
		return fmt.Errorf("update document: %w", err)
	}

	r.publish(ctx, collection, Event{Kind: EventPut, Collection: collection, ID: id, Doc: doc})
	return nil
}

func (r *Redis) Delete(ctx context.Context, collection, id string) error {
	n, err := r.rdb.Del(ctx, docKey(collection, id)).Result()
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	if err := r.rdb.SRem(ctx, colKey(collection), id).Err(); err != nil {
		return fmt.Errorf("unindex document: %w", err)
	}

	r.publish(ctx, collection, Event{Kind: EventDelete, Collection: collection, ID: id})
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, collection string) (<-chan Event, func(), error) {
	pubsub := r.rdb.Subscribe(ctx, feedChannel(collection))
	// Force the subscription onto the wire before returning so callers
	// can rely on "authoritative read after Subscribe" seeing no gap.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", collection, err)
	}

	out := make(chan Event, 64)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				r.log.Warn().Err(err).Str("collection", collection).
					Msg("dropping malformed feed event")
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	stop := func() { _ = pubsub.Close() }
	return out, stop, nil
}

// publish is best-effort: a missed notification is recovered by the
// re-read-on-resubscribe rule, so feed errors are logged, not returned.
func (r *Redis) publish(ctx context.Context, collection string, ev Event) {
	raw, err := json.Marshal(ev)
	if err != nil {
		r.log.Error().Err(err).Msg("encode feed event")
		return
	}
	if err := r.rdb.Publish(ctx, feedChannel(collection), raw).Err(); err != nil {
		r.log.Warn().Err(err).Str("collection", collection).Msg("publish feed event")
	}
}
