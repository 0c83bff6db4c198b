package cascore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	c "github.com/unkn0wn-root/cascore/codec"
	"github.com/unkn0wn-root/cascore/store"
)

// Entity is a typed view of a stored record.
type Entity[T any] struct {
	Key       store.Key `json:"key"`
	Version   uint64    `json:"version"`
	Value     T         `json:"value"`
	Tags      []string  `json:"tags,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Filter is the structured predicate accepted by Find.
type Filter struct {
	Tag      string
	IDPrefix string
	Limit    int // <= 0 means no limit
}

// Source is the read side of a repository.
type Source[T any] interface {
	// KeyFor returns the full key an id maps to in this repository.
	KeyFor(id string) store.Key
	// Get returns *NotFoundError when the entity is absent or deleted.
	Get(ctx context.Context, id string) (Entity[T], error)
	// Find returns live entities ordered by id.
	Find(ctx context.Context, f Filter) ([]Entity[T], error)
}

// Repository is bound to a transaction scope. Writes are buffered in the
// scope until it commits and are visible to reads through the same scope.
type Repository[T any] interface {
	Source[T]
	// Create assigns a random id when id is empty. ErrEntityExists if live.
	Create(ctx context.Context, id string, v T, tags []string) (Entity[T], error)
	// Update replaces the value. nil tags keep the current tags.
	Update(ctx context.Context, id string, v T, tags []string) (Entity[T], error)
	Delete(ctx context.Context, id string) error
}

type typedKeys struct {
	tenant, typ string
}

func (k typedKeys) KeyFor(id string) store.Key {
	return store.Key{Tenant: k.tenant, Type: k.typ, ID: id}
}

func (k typedKeys) predicate(f Filter) store.Predicate {
	return store.Predicate{Tenant: k.tenant, Type: k.typ, Tag: f.Tag, IDPrefix: f.IDPrefix, Limit: f.Limit}
}

func decode[T any](codec c.Codec[T], r store.Record) (Entity[T], error) {
	v, err := codec.Decode(r.Data)
	if err != nil {
		return Entity[T]{}, fmt.Errorf("cascore: decode %s: %w", r.Key, err)
	}
	return Entity[T]{Key: r.Key, Version: r.Version, Value: v, Tags: slices.Clone(r.Tags), UpdatedAt: r.UpdatedAt}, nil
}

func decodeAll[T any](codec c.Codec[T], rs []store.Record) ([]Entity[T], error) {
	out := make([]Entity[T], 0, len(rs))
	for _, r := range rs {
		e, err := decode(codec, r)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Reader reads committed state straight from the engine, one short
// transaction per call. It is the path for callers that need guaranteed
// freshness.
type Reader[T any] struct {
	typedKeys
	engine store.Engine
	codec  c.Codec[T]
}

var _ Source[struct{}] = (*Reader[struct{}])(nil)

func NewReader[T any](engine store.Engine, tenant, typ string, codec c.Codec[T]) *Reader[T] {
	return &Reader[T]{typedKeys: typedKeys{tenant: tenant, typ: typ}, engine: engine, codec: codec}
}

func (r *Reader[T]) Get(ctx context.Context, id string) (Entity[T], error) {
	tx, err := r.engine.Begin(ctx)
	if err != nil {
		return Entity[T]{}, err
	}
	defer tx.Rollback(context.WithoutCancel(ctx))

	key := r.KeyFor(id)
	rec, err := tx.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) || (err == nil && rec.Deleted) {
		return Entity[T]{}, &NotFoundError{Key: key}
	}
	if err != nil {
		return Entity[T]{}, err
	}
	return decode(r.codec, rec)
}

func (r *Reader[T]) Find(ctx context.Context, f Filter) ([]Entity[T], error) {
	tx, err := r.engine.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(context.WithoutCancel(ctx))

	rs, err := tx.Scan(ctx, r.predicate(f))
	if err != nil {
		return nil, err
	}
	return decodeAll(r.codec, rs)
}

// Bind returns a repository for one entity type whose reads and writes go
// through s.
func Bind[T any](s *Scope, tenant, typ string, codec c.Codec[T]) Repository[T] {
	return &scopedRepo[T]{typedKeys: typedKeys{tenant: tenant, typ: typ}, s: s, codec: codec}
}

type scopedRepo[T any] struct {
	typedKeys
	s     *Scope
	codec c.Codec[T]
}

func (r *scopedRepo[T]) Get(ctx context.Context, id string) (Entity[T], error) {
	key := r.KeyFor(id)
	rec, ok, err := r.s.get(ctx, key)
	if err != nil {
		return Entity[T]{}, err
	}
	if !ok {
		return Entity[T]{}, &NotFoundError{Key: key}
	}
	return decode(r.codec, rec)
}

func (r *scopedRepo[T]) Find(ctx context.Context, f Filter) ([]Entity[T], error) {
	rs, err := r.s.scan(ctx, r.predicate(f))
	if err != nil {
		return nil, err
	}
	return decodeAll(r.codec, rs)
}

func (r *scopedRepo[T]) Create(ctx context.Context, id string, v T, tags []string) (Entity[T], error) {
	data, err := r.codec.Encode(v)
	if err != nil {
		return Entity[T]{}, fmt.Errorf("cascore: encode: %w", err)
	}
	if id == "" {
		id = newID()
	}
	rec, err := r.s.stage(ctx, r.KeyFor(id), stageCreate, data, tags)
	if err != nil {
		return Entity[T]{}, err
	}
	return Entity[T]{Key: rec.Key, Version: rec.Version, Value: v, Tags: slices.Clone(rec.Tags), UpdatedAt: rec.UpdatedAt}, nil
}

func (r *scopedRepo[T]) Update(ctx context.Context, id string, v T, tags []string) (Entity[T], error) {
	data, err := r.codec.Encode(v)
	if err != nil {
		return Entity[T]{}, fmt.Errorf("cascore: encode: %w", err)
	}
	rec, err := r.s.stage(ctx, r.KeyFor(id), stageUpdate, data, tags)
	if err != nil {
		return Entity[T]{}, err
	}
	return Entity[T]{Key: rec.Key, Version: rec.Version, Value: v, Tags: slices.Clone(rec.Tags), UpdatedAt: rec.UpdatedAt}, nil
}

func (r *scopedRepo[T]) Delete(ctx context.Context, id string) error {
	_, err := r.s.stage(ctx, r.KeyFor(id), stageDelete, nil, nil)
	return err
}

// CachedReader serves Get through a Cache and passes Find through to the
// source. Attach the cache to the bus so commits invalidate it.
type CachedReader[T any] struct {
	src   Source[T]
	cache Cache[Entity[T]]
	ttl   time.Duration
}

var _ Source[struct{}] = (*CachedReader[struct{}])(nil)

// NewCachedReader wraps src. ttl 0 uses the cache default.
func NewCachedReader[T any](src Source[T], cache Cache[Entity[T]], ttl time.Duration) *CachedReader[T] {
	return &CachedReader[T]{src: src, cache: cache, ttl: ttl}
}

func (r *CachedReader[T]) KeyFor(id string) store.Key { return r.src.KeyFor(id) }

func (r *CachedReader[T]) Get(ctx context.Context, id string) (Entity[T], error) {
	return r.cache.Get(ctx, r.KeyFor(id).String(), func(ctx context.Context) (Loaded[Entity[T]], error) {
		e, err := r.src.Get(ctx, id)
		if err != nil {
			return Loaded[Entity[T]]{}, err
		}
		return Loaded[Entity[T]]{Value: e, Version: e.Version, Tags: e.Tags, TTL: r.ttl}, nil
	})
}

func (r *CachedReader[T]) Find(ctx context.Context, f Filter) ([]Entity[T], error) {
	return r.src.Find(ctx, f)
}
