// Package memcache adapts bradfitz/gomemcache as a shared cache provider.
package memcache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/cespare/xxhash/v2"

	pr "github.com/unkn0wn-root/cascore/provider"
)

// memcached rejects keys longer than this or containing spaces/control bytes.
const maxKeyLen = 250

var ErrNilClient = errors.New("memcache provider: nil client")

type Provider struct {
	c      *memcache.Client
	prefix string
}

var _ pr.Provider = (*Provider)(nil)

type Config struct {
	Client *memcache.Client
	Prefix string
}

// New wraps an existing client. Use Dial for a client built from server addresses.
func New(cfg Config) (*Provider, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	return &Provider{c: cfg.Client, prefix: cfg.Prefix}, nil
}

func Dial(prefix string, timeout time.Duration, servers ...string) (*Provider, error) {
	if len(servers) == 0 {
		return nil, errors.New("memcache provider: no servers")
	}
	c := memcache.New(servers...)
	if timeout > 0 {
		c.Timeout = timeout
	}
	return &Provider{c: c, prefix: prefix}, nil
}

func (p *Provider) Get(_ context.Context, key string) ([]byte, bool, error) {
	it, err := p.c.Get(p.key(key))
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", pr.ErrUnavailable, err)
	}
	return it.Value, true, nil
}

func (p *Provider) Set(_ context.Context, key string, value []byte, _ int64, ttl time.Duration) (bool, error) {
	err := p.c.Set(&memcache.Item{
		Key:        p.key(key),
		Value:      value,
		Expiration: expiration(ttl),
	})
	if errors.Is(err, memcache.ErrNotStored) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", pr.ErrUnavailable, err)
	}
	return true, nil
}

func (p *Provider) Del(_ context.Context, key string) error {
	err := p.c.Delete(p.key(key))
	if err == nil || errors.Is(err, memcache.ErrCacheMiss) {
		return nil
	}
	return fmt.Errorf("%w: %v", pr.ErrUnavailable, err)
}

func (p *Provider) Close(context.Context) error { return nil }

// key hashes keys memcached would refuse. The hash keeps a readable head so
// keys stay greppable in stats dumps.
func (p *Provider) key(k string) string {
	k = p.prefix + k
	if len(k) <= maxKeyLen && legal(k) {
		return k
	}
	head := k
	if len(head) > 64 {
		head = head[:64]
	}
	out := make([]byte, 0, 64+17)
	for i := 0; i < len(head); i++ {
		c := head[i]
		if c <= ' ' || c == 0x7f {
			c = '_'
		}
		out = append(out, c)
	}
	out = append(out, '#')
	return string(strconv.AppendUint(out, xxhash.Sum64String(k), 16))
}

func legal(k string) bool {
	for i := 0; i < len(k); i++ {
		if k[i] <= ' ' || k[i] == 0x7f {
			return false
		}
	}
	return true
}

// Expiration is whole seconds, minimum 1 for any positive ttl.
// Values above 30 days are treated by memcached as unix timestamps.
func expiration(ttl time.Duration) int32 {
	if ttl <= 0 {
		return 0
	}
	if ttl > 30*24*time.Hour {
		return int32(time.Now().Add(ttl).Unix())
	}
	s := int32(ttl / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}
