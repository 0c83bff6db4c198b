package memcache

import (
	"strings"
	"testing"
	"time"
)

func TestKeyPassesLegalKeysThrough(t *testing.T) {
	p := &Provider{prefix: "svc:"}
	if got := p.key("e:projects:acme/project/p1"); got != "svc:e:projects:acme/project/p1" {
		t.Fatalf("got %q", got)
	}
}

func TestKeyHashesIllegalKeys(t *testing.T) {
	p := &Provider{}
	long := strings.Repeat("a", 300)
	for _, k := range []string{long, "has space", "ctl\x01byte"} {
		got := p.key(k)
		if len(got) > maxKeyLen || !legal(got) {
			t.Fatalf("key(%q) = %q is not a legal memcache key", k, got)
		}
	}
	if p.key("has space") == p.key("has_space") {
		t.Fatalf("distinct inputs must not collide after sanitising")
	}
}

func TestExpiration(t *testing.T) {
	if expiration(0) != 0 {
		t.Fatalf("zero ttl should mean no expiry")
	}
	if expiration(10*time.Millisecond) != 1 {
		t.Fatalf("sub-second ttl should round up to 1s")
	}
	if expiration(90*time.Second) != 90 {
		t.Fatalf("got %d", expiration(90*time.Second))
	}
	if e := expiration(60 * 24 * time.Hour); int64(e) < time.Now().Unix() {
		t.Fatalf("long ttl should be an absolute timestamp, got %d", e)
	}
}
