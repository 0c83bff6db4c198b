// Package wire frames cached entities. A frame records everything needed to
// decide on read whether the entry may still be served.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
)

const (
	version    byte = 2
	kindEntity byte = 1

	maxTags = 0xFFFF
)

var (
	ErrCorrupt = errors.New("cascore: corrupt cache entry")
	magic4     = [...]byte{'C', 'A', 'S', 'C'}
)

// TagGen pairs a tag with the tag generation observed before the load.
type TagGen struct {
	Tag string
	Gen uint64
}

type Entry struct {
	Gen       uint64 // key generation observed before the load
	Version   uint64 // entity version
	ExpiresAt int64  // unix nanos; 0 = no expiry
	Tags      []TagGen
	Payload   []byte
}

// Encode layout:
//
//	magic(4) | ver(1) | kind(1) | gen(u64) | version(u64) | expiresAt(i64)
//	ntags(u16) | [tagLen(u16) | tag | tagGen(u64)] * ntags
//	vlen(u32) | payload(vlen)
//
// All integers are big endian.
func Encode(e Entry) ([]byte, error) {
	if len(e.Tags) > maxTags {
		return nil, errors.New("cascore: too many tags in cache entry")
	}
	size := 4 + 1 + 1 + 8 + 8 + 8 + 2 + 4 + len(e.Payload)
	for _, t := range e.Tags {
		if l := len(t.Tag); l == 0 || l > 0xFFFF {
			return nil, errors.New("cascore: invalid tag length in cache entry")
		}
		size += 2 + len(t.Tag) + 8
	}

	var buf bytes.Buffer
	buf.Grow(size)
	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kindEntity)

	var u8 [8]byte
	var u4 [4]byte
	var u2 [2]byte

	binary.BigEndian.PutUint64(u8[:], e.Gen)
	buf.Write(u8[:])
	binary.BigEndian.PutUint64(u8[:], e.Version)
	buf.Write(u8[:])
	binary.BigEndian.PutUint64(u8[:], uint64(e.ExpiresAt))
	buf.Write(u8[:])

	binary.BigEndian.PutUint16(u2[:], uint16(len(e.Tags)))
	buf.Write(u2[:])
	for _, t := range e.Tags {
		binary.BigEndian.PutUint16(u2[:], uint16(len(t.Tag)))
		buf.Write(u2[:])
		buf.WriteString(t.Tag)
		binary.BigEndian.PutUint64(u8[:], t.Gen)
		buf.Write(u8[:])
	}

	binary.BigEndian.PutUint32(u4[:], uint32(len(e.Payload)))
	buf.Write(u4[:])
	buf.Write(e.Payload)
	return buf.Bytes(), nil
}

// Decode is strict: any length mismatch or trailing byte is ErrCorrupt.
// The returned payload aliases b.
func Decode(b []byte) (Entry, error) {
	const hdr = 4 + 1 + 1 + 8 + 8 + 8 + 2
	if len(b) < hdr || !bytes.Equal(b[:4], magic4[:]) || b[4] != version || b[5] != kindEntity {
		return Entry{}, ErrCorrupt
	}
	off := 6
	var e Entry
	e.Gen = binary.BigEndian.Uint64(b[off:])
	off += 8
	e.Version = binary.BigEndian.Uint64(b[off:])
	off += 8
	e.ExpiresAt = int64(binary.BigEndian.Uint64(b[off:]))
	off += 8

	n := int(binary.BigEndian.Uint16(b[off:]))
	off += 2
	if n > 0 {
		// each tag needs at least 2+1+8 bytes; bound the allocation by what is left
		if n > (len(b)-off)/11 {
			return Entry{}, ErrCorrupt
		}
		e.Tags = make([]TagGen, 0, n)
	}
	for i := 0; i < n; i++ {
		if off+2 > len(b) {
			return Entry{}, ErrCorrupt
		}
		tl := int(binary.BigEndian.Uint16(b[off:]))
		off += 2
		if tl == 0 || tl+8 > len(b)-off {
			return Entry{}, ErrCorrupt
		}
		tag := string(b[off : off+tl])
		off += tl
		e.Tags = append(e.Tags, TagGen{Tag: tag, Gen: binary.BigEndian.Uint64(b[off:])})
		off += 8
	}

	if off+4 > len(b) {
		return Entry{}, ErrCorrupt
	}
	vlen := int(binary.BigEndian.Uint32(b[off:]))
	off += 4
	if vlen < 0 || vlen != len(b)-off {
		return Entry{}, ErrCorrupt
	}
	e.Payload = b[off : off+vlen]
	return e, nil
}
