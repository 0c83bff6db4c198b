package cascore

import (
	"slices"
	"time"

	"github.com/unkn0wn-root/cascore/store"
)

type Op uint8

const (
	OpUpsert Op = iota + 1
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpUpsert:
		return "upsert"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// ChangeEvent announces that an entity reached Version in a committed
// transaction. Events are immutable; handlers must not modify Tags or Data.
type ChangeEvent struct {
	Key        store.Key
	Op         Op
	Version    uint64
	Tags       []string
	OccurredAt time.Time
	TxID       string
	// Data is the committed payload. Nil for deletes.
	Data []byte
}

func (e ChangeEvent) clone() ChangeEvent {
	e.Tags = slices.Clone(e.Tags)
	e.Data = slices.Clone(e.Data)
	return e
}
