// Package batch tracks in-flight uploads and their expiry.
package batch

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/jacktea/assetvault/pkg/asset"
	"github.com/jacktea/assetvault/pkg/xerrors"
)

// DefaultTTL is the idle window after which an open batch expires.
const DefaultTTL = 5 * time.Minute

// ID is a 128-bit batch identifier.
type ID uuid.UUID

// String renders the canonical UUID form.
func (id ID) String() string { return uuid.UUID(id).String() }

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(b []byte) error {
	return (*uuid.UUID)(id).UnmarshalText(b)
}

// ParseID parses the canonical string form.
func ParseID(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ID{}, xerrors.Wrap(xerrors.KindInvalid, "batch.ParseID", s, err)
	}
	return ID(u), nil
}

// Batch is one open upload targeting an asset path.
type Batch struct {
	ID        ID
	Key       asset.Key
	ExpiresAt time.Time
}

// Options configures a Ledger.
type Options struct {
	TTL   time.Duration
	Now   func() time.Time
	NewID func() uuid.UUID
}

// Ledger holds open batches. Expiry is lazy: an expired batch is reported as
// Expired on access and stays in the ledger until Reap or Sweep removes it.
// Not safe for concurrent use.
type Ledger struct {
	batches map[ID]Batch
	ttl     time.Duration
	now     func() time.Time
	newID   func() uuid.UUID
}

// NewLedger returns an empty ledger.
func NewLedger(opts Options) *Ledger {
	l := &Ledger{
		batches: make(map[ID]Batch),
		ttl:     opts.TTL,
		now:     opts.Now,
		newID:   opts.NewID,
	}
	if l.ttl <= 0 {
		l.ttl = DefaultTTL
	}
	if l.now == nil {
		l.now = time.Now
	}
	if l.newID == nil {
		l.newID = uuid.New
	}
	return l
}

// TTL returns the configured grace window.
func (l *Ledger) TTL() time.Duration { return l.ttl }

// Initiate opens a batch for key.
func (l *Ledger) Initiate(key asset.Key) Batch {
	id := ID(l.newID())
	for {
		if _, taken := l.batches[id]; !taken {
			break
		}
		id = ID(l.newID())
	}
	b := Batch{ID: id, Key: key, ExpiresAt: l.now().Add(l.ttl)}
	l.batches[id] = b
	return b
}

// Touch refreshes the expiry of an open batch.
func (l *Ledger) Touch(id ID) (Batch, error) {
	b, err := l.lookup("batch.Touch", id)
	if err != nil {
		return Batch{}, err
	}
	b.ExpiresAt = l.now().Add(l.ttl)
	l.batches[id] = b
	return b, nil
}

// Get returns an open batch without refreshing it.
func (l *Ledger) Get(id ID) (Batch, error) {
	return l.lookup("batch.Get", id)
}

// Commit removes and returns an open batch. A batch can be committed once.
func (l *Ledger) Commit(id ID) (Batch, error) {
	b, err := l.lookup("batch.Commit", id)
	if err != nil {
		return Batch{}, err
	}
	delete(l.batches, id)
	return b, nil
}

// Reap removes id if it has expired and reports whether it did.
func (l *Ledger) Reap(id ID) bool {
	b, ok := l.batches[id]
	if !ok || !l.expired(b) {
		return false
	}
	delete(l.batches, id)
	return true
}

// Sweep removes every expired batch and returns their ids in a stable order.
func (l *Ledger) Sweep() []ID {
	var out []ID
	for id, b := range l.batches {
		if l.expired(b) {
			delete(l.batches, id)
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].String() < out[j].String()
	})
	return out
}

// Open returns the open, unexpired batches ordered by expiry.
func (l *Ledger) Open() []Batch {
	out := make([]Batch, 0, len(l.batches))
	for _, b := range l.batches {
		if !l.expired(b) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ExpiresAt.Before(out[j].ExpiresAt)
	})
	return out
}

// Len returns the number of tracked batches, including expired ones not yet
// reaped.
func (l *Ledger) Len() int { return len(l.batches) }

func (l *Ledger) lookup(op string, id ID) (Batch, error) {
	b, ok := l.batches[id]
	if !ok {
		return Batch{}, xerrors.E(xerrors.KindNotFound, op, id.String())
	}
	if l.expired(b) {
		return Batch{}, xerrors.E(xerrors.KindExpired, op, id.String())
	}
	return b, nil
}

func (l *Ledger) expired(b Batch) bool {
	return !l.now().Before(b.ExpiresAt)
}
