package store

import (
	"time"

	"github.com/google/uuid"
)

// MigrationRecord is one applied migration for an owner key. The latest
// record's hash is the O(1) idempotency check: when it equals the current
// snapshot hash, migration is a no-op.
type MigrationRecord struct {
	ID        uuid.UUID `json:"id"`
	OwnerKey  string    `json:"owner_key"`
	Hash      string    `json:"hash"`
	CreatedAt time.Time `json:"created_at"`
}

// JournalEntry is one row of the ordered, append-only migration journal for
// an owner key. Idx increases monotonically and joins to the snapshot store.
type JournalEntry struct {
	OwnerKey   string    `json:"owner_key"`
	Idx        int       `json:"idx"`
	Tag        string    `json:"tag"`
	Breakpoint bool      `json:"breakpoint,omitempty"`
	AppliedAt  time.Time `json:"applied_at"`
}
