// Package ids generates the identifiers beaverdb hands out: document ids and
// lock waiter ids. Both delegate randomness to google/uuid rather than
// hand-rolling an ID scheme.
package ids

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

// NewItemID returns a fresh document identifier for the collection engine.
func NewItemID() string {
	return uuid.NewString()
}

// NewWaiterID returns a process+instance unique id for a lock queue entry,
// "pid:uuid" per the lock manager's acquire contract.
func NewWaiterID() string {
	return fmt.Sprintf("%d:%s", os.Getpid(), uuid.NewString())
}
