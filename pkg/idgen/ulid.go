// Package idgen generates lexicographically sortable identifiers for
// commands and correlation chains.
package idgen

import (
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mu      sync.Mutex
	entropy = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// MustGenerateSortableID returns a new ULID. Sortable IDs keep command logs
// and correlation chains in creation order when sorted as strings.
func MustGenerateSortableID() string {
	mu.Lock()
	defer mu.Unlock()
	ms := ulid.Timestamp(time.Now())
	id, err := ulid.New(ms, entropy)
	if err != nil {
		panic(err)
	}
	return id.String()
}
