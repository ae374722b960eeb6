// Package ids issues the ULID identifiers used for roles, audit entries and
// every other stored entity. ULIDs sort by creation time, which keeps audit
// listings chronological without an extra order-by column.
package ids

import (
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a fresh identifier. The monotonic entropy source keeps ids
// strictly ordered even when minted within the same millisecond.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
