package memory

import (
	"strings"
	"sync"
	"time"
)

// TIDs are 14-character base36 identifiers ordered by creation time. They
// are used as record keys, so a lexicographic scan over rkeys is a scan
// in time order.
const (
	tidLength   = 14
	tidAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
)

var tidMu sync.Mutex
var tidLast int64

// NewTID returns a sortable-time identifier. Callers in the same process
// are guaranteed strictly increasing values even within one microsecond.
func NewTID() string {
	tidMu.Lock()
	now := time.Now().UnixMicro()
	if now <= tidLast {
		now = tidLast + 1
	}
	tidLast = now
	tidMu.Unlock()
	return encodeBase36(now)
}

func encodeBase36(n int64) string {
	var b [tidLength]byte
	for i := tidLength - 1; i >= 0; i-- {
		b[i] = tidAlphabet[n%36]
		n /= 36
	}
	return string(b[:])
}

// IsTID reports whether s looks like a TID produced by NewTID.
func IsTID(s string) bool {
	if len(s) != tidLength {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune(tidAlphabet, r) {
			return false
		}
	}
	return true
}
