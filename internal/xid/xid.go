// Package xid generates short prefixed identifiers for locally created
// records (return sessions, offline sale placeholders).
package xid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// New returns an id like "rs-18f3c2a9b4-7f2e91d0". The timestamp component
// keeps ids roughly sortable by creation time; the random suffix makes
// collisions across terminals implausible.
func New(prefix string) string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the platform is broken; fall back to
		// the clock rather than crash mid-sale.
		return fmt.Sprintf("%s-%x-%x", prefix, time.Now().UnixNano(), time.Now().UnixMicro()&0xffff)
	}
	return fmt.Sprintf("%s-%x-%s", prefix, time.Now().UnixMilli(), hex.EncodeToString(buf))
}
