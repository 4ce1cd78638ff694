// Package xid mints prefixed record IDs for locally created sales and
// payments. The prefix keeps the record kind readable in logs; the
// timestamp plus random tail keeps IDs unique across agents that have
// never talked to each other.
package xid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// New returns an ID like "sale-1735689600123456789-a1b2c3d4e5f60718".
func New(prefix string) string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s-%d-%s", prefix, time.Now().UnixNano(), hex.EncodeToString(buf))
}
