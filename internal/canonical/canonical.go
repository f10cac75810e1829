// Package canonical produces the stable byte form shared by the ledger
// writer, the chain verifier, and the evidence hasher. JSON is canonicalised
// per RFC 8785 (UTF-8, lexicographically sorted keys, no whitespace, shortest
// number form); timestamps use a fixed microsecond-precision UTC layout so a
// value survives a round trip through the database unchanged.
package canonical

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
)

// timeLayout pins the fractional part to six digits — the precision Postgres
// stores for timestamptz — so writer and verifier always format identically.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// Marshal serialises v to canonical JSON.
func Marshal(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal: %w", err)
	}
	return Bytes(raw)
}

// Bytes re-canonicalises raw JSON. Use this when reading payloads back from
// storage, which may have reordered keys or introduced whitespace.
func Bytes(raw []byte) ([]byte, error) {
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical: transform: %w", err)
	}
	return out, nil
}

// Timestamp renders t in the canonical form used inside event hashes.
func Timestamp(t time.Time) string {
	return t.UTC().Truncate(time.Microsecond).Format(timeLayout)
}

// ParseTimestamp is the inverse of Timestamp.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("canonical: parse timestamp %q: %w", s, err)
	}
	return t, nil
}
