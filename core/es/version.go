package es

import (
	"log/slog"
	"math"
)

// Version is the position of an event within the history of its entity.
// The first event of an entity carries version 1 and every further event
// carries exactly the previous version plus one. Version 0 means "before
// the first event" and is never stored.
type Version uint64

// MaxStoredVersion is the largest version a signed 64-bit column can hold.
// Loads bounded above it behave as if unbounded.
const MaxStoredVersion Version = math.MaxInt64

func (v Version) Uint64() uint64                         { return uint64(v) }
func (v Version) Next() Version                          { return v + 1 }
func (v Version) SlogAttr() slog.Attr                    { return newSlogVersionAttr("version", v) }
func (v Version) SlogAttrWithKey(key string) slog.Attr   { return newSlogVersionAttr(key, v) }
func newSlogVersionAttr(key string, v Version) slog.Attr { return slog.Uint64(key, uint64(v)) }

// IsCheckpoint reports whether v falls on a snapshot boundary for the given
// threshold. A zero threshold never matches.
func (v Version) IsCheckpoint(threshold uint64) bool {
	return threshold > 0 && v > 0 && uint64(v)%threshold == 0
}
