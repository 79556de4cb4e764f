// Package shard maps calendar dates to the store's partition keys.
//
// A shard key is the local calendar day a record belongs to, formatted as
// zero-padded YYYYMMDD. The mapping is pure: two instants on the same local
// day always produce the same key, regardless of their UTC representation.
package shard

import (
	"fmt"
	"time"

	"opdesk/pkg/platform/sentinel"
)

// Key is a date-derived partition key ("20260831").
type Key string

func (k Key) String() string { return string(k) }

const keyLayout = "20060102"

// Codec derives shard keys in one fixed civil timezone.
type Codec struct {
	loc *time.Location
}

// NewCodec builds a codec for the named timezone.
func NewCodec(timezone string) (*Codec, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", timezone, err)
	}
	return &Codec{loc: loc}, nil
}

// NewCodecIn builds a codec for an already-loaded location. Intended for tests.
func NewCodecIn(loc *time.Location) *Codec {
	return &Codec{loc: loc}
}

// Location returns the codec's civil timezone.
func (c *Codec) Location() *time.Location { return c.loc }

// KeyFor maps an instant to the shard key of its local calendar day.
// A zero instant is rejected rather than defaulting to today.
func (c *Codec) KeyFor(t time.Time) (Key, error) {
	if t.IsZero() {
		return "", fmt.Errorf("zero instant: %w", sentinel.ErrInvalidInstant)
	}
	return Key(t.In(c.loc).Format(keyLayout)), nil
}

// ParseDay parses a YYYY-MM-DD date string into midnight of that day in the
// codec's timezone.
func (c *Codec) ParseDay(s string) (time.Time, error) {
	t, err := time.ParseInLocation("2006-01-02", s, c.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse day %q: %w", s, sentinel.ErrInvalidInstant)
	}
	return t, nil
}

// RangeOf returns one key per calendar day in [start, end] inclusive, in
// calendar order. start after end yields an empty range, not an error.
func (c *Codec) RangeOf(start, end time.Time) ([]Key, error) {
	if start.IsZero() || end.IsZero() {
		return nil, fmt.Errorf("zero range bound: %w", sentinel.ErrInvalidInstant)
	}

	first := c.truncateToDay(start)
	last := c.truncateToDay(end)
	if first.After(last) {
		return []Key{}, nil
	}

	var keys []Key
	for day := first; !day.After(last); day = day.AddDate(0, 0, 1) {
		keys = append(keys, Key(day.Format(keyLayout)))
	}
	return keys, nil
}

// truncateToDay rewrites t as midnight of its local calendar day. Using the
// civil date components (not Truncate) keeps DST transition days intact.
func (c *Codec) truncateToDay(t time.Time) time.Time {
	y, m, d := t.In(c.loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, c.loc)
}
