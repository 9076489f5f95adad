package parser

import (
	"fmt"
	"time"

	"github.com/aluiziolira/go-scrape-flyers/models"
	lru "github.com/hashicorp/golang-lru/v2"
)

type parsedDate struct {
	t  time.Time
	ok bool
}

// DateCache memoises validity-date parsing. Flyer pages repeat the same few
// validity timestamps across hundreds of items.
type DateCache struct {
	cache *lru.Cache[string, parsedDate]
}

// NewDateCache builds a cache holding up to size distinct prefixes.
func NewDateCache(size int) (*DateCache, error) {
	cache, err := lru.New[string, parsedDate](size)
	if err != nil {
		return nil, fmt.Errorf("create date cache: %w", err)
	}
	return &DateCache{cache: cache}, nil
}

// Parse interprets the first 10 characters of v as an ISO date. Falsy or
// unparsable values report ok=false. A nil cache parses without memoising.
func (dc *DateCache) Parse(v any) (time.Time, bool) {
	if !Truthy(v) {
		return time.Time{}, false
	}
	s := Text(v)
	if len(s) > 10 {
		s = s[:10]
	}

	if dc == nil {
		return ParseDate(s)
	}
	if hit, ok := dc.cache.Get(s); ok {
		return hit.t, hit.ok
	}
	t, ok := ParseDate(s)
	dc.cache.Add(s, parsedDate{t: t, ok: ok})
	return t, ok
}

// Len returns the number of cached prefixes.
func (dc *DateCache) Len() int {
	if dc == nil {
		return 0
	}
	return dc.cache.Len()
}

// ParseDate parses an ISO calendar date, taking only its first 10 characters.
func ParseDate(s string) (time.Time, bool) {
	if len(s) > 10 {
		s = s[:10]
	}
	t, err := time.Parse(models.DateLayout, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Day truncates t to its calendar date in t's own location, expressed in UTC.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// InWindow reports whether the validity interval [from, to] touches the
// closed window [today-windowDays, today]. A missing bound leaves that side
// open; an item without either bound is never in the window.
func InWindow(from, to *time.Time, windowDays int, today time.Time) bool {
	end := Day(today)
	start := end.AddDate(0, 0, -windowDays)

	switch {
	case from != nil && to != nil:
		return !(Day(*to).Before(start) || Day(*from).After(end))
	case from != nil:
		return !Day(*from).After(end)
	case to != nil:
		return !Day(*to).Before(start)
	default:
		return false
	}
}
