package cache

import (
	"fmt"
	"regexp"
	"time"
)

// Policy selects how an entry is retained. It is a closed set: Persistent,
// TimeToLive, SizeBased and LeastRecentlyUsed.
type Policy interface {
	policyName() string
}

// Persistent entries live until removed or invalidated.
type Persistent struct{}

// TimeToLive entries expire TTL after insertion.
type TimeToLive struct {
	TTL time.Duration
}

// SizeBased bounds the SizeBased family to MaxEntries, evicting the oldest
// inserted entry first.
type SizeBased struct {
	MaxEntries int
}

// LeastRecentlyUsed bounds the LRU family to MaxEntries, evicting the least
// recently read or written entry first.
type LeastRecentlyUsed struct {
	MaxEntries int
}

func (Persistent) policyName() string        { return "persistent" }
func (TimeToLive) policyName() string        { return "ttl" }
func (SizeBased) policyName() string         { return "size" }
func (LeastRecentlyUsed) policyName() string { return "lru" }

// PolicyName returns a short label for p.
func PolicyName(p Policy) string {
	if p == nil {
		return "persistent"
	}
	return p.policyName()
}

// Invalidation selects entries to remove. It is a closed set: Pattern and Tag.
type Invalidation interface {
	matches(key string, tags map[string]struct{}) bool
}

// Pattern invalidates every entry whose key matches the expression.
type Pattern struct {
	Expr *regexp.Regexp
}

// Tag invalidates every entry carrying the tag.
type Tag struct {
	Name string
}

func (p Pattern) matches(key string, _ map[string]struct{}) bool {
	return p.Expr != nil && p.Expr.MatchString(key)
}

func (t Tag) matches(_ string, tags map[string]struct{}) bool {
	_, ok := tags[t.Name]
	return ok
}

// CompilePattern builds a Pattern from a regular expression.
func CompilePattern(expr string) (Pattern, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return Pattern{}, fmt.Errorf("compile invalidation pattern: %w", err)
	}
	return Pattern{Expr: re}, nil
}

// EntityTag is the tag attached to cached views of a single entity.
func EntityTag(entityType, entityID string) string {
	return "entity:" + entityType + ":" + entityID
}

// CollectionTag is the tag attached to cached views of an entity type.
func CollectionTag(entityType string) string {
	return "collection:" + entityType
}
