package matching

import (
	"crypto/sha256"
	"fmt"
	"slices"
	"strings"

	"github.com/pairup/collab/internal/session"
)

// QueuePrefix is the Redis key prefix for per-criteria queues.
const QueuePrefix = "match_queue:"

// Criteria is a search's (difficulty-set, topic-set) pair. Equality is set
// equality: order and duplicates in the request do not matter.
type Criteria session.Criteria

// Normalize trims each value, drops empties and duplicates, and sorts both sets.
func (c Criteria) Normalize() Criteria {
	return Criteria{
		Difficulty: normalizeSet(c.Difficulty),
		Topics:     normalizeSet(c.Topics),
	}
}

// Validate reports ErrInvalidCriteria unless both sets are non-empty after
// normalization.
func (c Criteria) Validate() error {
	n := c.Normalize()
	if len(n.Difficulty) == 0 {
		return fmt.Errorf("%w: difficulty is empty", ErrInvalidCriteria)
	}
	if len(n.Topics) == 0 {
		return fmt.Errorf("%w: topics is empty", ErrInvalidCriteria)
	}
	return nil
}

// Canonical returns the unhashed normalized encoding stored on queue entries.
// Two criteria are set-equal exactly when their canonical forms are equal.
func (c Criteria) Canonical() string {
	n := c.Normalize()
	return strings.Join(n.Difficulty, "\x1f") + "\x1e" + strings.Join(n.Topics, "\x1f")
}

// Key computes a deterministic 16-char hash of the criteria.
func (c Criteria) Key() string {
	h := sha256.Sum256([]byte(c.Canonical()))
	return fmt.Sprintf("%x", h[:8])
}

// QueueKey returns the Redis list key for the criteria bucket.
func (c Criteria) QueueKey() string {
	return QueuePrefix + c.Key()
}

func normalizeSet(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
