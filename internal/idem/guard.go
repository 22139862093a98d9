package idem

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"orderflow/models"
)

// ErrPending is returned when a key is reserved by another in-flight
// execution and has not yet completed or expired.
var ErrPending = errors.New("execution already in flight for key")

// Guard enforces at-most-once submission per idempotency key. A key is
// either unknown, claimed by an in-flight execution, or completed with
// a stored result that replays on later calls.
type Guard struct {
	mu      sync.Mutex
	pending map[string]time.Time
	done    map[string]models.ExecutionResult
	order   []string
	ttl     time.Duration
	max     int
	now     func() time.Time
}

// NewGuard builds a guard. claimTTL bounds how long a crashed caller
// can hold a claim; maxRecords bounds the completed-result store.
func NewGuard(claimTTL time.Duration, maxRecords int) *Guard {
	if claimTTL <= 0 {
		claimTTL = 5 * time.Minute
	}
	if maxRecords <= 0 {
		maxRecords = 4096
	}
	return &Guard{
		pending: make(map[string]time.Time),
		done:    make(map[string]models.ExecutionResult),
		ttl:     claimTTL,
		max:     maxRecords,
		now:     time.Now,
	}
}

// Reserve claims a key for execution. It returns a stored result when
// the key already completed, ErrPending when another execution holds a
// live claim, and (nil, nil) when the claim was granted.
func (g *Guard) Reserve(key string) (*models.ExecutionResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if res, ok := g.done[key]; ok {
		replay := res
		replay.Status = models.ExecStatusReplayed
		return &replay, nil
	}
	if claimed, ok := g.pending[key]; ok {
		if g.now().Sub(claimed) < g.ttl {
			return nil, ErrPending
		}
		// Stale claim from a crashed or hung caller; take it over.
	}
	g.pending[key] = g.now()
	return nil, nil
}

// Complete stores the final result for a key and releases its claim.
// Only successful executions should be completed; rejections are
// released instead so a corrected retry can go through.
func (g *Guard) Complete(key string, res models.ExecutionResult) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.pending, key)
	if _, exists := g.done[key]; !exists {
		g.order = append(g.order, key)
	}
	g.done[key] = res

	for len(g.order) > g.max {
		oldest := g.order[0]
		g.order = g.order[1:]
		delete(g.done, oldest)
	}
}

// Release drops a claim without storing a result, making the key
// immediately reusable.
func (g *Guard) Release(key string) {
	g.mu.Lock()
	delete(g.pending, key)
	g.mu.Unlock()
}

// Len reports how many completed results are retained.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.done)
}

// DeriveKey builds a deterministic key from the intent's identity and
// a time bucket, so the same strategy firing twice within one bucket
// collapses to one submission. An intent with no strategy gets a
// random key and is never deduplicated.
func DeriveKey(strategy, symbol string, side models.Side, at time.Time, bucket time.Duration) string {
	if strategy == "" {
		return uuid.NewString()
	}
	if bucket <= 0 {
		bucket = time.Minute
	}
	return fmt.Sprintf("%s:%s:%s:%d",
		strings.ToLower(strategy),
		strings.ToUpper(symbol),
		strings.ToLower(string(side)),
		at.Truncate(bucket).Unix())
}
