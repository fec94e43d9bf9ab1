// Copyright 2026 The Interactive Shell Authors
// SPDX-License-Identifier: Apache-2.0

// Package sessionid issues human-readable session identifiers from a
// fixed adjective×noun pool: "brave-otter", "quiet-harbor-2". An ID
// stays reserved until the session that holds it fully terminates;
// user takeover does not release it. When the pool is badly congested
// the generator falls back to a timestamp slug that cannot collide
// with the word pool.
package sessionid

import (
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"
)

var adjectives = []string{
	"amber", "bold", "brave", "brisk", "calm", "clever", "coral",
	"crisp", "daring", "dusty", "eager", "fancy", "fleet", "gentle",
	"glad", "golden", "happy", "hazel", "humble", "ivory", "jolly",
	"keen", "lively", "lucky", "mellow", "merry", "misty", "noble",
	"olive", "plucky", "proud", "quiet", "rapid", "rosy", "rustic",
	"sandy", "silent", "silver", "sleek", "snowy", "solid", "spry",
	"steady", "stout", "sunny", "swift", "tidy", "vivid", "wise",
	"witty",
}

var nouns = []string{
	"anchor", "aspen", "badger", "beacon", "birch", "breeze", "brook",
	"canyon", "cedar", "cliff", "comet", "coral", "crane", "delta",
	"ember", "falcon", "fern", "fjord", "galaxy", "glade", "grove",
	"harbor", "heron", "island", "jasper", "lagoon", "lantern", "lark",
	"lynx", "maple", "marble", "meadow", "mesa", "nebula", "otter",
	"pebble", "pine", "prairie", "quartz", "raven", "reef", "ridge",
	"river", "sparrow", "summit", "thicket", "tundra", "walnut",
	"willow", "wren",
}

// maxSlugAttempts is how many adjective×noun draws (each with its
// numeric-suffix fallbacks) are tried before giving up on the word
// pool entirely.
const maxSlugAttempts = 20

// Pool tracks which identifiers are currently reserved. All methods
// are safe for concurrent use; the registry is the only intended
// owner.
type Pool struct {
	mu       sync.Mutex
	reserved map[string]bool
	rng      *rand.Rand
	now      func() time.Time
}

// NewPool creates an empty pool. The now function provides timestamps
// for the fallback slug; pass nil for time.Now.
func NewPool(now func() time.Time) *Pool {
	if now == nil {
		now = time.Now
	}
	return &Pool{
		reserved: make(map[string]bool),
		rng:      rand.New(rand.NewSource(now().UnixNano())),
		now:      now,
	}
}

// Generate reserves and returns a fresh identifier: "word-word" when
// free, "word-word-N" (N=2..9) on collision, and after
// maxSlugAttempts failed draws, "shell-<base36 timestamp>".
func (p *Pool) Generate() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	for attempt := 0; attempt < maxSlugAttempts; attempt++ {
		slug := adjectives[p.rng.Intn(len(adjectives))] + "-" + nouns[p.rng.Intn(len(nouns))]
		if !p.reserved[slug] {
			p.reserved[slug] = true
			return slug
		}
		for n := 2; n <= 9; n++ {
			suffixed := fmt.Sprintf("%s-%d", slug, n)
			if !p.reserved[suffixed] {
				p.reserved[suffixed] = true
				return suffixed
			}
		}
	}

	// The word pool is congested beyond plausibility; issue a
	// timestamp slug. Bump the clock value until it is free so two
	// fallback calls in the same millisecond cannot collide.
	stamp := p.now().UnixMilli()
	for {
		id := "shell-" + strconv.FormatInt(stamp, 36)
		if !p.reserved[id] {
			p.reserved[id] = true
			return id
		}
		stamp++
	}
}

// Reserve marks a specific identifier as taken. Returns false if it
// was already reserved.
func (p *Pool) Reserve(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reserved[id] {
		return false
	}
	p.reserved[id] = true
	return true
}

// Release returns an identifier to the pool. Releasing an unknown
// identifier is a no-op.
func (p *Pool) Release(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.reserved, id)
}

// Reserved reports whether an identifier is currently taken.
func (p *Pool) Reserved(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reserved[id]
}
