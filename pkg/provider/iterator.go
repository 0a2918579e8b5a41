package provider

import "time"

// Candidate is one (provider, key) pair to try.
type Candidate struct {
	Provider string
	Key      Key
}

// CandidateIterator walks the provider hierarchy and each provider's keys
// in priority order. It does no I/O; the selector advances it according
// to the kind of failure it saw.
type CandidateIterator struct {
	hierarchy []string
	keys      map[string][]Key
	now       time.Time
	provider  int
	key       int
}

// NewCandidateIterator snapshots keys (per provider, already ordered by
// priority) at now. Keys that are not usable at now are skipped.
func NewCandidateIterator(hierarchy []string, keys map[string][]Key, now time.Time) *CandidateIterator {
	return &CandidateIterator{hierarchy: hierarchy, keys: keys, now: now}
}

// Next returns the current candidate without moving past it, or false
// when the hierarchy is exhausted.
func (it *CandidateIterator) Next() (Candidate, bool) {
	for it.provider < len(it.hierarchy) {
		name := it.hierarchy[it.provider]
		keys := it.keys[name]
		for it.key < len(keys) {
			if k := keys[it.key]; k.Usable(it.now) {
				return Candidate{Provider: name, Key: k}, true
			}
			it.key++
		}
		it.provider++
		it.key = 0
	}
	return Candidate{}, false
}

// Advance moves past the current candidate. An auth failure rotates to
// the next key of the same provider; every other kind moves on to the
// next provider.
func (it *CandidateIterator) Advance(kind ErrorKind) {
	if it.provider >= len(it.hierarchy) {
		return
	}
	if kind == KindAuthFailed {
		it.key++
		return
	}
	it.provider++
	it.key = 0
}

// Remaining reports whether another candidate exists.
func (it *CandidateIterator) Remaining() bool {
	saved := *it
	_, ok := it.Next()
	*it = saved
	return ok
}
