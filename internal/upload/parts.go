package upload

import (
	"sync"

	"github.com/johnnynu/chaosfiles/internal/types"
)

// PartResult is a part acknowledged by storage.
type PartResult struct {
	PartNumber uint32
	ETag       string
}

// partSet collects part results. Each part number is accepted once, and
// results come out in part order whatever order they arrived in.
type partSet struct {
	mu       sync.Mutex
	results  []PartResult
	accepted []bool
	count    int
}

func newPartSet(n uint32) *partSet {
	return &partSet{
		results:  make([]PartResult, n),
		accepted: make([]bool, n),
	}
}

func (s *partSet) accept(r PartResult) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.PartNumber == 0 || int(r.PartNumber) > len(s.results) {
		return false
	}
	i := r.PartNumber - 1
	if s.accepted[i] {
		return false
	}
	s.accepted[i] = true
	s.results[i] = r
	s.count++
	return true
}

func (s *partSet) complete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count == len(s.results)
}

func (s *partSet) sorted() []PartResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PartResult, 0, s.count)
	for i, r := range s.results {
		if s.accepted[i] {
			out = append(out, r)
		}
	}
	return out
}

func completedParts(results []PartResult) []types.CompleteUploadPart {
	parts := make([]types.CompleteUploadPart, len(results))
	for i, r := range results {
		parts[i] = types.CompleteUploadPart{
			ETag:       r.ETag,
			PartNumber: int32(r.PartNumber),
		}
	}
	return parts
}
