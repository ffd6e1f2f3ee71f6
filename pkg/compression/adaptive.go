package compression

import (
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// adaptiveMemoSize bounds the per-data-type algorithm memo
const adaptiveMemoSize = 128

// AdaptiveSelector picks the best compression algorithm per data type by
// sampling. The first payload seen for a data type is compressed with every
// candidate codec; the smallest output wins and the choice is memoized so
// later payloads of the same type skip the sampling pass.
type AdaptiveSelector struct {
	mu     sync.Mutex
	codecs []Codec
	memo   *lru.Cache[string, string]
}

// NewAdaptiveSelector creates a selector over the candidate codecs
func NewAdaptiveSelector(codecs []Codec) (*AdaptiveSelector, error) {
	memo, err := lru.New[string, string](adaptiveMemoSize)
	if err != nil {
		return nil, err
	}

	// Fixed candidate order keeps ties deterministic
	ordered := make([]Codec, len(codecs))
	copy(ordered, codecs)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].Name() < ordered[j].Name()
	})

	return &AdaptiveSelector{
		codecs: ordered,
		memo:   memo,
	}, nil
}

// PickAlgorithm returns the memoized algorithm for dataType, sampling the
// candidates with the given payload when no choice has been made yet. The
// sample is compressed with no size threshold so the comparison is purely
// about codec output size.
func (s *AdaptiveSelector) PickAlgorithm(dataType string, sample []byte) string {
	if algorithm, ok := s.memo.Get(dataType); ok {
		return algorithm
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Another goroutine may have sampled while we waited
	if algorithm, ok := s.memo.Get(dataType); ok {
		return algorithm
	}

	best := ""
	bestSize := -1
	for _, codec := range s.codecs {
		out, err := codec.Compress(sample)
		if err != nil {
			continue
		}
		if bestSize < 0 || len(out) < bestSize {
			best = codec.Name()
			bestSize = len(out)
		}
	}

	if best == "" {
		// Every candidate failed; fall back to the first codec and do not
		// memoize so a later sample can retry
		if len(s.codecs) > 0 {
			return s.codecs[0].Name()
		}
		return ""
	}

	s.memo.Add(dataType, best)
	return best
}

// Memoized returns the currently memoized algorithm for dataType, if any
func (s *AdaptiveSelector) Memoized(dataType string) (string, bool) {
	return s.memo.Get(dataType)
}

// Reset drops all memoized choices so the next payload of each data type
// re-samples. Called when the cache is cleared.
func (s *AdaptiveSelector) Reset() {
	s.memo.Purge()
}
