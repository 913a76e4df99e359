// Package anomaly provides the advisory request score consumed by the
// router. The score is opaque to the orchestration core: it gates
// requests before selection and never feeds into health or backoff.
package anomaly

import (
	"math"
	"sync"

	"github.com/cagehost/orchestrator/pkg/sandbox"
)

const (
	// neutralScore is returned until the baseline has trained.
	neutralScore = 0.5
	// DefaultTrainSamples is how many requests the baseline observes
	// before it starts scoring.
	DefaultTrainSamples = 100
)

// BaselineScorer trains a mean/variance baseline over request sizes from
// its first N samples, then scores each request by its deviation from
// that baseline, squashed into [0,1].
type BaselineScorer struct {
	mu sync.Mutex

	trainSamples int
	count        int
	mean         float64
	m2           float64 // running sum of squared deviations (Welford)
	trained      bool
}

func NewBaselineScorer(trainSamples int) *BaselineScorer {
	if trainSamples <= 0 {
		trainSamples = DefaultTrainSamples
	}
	return &BaselineScorer{trainSamples: trainSamples}
}

func (s *BaselineScorer) Score(req sandbox.Request) float64 {
	size := float64(len(req.Body) + len(req.Path))

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.trained {
		s.count++
		delta := size - s.mean
		s.mean += delta / float64(s.count)
		s.m2 += delta * (size - s.mean)
		if s.count >= s.trainSamples {
			s.trained = true
		}
		return neutralScore
	}

	stddev := math.Sqrt(s.m2 / float64(s.count))
	if stddev == 0 {
		stddev = 1
	}
	z := math.Abs(size-s.mean) / stddev
	// logistic squash: z=0 -> 0, z ~ 3 -> ~0.9
	return 2/(1+math.Exp(-z*0.75)) - 1
}

// Trained reports whether the baseline finished its training window.
func (s *BaselineScorer) Trained() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trained
}
