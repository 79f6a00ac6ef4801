// Package stub provides a deterministic predictor for development and
// tests. It must never run in production; construction fails closed.
package stub

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/genomeops/amr-service/internal/domain"
)

// Predictor emits reproducible pseudo-probabilities derived from the
// segment id, so fixtures and assertions stay stable across runs.
type Predictor struct{}

// New constructs the stub predictor. A production environment is
// rejected: the service must not silently serve fake predictions.
func New(environment string) (*Predictor, error) {
	if environment == "prod" {
		return nil, fmt.Errorf("%w: stub predictor refused in prod", domain.ErrInvalidInput)
	}
	return &Predictor{}, nil
}

// Predict returns one prediction per segment, in input order.
func (p *Predictor) Predict(ctx context.Context, modelName string, segments []domain.Segment) ([]domain.SegmentPrediction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]domain.SegmentPrediction, 0, len(segments))
	for _, s := range segments {
		r := score(modelName, s.ID)
		out = append(out, domain.SegmentPrediction{
			SequenceID:  s.Header,
			Start:       s.Start,
			End:         s.End,
			Resistant:   r,
			Susceptible: 1 - r,
		})
	}
	return out, nil
}

func score(model, id string) float64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(model))
	_, _ = h.Write([]byte(id))
	return float64(h.Sum32()%1000) / 999.0
}
