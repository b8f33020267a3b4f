package underwriting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"FolioLedger/internal/observability"
	"FolioLedger/internal/rpc"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"google.golang.org/grpc"
)

// Applicant is the health profile sent to the risk scorer.
type Applicant struct {
	Age              int     `json:"age" validate:"gte=18,lte=120"`
	Gender           string  `json:"gender" validate:"required,oneof=male female other"`
	HeightCm         float64 `json:"height_cm" validate:"gt=0,lte=300"`
	WeightKg         float64 `json:"weight_kg" validate:"gt=0,lte=500"`
	Smoker           bool    `json:"smoker"`
	CigarettesPerDay int     `json:"cigarettes_per_day" validate:"gte=0,lte=200"`
	Alcohol          string  `json:"alcohol" validate:"required,oneof=none occasional regular heavy"`
	ActivityLevel    string  `json:"activity_level" validate:"required,oneof=sedentary light moderate active"`
	Diet             string  `json:"diet" validate:"required,oneof=poor average good"`
	Occupation       string  `json:"occupation" validate:"required,max=80"`
}

// RiskScorer returns a risk percentage in [0, 100] for an applicant.
type RiskScorer interface {
	Score(ctx context.Context, a Applicant) (float64, error)
}

// ErrScoreOutOfRange is returned for a score outside [0, 100].
var ErrScoreOutOfRange = errors.New("risk score out of range")

// ScoreMethod is the full gRPC method name of the risk service.
const ScoreMethod = "/risk.v1.RiskService/Score"

type ScoreRequest struct {
	Applicant Applicant `json:"applicant"`
}

type ScoreResponse struct {
	RiskPercent float64 `json:"risk_percent"`
}

// GRPCRiskScorer calls the external risk service over gRPC with the JSON
// codec. Calls go through a circuit breaker; an open breaker fails fast.
type GRPCRiskScorer struct {
	conn    grpc.ClientConnInterface
	breaker *gobreaker.CircuitBreaker
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewGRPCRiskScorer(conn grpc.ClientConnInterface, metrics *observability.Metrics, logger zerolog.Logger) *GRPCRiskScorer {
	s := &GRPCRiskScorer{conn: conn, metrics: metrics, logger: logger}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "risk-scorer",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
			if metrics != nil {
				metrics.BreakerState.WithLabelValues(name).Set(float64(to))
			}
		},
	})
	return s
}

func (s *GRPCRiskScorer) Score(ctx context.Context, a Applicant) (float64, error) {
	start := time.Now()
	defer func() {
		if s.metrics != nil {
			s.metrics.RiskScoreDuration.Observe(time.Since(start).Seconds())
		}
	}()

	out, err := s.breaker.Execute(func() (interface{}, error) {
		var resp ScoreResponse
		if err := s.conn.Invoke(ctx, ScoreMethod, &ScoreRequest{Applicant: a}, &resp, rpc.CallOption()); err != nil {
			return nil, err
		}
		return resp.RiskPercent, nil
	})
	if err != nil {
		return 0, fmt.Errorf("risk score: %w", err)
	}

	score := out.(float64)
	if score < 0 || score > 100 {
		return 0, fmt.Errorf("%w: %v", ErrScoreOutOfRange, score)
	}
	return score, nil
}

// BreakerState exposes the breaker for health reporting.
func (s *GRPCRiskScorer) BreakerState() gobreaker.State {
	return s.breaker.State()
}
