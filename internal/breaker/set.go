package breaker

import (
	"time"

	"go.uber.org/zap"
)

const (
	NameSearch     = "search"
	NameFetch      = "fetch"
	NameGeneration = "generation"
)

// Set groups the breakers of the three dependency classes.
type Set struct {
	Search     *Breaker
	Fetch      *Breaker
	Generation *Breaker
}

// SetConfig configures all three breakers.
type SetConfig struct {
	Search     Config `mapstructure:"search"`
	Fetch      Config `mapstructure:"fetch"`
	Generation Config `mapstructure:"generation"`
}

// DefaultSetConfig returns the process defaults. Generation recovers slower than search and fetch.
func DefaultSetConfig() SetConfig {
	return SetConfig{
		Search:     Config{FailureThreshold: 5, SuccessThreshold: 2, ResetTimeout: 30 * time.Second},
		Fetch:      Config{FailureThreshold: 5, SuccessThreshold: 2, ResetTimeout: 30 * time.Second},
		Generation: Config{FailureThreshold: 5, SuccessThreshold: 2, ResetTimeout: 60 * time.Second},
	}
}

func NewSet(cfg SetConfig, logger *zap.Logger, opts ...Option) *Set {
	return &Set{
		Search:     New(NameSearch, cfg.Search, logger, opts...),
		Fetch:      New(NameFetch, cfg.Fetch, logger, opts...),
		Generation: New(NameGeneration, cfg.Generation, logger, opts...),
	}
}

func (s *Set) All() []*Breaker {
	return []*Breaker{s.Search, s.Fetch, s.Generation}
}
