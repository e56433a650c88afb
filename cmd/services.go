package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/spigell/fitcheck/internal/ai"
	"github.com/spigell/fitcheck/internal/ai/gemini"
	"github.com/spigell/fitcheck/internal/breaker"
	"github.com/spigell/fitcheck/internal/fetch"
	"github.com/spigell/fitcheck/internal/httputil"
	"github.com/spigell/fitcheck/internal/logger"
	"github.com/spigell/fitcheck/internal/metrics"
	"github.com/spigell/fitcheck/internal/pipeline"
	"github.com/spigell/fitcheck/internal/profile"
	"github.com/spigell/fitcheck/internal/prompts"
	"github.com/spigell/fitcheck/internal/scoring"
	"github.com/spigell/fitcheck/internal/search"
	"github.com/spigell/fitcheck/internal/secrets"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// services holds the process-wide singletons. They are built once at startup
// and shared by every request.
type services struct {
	config       *Config
	logger       *zap.Logger
	metrics      *metrics.Metrics
	orchestrator *pipeline.Orchestrator
}

func setup(ctx context.Context) (*services, error) {
	log, err := logger.New(viper.GetBool("json"), viper.GetBool("debug"))
	if err != nil {
		return nil, fmt.Errorf("creating a logger: %w", err)
	}

	config, err := getConfig()
	if err != nil {
		return nil, fmt.Errorf("getting a config: %w", err)
	}
	if config == nil {
		return nil, errors.New("config is required")
	}

	log.Info("starting the fitcheck", zap.String("version", version))

	// do not bother error since there is a valid parseable config
	pretty, _ := json.MarshalIndent(redacted(config), "", "  ")
	log.Debug(fmt.Sprintf("starting with config: \n %s", pretty))

	m := metrics.New()
	httpClient := httputil.NewClient()

	breakers := breaker.NewSet(config.Breakers, log, breaker.WithListener(m.BreakerListener))
	m.TrackBreakers(breakers.All()...)

	generator, err := newGenerator(ctx, config, httpClient, log)
	if err != nil {
		return nil, fmt.Errorf("building generator: %w", err)
	}

	searchKey, err := secrets.Load(secrets.Source{
		Name:  "search api key",
		File:  config.Search.APIKeyFile,
		Env:   "SERPER_API_KEY",
		Value: config.Search.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("%w (set search.api-key-file or SERPER_API_KEY)", err)
	}
	searchCfg := config.Search
	searchCfg.APIKey = searchKey

	searcher, err := search.New(searchCfg, httpClient, log)
	if err != nil {
		return nil, fmt.Errorf("building search client: %w", err)
	}

	library, err := loadPrompts(config.PromptsDir)
	if err != nil {
		return nil, err
	}

	scoreTemplate, err := library.Load(prompts.ScoreDocument, config.PromptVariant)
	if err != nil {
		return nil, fmt.Errorf("load score template: %w", err)
	}

	maxLogLength := 0
	if config.AI != nil && config.AI.Gemini != nil {
		maxLogLength = config.AI.Gemini.MaxLogLength
	}

	scorer := scoring.NewScorer(generator, breakers.Generation, scoreTemplate, log,
		scoring.WithDropHook(m.RecordDrop),
		scoring.WithMaxLogLength(maxLogLength),
	)

	candidate, err := profile.Load(config.ProfileFile)
	if err != nil {
		return nil, fmt.Errorf("loading candidate profile: %w", err)
	}

	orchestrator, err := pipeline.New(pipeline.Deps{
		Generator: generator,
		Searcher:  searcher,
		Fetcher:   fetch.New(fetch.Config{}, httpClient, log),
		Prompts:   library,
		Variant:   config.PromptVariant,
		Profile:   candidate,
		Breakers:  breakers,
		Scorer:    scorer,
		Logger:    log,
		Settings:  config.Pipeline,
		Metrics:   m,
	})
	if err != nil {
		return nil, fmt.Errorf("building pipeline: %w", err)
	}

	return &services{
		config:       config,
		logger:       log,
		metrics:      m,
		orchestrator: orchestrator,
	}, nil
}

func newGenerator(ctx context.Context, config *Config, httpClient *http.Client, log *zap.Logger) (ai.Generator, error) {
	cfg := config.AI
	if cfg == nil || cfg.Gemini == nil {
		return nil, errors.New("ai.gemini configuration is required")
	}

	provider := strings.TrimSpace(strings.ToLower(cfg.Provider))
	if provider != "" && provider != "gemini" {
		return nil, fmt.Errorf("unsupported ai provider: %s", cfg.Provider)
	}

	apiKey, err := secrets.Load(secrets.Source{
		Name:  "gemini api key",
		File:  cfg.Gemini.APIKeyFile,
		Env:   "GEMINI_API_KEY",
		Value: cfg.Gemini.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("%w (set ai.gemini.api-key-file or GEMINI_API_KEY)", err)
	}

	generator, err := gemini.NewGenerator(ctx, gemini.Config{
		APIKey:       apiKey,
		Model:        cfg.Gemini.Model,
		MaxRetries:   cfg.Gemini.MaxRetries,
		MaxLogLength: cfg.Gemini.MaxLogLength,
		HTTPClient:   httpClient,
	}, log)
	if err != nil {
		return nil, err
	}

	return ai.NewLimited(generator, cfg.MaxConcurrent), nil
}

func loadPrompts(dir string) (*prompts.Library, error) {
	if dir = strings.TrimSpace(dir); dir != "" {
		lib, err := prompts.FromDir(dir)
		if err != nil {
			return nil, fmt.Errorf("load prompts from %q: %w", dir, err)
		}
		return lib, nil
	}

	lib, err := prompts.Embedded()
	if err != nil {
		return nil, fmt.Errorf("load embedded prompts: %w", err)
	}
	return lib, nil
}

// redacted returns a copy of config that is safe to log.
func redacted(config *Config) Config {
	out := *config
	if out.Search.APIKey != "" {
		out.Search.APIKey = "***"
	}
	if out.AI != nil && out.AI.Gemini != nil && out.AI.Gemini.APIKey != "" {
		aiCfg := *out.AI
		geminiCfg := *aiCfg.Gemini
		geminiCfg.APIKey = "***"
		aiCfg.Gemini = &geminiCfg
		out.AI = &aiCfg
	}
	return out
}
