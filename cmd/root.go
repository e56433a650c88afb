package cmd

import (
	"errors"
	"log"
	"strings"

	"github.com/spigell/fitcheck/internal/breaker"
	"github.com/spigell/fitcheck/internal/pipeline"
	"github.com/spigell/fitcheck/internal/search"
	"github.com/spigell/fitcheck/internal/server"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	app = "fitcheck"
)

type Config struct {
	ProfileFile   string            `mapstructure:"profile-file"`
	PromptsDir    string            `mapstructure:"prompts-dir"`
	PromptVariant string            `mapstructure:"prompt-variant"`
	Pipeline      pipeline.Settings `mapstructure:"pipeline"`
	AI            *AIConfig         `mapstructure:"ai"`
	Search        search.Config     `mapstructure:"search"`
	Breakers      breaker.SetConfig `mapstructure:"breakers"`
	Server        server.Config     `mapstructure:"server"`
}

type AIConfig struct {
	Provider      string        `mapstructure:"provider"`
	MaxConcurrent int64         `mapstructure:"max-concurrent"`
	Gemini        *GeminiConfig `mapstructure:"gemini"`
}

type GeminiConfig struct {
	APIKey       string `mapstructure:"api-key"`
	APIKeyFile   string `mapstructure:"api-key-file"`
	Model        string `mapstructure:"model"`
	MaxRetries   int    `mapstructure:"max-retries"`
	MaxLogLength int    `mapstructure:"max-log-length"`
}

var (
	// Used for flags.
	cfgFile string

	rootCmd = &cobra.Command{
		Use:   app,
		Short: "fitcheck researches a company or role on the web and writes a fit narrative for your profile",
	}
)

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	viper.SetEnvPrefix(strings.ToUpper(app))
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	if err := viper.BindEnv("ai.gemini.api-key-file", "GEMINI_API_KEY_FILE"); err != nil {
		log.Fatalf("binding GEMINI_API_KEY_FILE environment variable: %v", err)
	}

	setDefaults()

	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "a config file (default is fitcheck.yaml in current directory)")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "verbose/debug output")
	rootCmd.PersistentFlags().BoolP("json", "j", false, "json format for logging")

	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

// setDefaults registers every tunable so a partial config file keeps the rest.
// Registered keys are also what viper.Unmarshal consults for environment overrides.
func setDefaults() {
	p := pipeline.DefaultSettings()
	viper.SetDefault("profile-file", "profile.yaml")
	viper.SetDefault("prompts-dir", "")
	viper.SetDefault("prompt-variant", "")
	viper.SetDefault("pipeline.max-iterations", p.MaxIterations)
	viper.SetDefault("pipeline.min-evidence", p.MinEvidence)
	viper.SetDefault("pipeline.max-concurrent", p.MaxConcurrent)
	viper.SetDefault("pipeline.request-timeout", p.RequestTimeout)
	viper.SetDefault("pipeline.enrich-limit", p.EnrichLimit)
	viper.SetDefault("pipeline.fetch-timeout", p.FetchTimeout)
	viper.SetDefault("pipeline.min-confidence", p.ConfidenceFloor())

	viper.SetDefault("ai.provider", "gemini")
	viper.SetDefault("ai.max-concurrent", 8)
	viper.SetDefault("ai.gemini.api-key", "")
	viper.SetDefault("ai.gemini.model", "gemini-2.5-flash")
	viper.SetDefault("ai.gemini.max-retries", 3)
	viper.SetDefault("ai.gemini.max-log-length", 200)

	viper.SetDefault("search.endpoint", search.DefaultEndpoint)
	viper.SetDefault("search.api-key", "")
	viper.SetDefault("search.api-key-file", "")
	viper.SetDefault("search.results-per-query", 10)
	viper.SetDefault("search.requests-per-second", 5)
	viper.SetDefault("search.max-retries", 3)

	b := breaker.DefaultSetConfig()
	for name, c := range map[string]breaker.Config{
		breaker.NameSearch:     b.Search,
		breaker.NameFetch:      b.Fetch,
		breaker.NameGeneration: b.Generation,
	} {
		viper.SetDefault("breakers."+name+".failure-threshold", c.FailureThreshold)
		viper.SetDefault("breakers."+name+".success-threshold", c.SuccessThreshold)
		viper.SetDefault("breakers."+name+".reset-timeout", c.ResetTimeout)
	}

	viper.SetDefault("server.host", "127.0.0.1")
	viper.SetDefault("server.port", 8080)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName(app)
		viper.SetConfigType("yaml")
	}

	// Without an explicit --config every setting may come from defaults and the environment.
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			log.Fatal(err)
		}
	}
}

func getConfig() (*Config, error) {
	var config *Config
	err := viper.Unmarshal(&config)
	if err != nil {
		return config, err
	}

	return config, nil
}
