package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/CarePipe/internal/api"
	"github.com/BTreeMap/CarePipe/internal/crisis"
	"github.com/BTreeMap/CarePipe/internal/flow"
	"github.com/BTreeMap/CarePipe/internal/genai"
	"github.com/BTreeMap/CarePipe/internal/notify"
	"github.com/BTreeMap/CarePipe/internal/retrieval"
	"github.com/BTreeMap/CarePipe/internal/scheduler"
	"github.com/BTreeMap/CarePipe/internal/store"
	"github.com/BTreeMap/CarePipe/internal/util"
	"github.com/BTreeMap/CarePipe/internal/websearch"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for CarePipe state data
	DefaultStateDir = "/var/lib/carepipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "carepipe.db"
	// envFileName is looked up in the state dir, the working dir and the home dir
	envFileName = ".env"
)

func main() {
	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)

	// Initialize structured logger
	initializeLogger(*flags.debug)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping CarePipe with configured modules")
	slog.Debug("Final configuration", "state_dir", *flags.stateDir, "dsn_set", *flags.dbDSN != "", "api_addr", *flags.apiAddr,
		"genai_backend", *flags.genaiBackend, "embedding_backend", *flags.embeddingBackend, "search_backend", *flags.searchBackend)
	if err := run(ctx, config, flags); err != nil {
		slog.Error("CarePipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("CarePipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir    string
	DatabaseURL string
	APIAddr     string
	Debug       bool

	GenAIBackend  string
	OpenAIKey     string
	OpenAIBaseURL string
	GenAIModel    string
	ArkAPIKey     string
	ArkModel      string
	ArkBaseURL    string

	EmbeddingBackend string
	EmbeddingModel   string
	GeminiAPIKey     string

	ResourceCatalog string
	RiskLexicon     string
	PromptsDir      string

	SearchBackend string
	TavilyAPIKey  string

	RedisAddr     string
	RedisPassword string

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFrom       string
	CrisisAlertTo    string

	TurnTimeout         time.Duration
	GenerateTimeout     time.Duration
	EmbedTimeout        time.Duration
	CrisisMaxIterations int
	RetrievalTopN       int
	RetrievalMinScore   float64
	SessionIdleTimeout  time.Duration
}

// Flags holds command line flag values
type Flags struct {
	stateDir         *string
	dbDSN            *string
	apiAddr          *string
	debug            *bool
	genaiBackend     *string
	openaiKey        *string
	embeddingBackend *string
	catalog          *string
	lexicon          *string
	promptsDir       *string
	searchBackend    *string
	redisAddr        *string
	turnTimeout      *time.Duration
	idleTimeout      *time.Duration
}

// initializeLogger sets up structured logging, at debug level when requested
func initializeLogger(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvFiles loads .env files without overriding variables already set.
// Earlier files win, so the state dir takes precedence over the home dir.
func loadEnvFiles() {
	stateDir := os.Getenv("CAREPIPE_STATE_DIR")
	if stateDir == "" {
		stateDir = DefaultStateDir
	}
	candidates := []string{filepath.Join(stateDir, envFileName), envFileName}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, envFileName))
	}
	for _, path := range candidates {
		if err := godotenv.Load(path); err != nil {
			slog.Debug("failed to load .env file", "path", path, "error", err)
			continue
		}
		slog.Debug("successfully loaded .env file", "path", path)
	}
}

// loadEnvironmentConfig loads configuration from environment variables and .env files
func loadEnvironmentConfig() Config {
	loadEnvFiles()

	config := Config{
		StateDir:    os.Getenv("CAREPIPE_STATE_DIR"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		APIAddr:     os.Getenv("API_ADDR"),
		Debug:       util.ParseBoolEnv("CAREPIPE_DEBUG", false),

		GenAIBackend:  strings.ToLower(os.Getenv("GENAI_BACKEND")),
		OpenAIKey:     os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL: os.Getenv("OPENAI_BASE_URL"),
		GenAIModel:    os.Getenv("GENAI_MODEL"),
		ArkAPIKey:     os.Getenv("ARK_API_KEY"),
		ArkModel:      os.Getenv("ARK_MODEL"),
		ArkBaseURL:    os.Getenv("ARK_BASE_URL"),

		EmbeddingBackend: strings.ToLower(os.Getenv("EMBEDDING_BACKEND")),
		EmbeddingModel:   os.Getenv("EMBEDDING_MODEL"),
		GeminiAPIKey:     os.Getenv("GEMINI_API_KEY"),

		ResourceCatalog: os.Getenv("RESOURCE_CATALOG"),
		RiskLexicon:     os.Getenv("RISK_LEXICON"),
		PromptsDir:      os.Getenv("PROMPTS_DIR"),

		SearchBackend: strings.ToLower(os.Getenv("SEARCH_BACKEND")),
		TavilyAPIKey:  os.Getenv("TAVILY_API_KEY"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		TwilioAccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:       os.Getenv("TWILIO_FROM_NUMBER"),
		CrisisAlertTo:    os.Getenv("CRISIS_ALERT_TO"),

		TurnTimeout:         util.ParseDurationEnv("TURN_TIMEOUT", flow.DefaultTurnTimeout),
		GenerateTimeout:     util.ParseDurationEnv("GENERATE_TIMEOUT", genai.DefaultGenerateTimeout),
		EmbedTimeout:        util.ParseDurationEnv("EMBED_TIMEOUT", genai.DefaultEmbedTimeout),
		CrisisMaxIterations: util.ParseIntEnv("CRISIS_MAX_ITERATIONS", crisis.DefaultMaxIterations),
		RetrievalTopN:       util.ParseIntEnv("RETRIEVAL_TOP_N", retrieval.DefaultTopN),
		RetrievalMinScore:   util.ParseFloatEnv("RETRIEVAL_MIN_SCORE", retrieval.DefaultMinScore),
		SessionIdleTimeout:  util.ParseDurationEnv("SESSION_IDLE_TIMEOUT", scheduler.DefaultMaxIdle),
	}

	// Set default state directory if not specified
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No CAREPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}

	// If no database URL is provided, default to SQLite in the state directory
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"CAREPIPE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"API_ADDR", config.APIAddr,
		"GENAI_BACKEND", config.GenAIBackend,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"ARK_API_KEY_SET", config.ArkAPIKey != "",
		"GEMINI_API_KEY_SET", config.GeminiAPIKey != "",
		"TAVILY_API_KEY_SET", config.TavilyAPIKey != "",
		"TWILIO_ACCOUNT_SID_SET", config.TwilioAccountSID != "",
		"REDIS_ADDR", config.RedisAddr)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) Flags {
	flags := Flags{
		stateDir:         fs.String("state-dir", config.StateDir, "state directory for CarePipe data (overrides $CAREPIPE_STATE_DIR)"),
		dbDSN:            fs.String("db-dsn", config.DatabaseURL, "SQLite path or Postgres DSN (overrides $DATABASE_URL)"),
		apiAddr:          fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		debug:            fs.Bool("debug", config.Debug, "enable debug logging (overrides $CAREPIPE_DEBUG)"),
		genaiBackend:     fs.String("genai-backend", config.GenAIBackend, "generation backend: openai or ark (overrides $GENAI_BACKEND)"),
		openaiKey:        fs.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		embeddingBackend: fs.String("embedding-backend", config.EmbeddingBackend, "embedding backend: openai or gemini (overrides $EMBEDDING_BACKEND)"),
		catalog:          fs.String("resource-catalog", config.ResourceCatalog, "resource catalog YAML file (overrides $RESOURCE_CATALOG)"),
		lexicon:          fs.String("risk-lexicon", config.RiskLexicon, "risk lexicon YAML file (overrides $RISK_LEXICON)"),
		promptsDir:       fs.String("prompts-dir", config.PromptsDir, "directory of prompt overrides (overrides $PROMPTS_DIR)"),
		searchBackend:    fs.String("search-backend", config.SearchBackend, "web search backend: tavily or duckduckgo (overrides $SEARCH_BACKEND)"),
		redisAddr:        fs.String("redis-addr", config.RedisAddr, "Redis address for the habit proposal cache (overrides $REDIS_ADDR)"),
		turnTimeout:      fs.Duration("turn-timeout", config.TurnTimeout, "per-turn deadline (overrides $TURN_TIMEOUT)"),
		idleTimeout:      fs.Duration("session-idle-timeout", config.SessionIdleTimeout, "idle conversations are closed after this (overrides $SESSION_IDLE_TIMEOUT)"),
	}

	if err := fs.Parse(args); err != nil {
		slog.Warn("failed to parse flags", "error", err)
	}

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"apiAddr", *flags.apiAddr,
		"debug", *flags.debug,
		"genaiBackend", *flags.genaiBackend,
		"openaiKeySet", *flags.openaiKey != "",
		"embeddingBackend", *flags.embeddingBackend,
		"searchBackend", *flags.searchBackend,
		"turnTimeout", *flags.turnTimeout)

	// Update database DSN if not explicitly set but state directory is provided
	if *flags.dbDSN == config.DatabaseURL && config.DatabaseURL == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "old_state_dir", config.StateDir, "new_state_dir", *flags.stateDir)
	}

	return flags
}

// buildGenAIOptions constructs options for the OpenAI-compatible client
func buildGenAIOptions(config Config, flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	if config.OpenAIBaseURL != "" {
		genaiOpts = append(genaiOpts, genai.WithBaseURL(config.OpenAIBaseURL))
	}
	if config.GenAIModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(config.GenAIModel))
	}
	if config.EmbeddingModel != "" && *flags.embeddingBackend != "gemini" {
		genaiOpts = append(genaiOpts, genai.WithEmbeddingModel(config.EmbeddingModel))
	}
	return genaiOpts
}

// buildGatewayConfig constructs the capability gateway policy
func buildGatewayConfig(config Config) genai.GatewayConfig {
	cfg := genai.DefaultGatewayConfig()
	cfg.GenerateTimeout = config.GenerateTimeout
	cfg.EmbedTimeout = config.EmbedTimeout
	return cfg
}

// buildCrisisConfig constructs the crisis evaluator bounds
func buildCrisisConfig(config Config) crisis.Config {
	cfg := crisis.DefaultConfig()
	if config.CrisisMaxIterations > 0 {
		cfg.MaxIterations = config.CrisisMaxIterations
	}
	return cfg
}

// buildMatcherConfig constructs the retrieval ranking options
func buildMatcherConfig(config Config) retrieval.MatcherConfig {
	return retrieval.MatcherConfig{TopN: config.RetrievalTopN, MinScore: config.RetrievalMinScore}
}

// buildSearchOptions constructs web search options
func buildSearchOptions(config Config) []websearch.Option {
	var searchOpts []websearch.Option
	if config.TavilyAPIKey != "" {
		searchOpts = append(searchOpts, websearch.WithAPIKey(config.TavilyAPIKey))
	}
	return searchOpts
}

// buildTwilioOptions constructs crisis alert SMS options
func buildTwilioOptions(config Config) []notify.TwilioOption {
	var twOpts []notify.TwilioOption
	if config.TwilioAccountSID != "" {
		twOpts = append(twOpts, notify.WithAccountSID(config.TwilioAccountSID))
	}
	if config.TwilioAuthToken != "" {
		twOpts = append(twOpts, notify.WithAuthToken(config.TwilioAuthToken))
	}
	if config.TwilioFrom != "" {
		twOpts = append(twOpts, notify.WithFrom(config.TwilioFrom))
	}
	for _, n := range strings.Split(config.CrisisAlertTo, ",") {
		if n = strings.TrimSpace(n); n != "" {
			twOpts = append(twOpts, notify.WithOnCall(n))
		}
	}
	return twOpts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	// Responses must outlive the turn deadline so timeouts reach the client.
	apiOpts = append(apiOpts, api.WithWriteTimeout(*flags.turnTimeout+15*time.Second))
	return apiOpts
}

// buildMaintenanceConfig constructs the scheduled job settings
func buildMaintenanceConfig(flags Flags) scheduler.MaintenanceConfig {
	return scheduler.MaintenanceConfig{MaxIdle: *flags.idleTimeout}
}

// storeKind names the backend for logs without leaking the DSN.
func storeKind(dsn string) string {
	if store.DetectDSNType(dsn) == "postgres" {
		return "postgres"
	}
	return "sqlite"
}
