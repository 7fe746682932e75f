package main

import (
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"github.com/formpilot/FormPilot/internal/api"
	"github.com/formpilot/FormPilot/internal/cache"
	"github.com/formpilot/FormPilot/internal/delivery"
	"github.com/formpilot/FormPilot/internal/engine"
	"github.com/formpilot/FormPilot/internal/genai"
	"github.com/formpilot/FormPilot/internal/lockfile"
	"github.com/formpilot/FormPilot/internal/store"
	"github.com/formpilot/FormPilot/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for FormPilot state data
	DefaultStateDir = "/var/lib/formpilot"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "formpilot.db"
)

func main() {
	// Initialize structured logger
	initializeLogger()

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags := parseCommandLineFlags(config)

	// Ensure required directories exist
	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	// Only one instance may own a state directory.
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		slog.Error("Failed to acquire instance lock", "error", err, "state_dir", *flags.stateDir)
		os.Exit(1)
	}
	defer func() {
		if err := lock.Release(); err != nil {
			slog.Warn("Failed to release instance lock", "error", err)
		}
	}()

	slog.Info("Bootstrapping FormPilot with configured modules")
	slog.Debug("Final configuration",
		"state_dir", *flags.stateDir, "dsn_set", *flags.dbDSN != "", "api_addr", *flags.apiAddr,
		"tenant_id", *flags.tenantID, "agent_id", *flags.agentID)

	st, err := buildStore(flags)
	if err != nil {
		slog.Error("Failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	ch, err := buildCache(flags)
	if err != nil {
		slog.Error("Failed to connect cache", "error", err)
		os.Exit(1)
	}
	defer ch.Close()

	apiOpts := []api.Option{
		api.WithTenant(*flags.tenantID, *flags.agentID),
		api.WithCache(ch),
		api.WithEngineConfig(buildEngineConfig()),
	}
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if llm := buildLLMClient(flags); llm != nil {
		apiOpts = append(apiOpts, api.WithLLM(llm))
	}
	if kbID := int64(util.ParseIntEnv("KB_ID", 0)); kbID > 0 {
		apiOpts = append(apiOpts, api.WithKnowledgeBaseID(kbID))
	}
	apiOpts = append(apiOpts, api.WithDispatcher(buildDispatcher(flags)))

	server := api.NewServer(st, apiOpts...)
	if err := server.Run(); err != nil {
		slog.Error("FormPilot failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("FormPilot exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL string
	StateDir    string
	OpenAIKey   string
	APIAddr     string
	RedisURL    string
	TenantID    string
	AgentID     string
}

// Flags holds command line flag values
type Flags struct {
	stateDir  *string
	dbDSN     *string
	openaiKey *string
	apiAddr   *string
	redisURL  *string
	tenantID  *string
	agentID   *string
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL: os.Getenv("DATABASE_URL"),
		StateDir:    os.Getenv("FORMPILOT_STATE_DIR"),
		OpenAIKey:   os.Getenv("OPENAI_API_KEY"),
		APIAddr:     os.Getenv("API_ADDR"),
		RedisURL:    os.Getenv("REDIS_URL"),
		TenantID:    os.Getenv("TENANT_ID"),
		AgentID:     os.Getenv("AGENT_ID"),
	}

	// Set default state directory if not specified
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No FORMPILOT_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.TenantID == "" {
		config.TenantID = api.DefaultTenantID
	}
	if config.AgentID == "" {
		config.AgentID = api.DefaultAgentID
	}

	// If no database URL is provided, default to SQLite in the state directory
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"FORMPILOT_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"REDIS_URL_SET", config.RedisURL != "",
		"TENANT_ID", config.TenantID,
		"AGENT_ID", config.AgentID)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:  flag.String("state-dir", config.StateDir, "state directory for FormPilot data (overrides $FORMPILOT_STATE_DIR)"),
		dbDSN:     flag.String("db-dsn", config.DatabaseURL, "database DSN (overrides $DATABASE_URL)"),
		openaiKey: flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		apiAddr:   flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		redisURL:  flag.String("redis-url", config.RedisURL, "Redis connection URL (overrides $REDIS_URL)"),
		tenantID:  flag.String("tenant-id", config.TenantID, "tenant identifier (overrides $TENANT_ID)"),
		agentID:   flag.String("agent-id", config.AgentID, "agent identifier (overrides $AGENT_ID)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr,
		"redisURL_set", *flags.redisURL != "",
		"tenantID", *flags.tenantID,
		"agentID", *flags.agentID)

	// Update database DSN if not explicitly set but state directory is provided
	if *flags.dbDSN == config.DatabaseURL && config.DatabaseURL == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "dsn_updated", true, "old_state_dir", config.StateDir, "new_state_dir", *flags.stateDir)
	}

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if err := os.MkdirAll(*flags.stateDir, 0755); err != nil {
		slog.Error("Failed to create state directory", "error", err, "state_dir", *flags.stateDir)
		return err
	}
	// Ensure the database directory exists if we're using a file-based DSN
	if store.DetectDSNType(*flags.dbDSN) == "sqlite" {
		dbDir := filepath.Dir(*flags.dbDSN)
		slog.Debug("Creating directory for file-based database", "db_dir", dbDir)
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			slog.Error("Failed to create database directory", "error", err, "db_dir", dbDir)
			return err
		}
	}
	return nil
}

// buildStore opens the configured storage backend
func buildStore(flags Flags) (store.Store, error) {
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql", "dsn_set", true)
		return store.NewPostgresStore(store.WithPostgresDSN(*flags.dbDSN))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", *flags.dbDSN)
	return store.NewSQLiteStore(store.WithSQLiteDSN(*flags.dbDSN))
}

// buildCache connects the Redis cache; an empty URL yields a disabled cache
func buildCache(flags Flags) (*cache.Cache, error) {
	var cacheOpts []cache.Option
	if *flags.redisURL != "" {
		cacheOpts = append(cacheOpts, cache.WithURL(*flags.redisURL))
	}
	if ttl := util.ParseIntEnv("CACHE_TTL_SECONDS", 0); ttl > 0 {
		cacheOpts = append(cacheOpts, cache.WithTTL(time.Duration(ttl)*time.Second))
	}
	return cache.New(cacheOpts...)
}

// buildLLMClient creates the OpenAI client, or nil when no key is configured
func buildLLMClient(flags Flags) api.LLMClient {
	if *flags.openaiKey == "" {
		slog.Warn("No OpenAI API key configured; intent routing falls back to heuristics")
		return nil
	}
	genaiOpts := []genai.Option{genai.WithAPIKey(*flags.openaiKey)}
	if model := os.Getenv("LLM_MODEL"); model != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(model))
	}
	if model := os.Getenv("EMBEDDING_MODEL"); model != "" {
		genaiOpts = append(genaiOpts, genai.WithEmbeddingModel(model))
	}
	client, err := genai.NewClient(genaiOpts...)
	if err != nil {
		slog.Error("Failed to create GenAI client, continuing without LLM", "error", err)
		return nil
	}
	return client
}

// buildEngineConfig reads engine tuning from the environment
func buildEngineConfig() engine.Config {
	return engine.Config{
		IntentThreshold:   util.ParseFloatEnv("LLM_INTENT_THRESHOLD", engine.DefaultIntentThreshold),
		RoutingEnabled:    util.ParseBoolEnv("ENABLE_ROUTING", true),
		ExtractionEnabled: util.ParseBoolEnv("ENABLE_EXTRACTION", true),
		ToolsEnabled:      util.ParseBoolEnv("ENABLE_TOOLS", true),
		KnowledgeEnabled:  util.ParseBoolEnv("ENABLE_KNOWLEDGE", true),
		KnowledgeTopK:     util.ParseIntEnv("KNOWLEDGE_TOP_K", engine.DefaultKnowledgeTopK),
	}
}

// buildDispatcher wires the delivery channels that have credentials configured
func buildDispatcher(flags Flags) *delivery.Dispatcher {
	deliveryOpts := []delivery.Option{delivery.WithWebhook(delivery.NewHTTPWebhookSender())}

	if os.Getenv("SMTP_HOST") != "" {
		if sender, err := delivery.NewSMTPSender(); err != nil {
			slog.Warn("Email delivery unavailable", "error", err)
		} else {
			deliveryOpts = append(deliveryOpts, delivery.WithEmail(sender))
		}
	}
	if os.Getenv("TWILIO_ACCOUNT_SID") != "" {
		if sender, err := delivery.NewTwilioSMSClient(); err != nil {
			slog.Warn("SMS delivery unavailable", "error", err)
		} else {
			deliveryOpts = append(deliveryOpts, delivery.WithSMS(sender))
		}
	}
	if os.Getenv("SHEETS_ACCESS_TOKEN") != "" {
		if sender, err := delivery.NewGoogleSheetsClient(""); err != nil {
			slog.Warn("Google Sheets delivery unavailable", "error", err)
		} else {
			deliveryOpts = append(deliveryOpts, delivery.WithSheets(sender))
		}
	}

	return delivery.NewDispatcher(*flags.tenantID, *flags.agentID, deliveryOpts...)
}
