package main

import (
	"flag"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/mindframe/cbtcoach/internal/chat"
	"github.com/mindframe/cbtcoach/internal/config"
	"github.com/mindframe/cbtcoach/internal/flow"
	"github.com/mindframe/cbtcoach/internal/genai"
	"github.com/mindframe/cbtcoach/internal/store"
	"github.com/mindframe/cbtcoach/internal/tone"
	"github.com/mindframe/cbtcoach/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for session state data
	DefaultStateDir = "/var/lib/cbtcoach"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "cbtcoach.db"
	// DefaultLogFileName is where structured logs go once the state
	// directory exists; stdout belongs to the chat interface.
	DefaultLogFileName = "cbtcoach.log"
)

func main() {
	initializeLogger()

	envConfig := loadEnvironmentConfig()

	flags := parseCommandLineFlags(envConfig)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	redirectLoggerToFile(*flags.stateDir)

	cfg, err := config.Load(*flags.configPath)
	if err != nil {
		slog.Error("Failed to load configuration file", "error", err)
		os.Exit(1)
	}
	if *flags.model != "" {
		cfg.Model = *flags.model
	}
	// The streaming flag only overrides the config file when given explicitly,
	// either on the command line or through $CBTCOACH_STREAMING.
	streamingSet := os.Getenv("CBTCOACH_STREAMING") != ""
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "streaming" {
			streamingSet = true
		}
	})
	if streamingSet {
		cfg.Streaming = *flags.streaming
	}

	storeOpts := buildStoreOptions(flags)
	genaiOpts := buildGenAIOptions(flags, cfg)

	slog.Info("Bootstrapping cbtcoach with configured modules")
	slog.Debug("Module options counts", "store", len(storeOpts), "genai", len(genaiOpts))
	slog.Debug("Final configuration", "state_dir", *flags.stateDir, "dsn_set", *flags.dbDSN != "", "model", cfg.Model, "streaming", cfg.Streaming)

	if err := run(flags, cfg, storeOpts, genaiOpts); err != nil {
		slog.Error("cbtcoach failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("cbtcoach exited successfully")
}

// run wires the storage, generation and flow modules together and starts the
// chat interface.
func run(flags Flags, cfg config.Config, storeOpts []store.Option, genaiOpts []genai.Option) error {
	st, err := buildStore(storeOpts, flags)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("Failed to close store", "error", err)
		}
	}()

	genaiClient, err := genai.NewClient(genaiOpts...)
	if err != nil {
		return err
	}

	stateManager := flow.NewStoreBasedStateManager(st)
	softener := tone.NewSoftener(cfg.Softening)

	sessionFlow := flow.NewSessionFlow(stateManager, genaiClient, softener)
	sessionFlow.SetHeuristicTokens(cfg.AckTokens, cfg.DeclineTokens)
	sessionFlow.SetStreaming(cfg.Streaming)

	participantID := *flags.participantID
	if participantID == "" {
		participantID = uuid.NewString()
		slog.Info("No participant ID provided, generated a fresh one", "participantID", participantID)
	}

	return chat.Run(sessionFlow, participantID)
}

// buildStore selects the storage backend from the configured options. With no
// DSN the session state lives in memory and is lost on exit.
func buildStore(storeOpts []store.Option, flags Flags) (store.Store, error) {
	if len(storeOpts) == 0 {
		slog.Info("No database DSN provided, using in-memory store")
		return store.NewInMemoryStore(), nil
	}
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		return store.NewPostgresStore(storeOpts...)
	}
	return store.NewSQLiteStore(storeOpts...)
}

// Config holds environment configuration
type Config struct {
	DatabaseURL   string
	StateDir      string
	OpenAIKey     string
	Model         string
	ConfigPath    string
	ParticipantID string
	Streaming     bool
}

// Flags holds command line flag values
type Flags struct {
	stateDir      *string
	dbDSN         *string
	openaiKey     *string
	model         *string
	configPath    *string
	participantID *string
	streaming     *bool
}

// initializeLogger sets up structured logging to stderr until the state
// directory is known.
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// redirectLoggerToFile moves structured logging into the state directory so
// log lines do not interleave with the chat interface.
func redirectLoggerToFile(stateDir string) {
	logPath := filepath.Join(stateDir, DefaultLogFileName)
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		slog.Warn("Failed to open log file, keeping stderr logging", "error", err, "path", logPath)
		return
	}
	logger := slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
	slog.Debug("Logging redirected to file", "path", logPath)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	envConfig := Config{
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		StateDir:      os.Getenv("CBTCOACH_STATE_DIR"),
		OpenAIKey:     os.Getenv("OPENAI_API_KEY"),
		Model:         os.Getenv("OPENAI_MODEL"),
		ConfigPath:    os.Getenv("CBTCOACH_CONFIG"),
		ParticipantID: os.Getenv("CBTCOACH_PARTICIPANT_ID"),
		Streaming:     util.ParseBoolEnv("CBTCOACH_STREAMING", true),
	}

	if envConfig.StateDir == "" {
		envConfig.StateDir = DefaultStateDir
		slog.Debug("No CBTCOACH_STATE_DIR set, using default", "default_state_dir", envConfig.StateDir)
	}

	if envConfig.DatabaseURL == "" {
		envConfig.DatabaseURL = filepath.Join(envConfig.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", envConfig.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", envConfig.DatabaseURL != "",
		"CBTCOACH_STATE_DIR", envConfig.StateDir,
		"OPENAI_API_KEY_SET", envConfig.OpenAIKey != "",
		"OPENAI_MODEL", envConfig.Model,
		"CBTCOACH_CONFIG", envConfig.ConfigPath,
		"CBTCOACH_STREAMING", envConfig.Streaming)

	return envConfig
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(envConfig Config) Flags {
	flags := Flags{
		stateDir:      flag.String("state-dir", envConfig.StateDir, "state directory for session data (overrides $CBTCOACH_STATE_DIR)"),
		dbDSN:         flag.String("db-dsn", envConfig.DatabaseURL, "database DSN for session state (overrides $DATABASE_URL)"),
		openaiKey:     flag.String("openai-api-key", envConfig.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		model:         flag.String("model", envConfig.Model, "chat model name (overrides $OPENAI_MODEL)"),
		configPath:    flag.String("config", envConfig.ConfigPath, "path to YAML config file (overrides $CBTCOACH_CONFIG)"),
		participantID: flag.String("participant-id", envConfig.ParticipantID, "participant ID for session continuity (overrides $CBTCOACH_PARTICIPANT_ID)"),
		streaming:     flag.Bool("streaming", envConfig.Streaming, "stream reply tokens as they are generated (overrides $CBTCOACH_STREAMING)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"model", *flags.model,
		"configPath", *flags.configPath,
		"participantID_set", *flags.participantID != "",
		"streaming", *flags.streaming)

	// Follow the state directory when the DSN was only ever the derived default.
	if *flags.dbDSN == envConfig.DatabaseURL && envConfig.DatabaseURL == filepath.Join(envConfig.StateDir, DefaultDBFileName) && *flags.stateDir != envConfig.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "dsn_updated", true, "old_state_dir", envConfig.StateDir, "new_state_dir", *flags.stateDir)
	}

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if store.DetectDSNType(*flags.dbDSN) != "postgres" {
		stateDir := filepath.Dir(*flags.dbDSN)
		slog.Debug("Creating state directory for file-based database", "state_dir", stateDir)
		if err := os.MkdirAll(stateDir, 0755); err != nil {
			slog.Error("Failed to create state directory", "error", err, "state_dir", stateDir)
			return err
		}
	}
	if err := os.MkdirAll(*flags.stateDir, 0755); err != nil {
		return err
	}
	return nil
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if *flags.dbDSN != "" {
		if store.DetectDSNType(*flags.dbDSN) == "postgres" {
			slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql", "dsn_set", true)
			storeOpts = append(storeOpts, store.WithPostgresDSN(*flags.dbDSN))
		} else {
			slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", *flags.dbDSN)
			storeOpts = append(storeOpts, store.WithSQLiteDSN(*flags.dbDSN))
		}
	} else {
		slog.Debug("No database DSN provided, will use in-memory store")
	}
	return storeOpts
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags, cfg config.Config) []genai.Option {
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	if cfg.Model != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(cfg.Model))
	}
	genaiOpts = append(genaiOpts, genai.WithTemperature(cfg.Temperature))
	return genaiOpts
}
