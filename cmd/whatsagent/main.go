package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ilabs/whatsagent/internal/api"
	"github.com/ilabs/whatsagent/internal/flow"
	"github.com/ilabs/whatsagent/internal/genai"
	"github.com/ilabs/whatsagent/internal/lockfile"
	"github.com/ilabs/whatsagent/internal/messaging"
	"github.com/ilabs/whatsagent/internal/models"
	"github.com/ilabs/whatsagent/internal/notify"
	"github.com/ilabs/whatsagent/internal/store"
	"github.com/ilabs/whatsagent/internal/triage"
	"github.com/ilabs/whatsagent/internal/twiliowhatsapp"
	"github.com/ilabs/whatsagent/internal/util"
	"github.com/ilabs/whatsagent/internal/whatsapp"
	"github.com/openai/openai-go"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for agent state data
	DefaultStateDir = "/var/lib/whatsagent"
	// DefaultDBFileName is the default SQLite database filename for conversations
	DefaultDBFileName = "whatsagent.db"
	// DefaultSessionDBFileName is the default SQLite filename for the WhatsApp session
	DefaultSessionDBFileName = "whatsmeow.db"
	// DefaultShutdownTimeout bounds graceful shutdown of the HTTP server
	DefaultShutdownTimeout = 10 * time.Second
)

// Messaging backend names selectable via --backend / $MESSAGING_BACKEND.
const (
	BackendWhatsmeow = "whatsmeow"
	BackendTwilio    = "twilio"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	if err := run(flags); err != nil {
		slog.Error("whatsagent failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("whatsagent exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir         string
	DatabaseURL      string
	SessionDSN       string
	Backend          string
	APIAddr          string
	VerifyToken      string
	OpenAIKey        string
	OpenAIModel      string
	SystemPromptFile string
	TriageRulesFile  string
	OwnerPhone       string
	DashboardURL     string
	EmailWebhookURL  string
	EmailAlertTo     string
	EmailAuthToken   string
	EscalationPolicy string
	PersistPending   bool
	ActiveWindow     time.Duration
}

// Flags holds command line flag values
type Flags struct {
	stateDir         *string
	dbDSN            *string
	sessionDSN       *string
	backend          *string
	apiAddr          *string
	verifyToken      *string
	qrOutput         *string
	numeric          *bool
	openaiKey        *string
	openaiModel      *string
	systemPromptFile *string
	triageRulesFile  *string
	ownerPhone       *string
	dashboardURL     *string
	escalationPolicy *string
	persistPending   *bool
	config           Config
}

// initializeLogger sets up structured logging
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
		StateDir:         util.GetEnvOrDefault("WHATSAGENT_STATE_DIR", DefaultStateDir),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		SessionDSN:       os.Getenv("WHATSAPP_DB_DSN"),
		Backend:          util.GetEnvOrDefault("MESSAGING_BACKEND", BackendWhatsmeow),
		APIAddr:          os.Getenv("API_ADDR"),
		VerifyToken:      os.Getenv("WEBHOOK_VERIFY_TOKEN"),
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:      os.Getenv("OPENAI_MODEL"),
		SystemPromptFile: os.Getenv("SYSTEM_PROMPT_FILE"),
		TriageRulesFile:  os.Getenv("TRIAGE_RULES_FILE"),
		OwnerPhone:       os.Getenv("OWNER_PHONE_NUMBER"),
		DashboardURL:     os.Getenv("DASHBOARD_URL"),
		EmailWebhookURL:  os.Getenv("EMAIL_WEBHOOK_URL"),
		EmailAlertTo:     os.Getenv("EMAIL_ALERT_TO"),
		EmailAuthToken:   os.Getenv("EMAIL_WEBHOOK_TOKEN"),
		EscalationPolicy: util.GetEnvOrDefault("ESCALATION_POLICY", string(models.EscalationNotifyAndContinue)),
		PersistPending:   util.ParseBoolEnv("PERSIST_PENDING_SIDE_REQUEST", false),
		ActiveWindow:     util.ParseDurationEnv("ACTIVE_CONVERSATION_WINDOW", store.DefaultActiveWindow),
	}

	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.SessionDSN == "" {
		config.SessionDSN = filepath.Join(config.StateDir, DefaultSessionDBFileName)
		slog.Debug("No WHATSAPP_DB_DSN provided, defaulting to SQLite", "sqlite_path", config.SessionDSN)
	}

	slog.Debug("environment variables loaded",
		"WHATSAGENT_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"WHATSAPP_DB_DSN_SET", config.SessionDSN != "",
		"MESSAGING_BACKEND", config.Backend,
		"API_ADDR", config.APIAddr,
		"WEBHOOK_VERIFY_TOKEN_SET", config.VerifyToken != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"OWNER_PHONE_SET", config.OwnerPhone != "",
		"ESCALATION_POLICY", config.EscalationPolicy)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:         flag.String("state-dir", config.StateDir, "state directory for agent data (overrides $WHATSAGENT_STATE_DIR)"),
		dbDSN:            flag.String("db-dsn", config.DatabaseURL, "conversation store DSN: Postgres URL or SQLite path (overrides $DATABASE_URL)"),
		sessionDSN:       flag.String("session-db-dsn", config.SessionDSN, "WhatsApp session store DSN (overrides $WHATSAPP_DB_DSN)"),
		backend:          flag.String("backend", config.Backend, "messaging backend: whatsmeow or twilio (overrides $MESSAGING_BACKEND)"),
		apiAddr:          flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		verifyToken:      flag.String("verify-token", config.VerifyToken, "webhook verification token (overrides $WEBHOOK_VERIFY_TOKEN)"),
		qrOutput:         flag.String("qr-output", "", "path to write login QR code"),
		numeric:          flag.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		openaiKey:        flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		openaiModel:      flag.String("openai-model", config.OpenAIModel, "OpenAI model name (overrides $OPENAI_MODEL)"),
		systemPromptFile: flag.String("system-prompt-file", config.SystemPromptFile, "file replacing the built-in system prompt (overrides $SYSTEM_PROMPT_FILE)"),
		triageRulesFile:  flag.String("triage-rules", config.TriageRulesFile, "JSON file overriding triage keyword lists (overrides $TRIAGE_RULES_FILE)"),
		ownerPhone:       flag.String("owner-phone", config.OwnerPhone, "owner phone number for operator alerts (overrides $OWNER_PHONE_NUMBER)"),
		dashboardURL:     flag.String("dashboard-url", config.DashboardURL, "dashboard base URL linked from alerts (overrides $DASHBOARD_URL)"),
		escalationPolicy: flag.String("escalation-policy", config.EscalationPolicy, "behavior after a review trigger: notify_and_continue or notify_and_halt (overrides $ESCALATION_POLICY)"),
		persistPending:   flag.Bool("persist-pending", config.PersistPending, "keep a pending invoice request across unrelated messages (overrides $PERSIST_PENDING_SIDE_REQUEST)"),
		config:           config,
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"sessionDSN_set", *flags.sessionDSN != "",
		"backend", *flags.backend,
		"apiAddr", *flags.apiAddr,
		"openaiKeySet", *flags.openaiKey != "",
		"escalationPolicy", *flags.escalationPolicy,
		"persistPending", *flags.persistPending)

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	for _, dsn := range []string{*flags.dbDSN, *flags.sessionDSN} {
		if store.DetectDSNType(dsn) != "sqlite" {
			continue
		}
		dir := filepath.Dir(dsn)
		if err := os.MkdirAll(dir, 0755); err != nil {
			slog.Error("Failed to create state directory", "error", err, "dir", dir)
			return err
		}
	}
	return nil
}

// openStore builds the conversation store from the DSN.
func openStore(dsn string) (store.Store, error) {
	if dsn == "" {
		slog.Info("No database DSN provided, using in-memory store")
		return store.NewInMemoryStore(), nil
	}
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Info("Opening PostgreSQL conversation store")
		return store.NewPostgresStore(store.WithPostgresDSN(dsn))
	}
	slog.Info("Opening SQLite conversation store", "path", dsn)
	return store.NewSQLiteStore(store.WithSQLiteDSN(dsn))
}

// openMessagingService builds the selected messaging backend.
func openMessagingService(flags Flags) (messaging.Service, error) {
	switch *flags.backend {
	case BackendTwilio:
		client, err := twiliowhatsapp.NewClient()
		if err != nil {
			return nil, err
		}
		return messaging.NewTwilioService(client), nil
	default:
		var waOpts []whatsapp.Option
		if *flags.sessionDSN != "" {
			waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.sessionDSN))
		}
		if *flags.qrOutput != "" {
			waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
		}
		if *flags.numeric {
			waOpts = append(waOpts, whatsapp.WithNumericCode())
		}
		client, err := whatsapp.NewClient(waOpts...)
		if err != nil {
			return nil, err
		}
		return messaging.NewWhatsAppService(client), nil
	}
}

// buildResponder constructs the AI responder, honoring a system prompt override file.
func buildResponder(flags Flags) (*flow.Responder, error) {
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	if *flags.openaiModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(openai.ChatModel(*flags.openaiModel)))
	}
	client, err := genai.NewClient(genaiOpts...)
	if err != nil {
		return nil, err
	}

	var respOpts []flow.ResponderOption
	if *flags.systemPromptFile != "" {
		data, err := os.ReadFile(*flags.systemPromptFile)
		if err != nil {
			return nil, err
		}
		respOpts = append(respOpts, flow.WithSystemPrompt(string(data)))
		slog.Info("Loaded system prompt override", "path", *flags.systemPromptFile)
	}
	return flow.NewResponder(client, respOpts...), nil
}

// buildClassifier constructs the triage classifier, honoring a keyword rules file.
func buildClassifier(flags Flags) (*triage.Classifier, error) {
	classifier := triage.New()
	if *flags.triageRulesFile != "" {
		if err := classifier.LoadRules(*flags.triageRulesFile); err != nil {
			return nil, err
		}
	}
	return classifier, nil
}

// buildNotifier constructs the operator notifier over the messaging service.
func buildNotifier(flags Flags, svc messaging.Service) *notify.WhatsAppNotifier {
	var notifyOpts []notify.Option
	if *flags.ownerPhone != "" {
		notifyOpts = append(notifyOpts, notify.WithOwnerPhone(*flags.ownerPhone))
	}
	if *flags.dashboardURL != "" {
		notifyOpts = append(notifyOpts, notify.WithDashboardURL(*flags.dashboardURL))
	}
	if flags.config.EmailWebhookURL != "" {
		notifyOpts = append(notifyOpts, notify.WithEmailWebhook(
			flags.config.EmailWebhookURL, flags.config.EmailAlertTo, flags.config.EmailAuthToken))
	}
	return notify.NewWhatsAppNotifier(svc, notifyOpts...)
}

// run wires the modules together and serves until interrupted.
func run(flags Flags) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The state directory holds SQLite databases; refuse to start a second
	// instance against the same directory.
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := openStore(*flags.dbDSN)
	if err != nil {
		return err
	}
	defer st.Close()

	svc, err := openMessagingService(flags)
	if err != nil {
		return err
	}

	responder, err := buildResponder(flags)
	if err != nil {
		return err
	}

	classifier, err := buildClassifier(flags)
	if err != nil {
		return err
	}

	notifier := buildNotifier(flags, svc)

	policy := models.EscalationPolicy(*flags.escalationPolicy)
	if !models.IsValidEscalationPolicy(policy) {
		slog.Warn("run: unknown escalation policy, using default",
			"policy", *flags.escalationPolicy, "default", models.EscalationNotifyAndContinue)
		policy = models.EscalationNotifyAndContinue
	}
	pipeline := flow.NewPipeline(st, classifier, responder, svc, notifier,
		flow.WithEscalationPolicy(policy),
		flow.WithPersistPendingSideRequest(*flags.persistPending),
	)

	apiOpts := []api.Option{
		api.WithVerifyToken(*flags.verifyToken),
		api.WithActiveWindow(flags.config.ActiveWindow),
	}
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if twilioSvc, ok := svc.(*messaging.TwilioService); ok {
		apiOpts = append(apiOpts, api.WithExtraRoute("/twilio/webhook", twilioSvc.WebhookHandler))
	}
	server := api.NewServer(st, svc, pipeline, notifier, apiOpts...)

	if err := svc.Start(ctx); err != nil {
		return err
	}

	// Feed inbound customer messages into the pipeline. Each message is
	// handled on its own goroutine; per-conversation ordering is enforced
	// by the store's keyed locks.
	go func() {
		for msg := range svc.Incoming() {
			go func(m models.IncomingMessage) {
				if err := pipeline.HandleIncoming(ctx, m); err != nil {
					slog.Error("run: message handling failed", "from", m.PhoneNumber, "error", err)
				}
			}(msg)
		}
	}()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		slog.Info("run: shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("run: server shutdown failed", "error", err)
	}
	if err := svc.Stop(); err != nil {
		slog.Error("run: messaging service stop failed", "error", err)
	}
	return nil
}
