package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/confusionbank/internal/analyzer"
	"github.com/pavelanni/confusionbank/internal/chat"
	"github.com/pavelanni/confusionbank/internal/gateway"
	"github.com/pavelanni/confusionbank/internal/grader"
	"github.com/pavelanni/confusionbank/internal/handler"
	appI18n "github.com/pavelanni/confusionbank/internal/i18n"
	"github.com/pavelanni/confusionbank/internal/model"
	"github.com/pavelanni/confusionbank/internal/review"
	"github.com/pavelanni/confusionbank/internal/store"
	"github.com/pavelanni/confusionbank/internal/syllabus"
)

func main() {
	// A .env file is optional; real env vars win either way.
	_ = godotenv.Load()

	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "confusionbank",
		Short: "AI study tutor that tracks what confuses each student",
	}

	serve := serveCmd()
	root.AddCommand(serve, analyzeCmd(), cleanupCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `confusionbank --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP tutoring server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("db", "confusionbank.db", "SQLite database path")
	f.String("upload-dir", "uploads", "Directory for archived syllabus PDFs")
	f.String("llm-url", "http://localhost:11434/v1", "OpenAI-compatible API base URL")
	f.String("llm-key", "ollama", "API key for LLM")
	f.String("llm-model", "llama3.2", "LLM model name")
	f.StringP("lang", "l", "en", "Message language (en, ru)")
	f.Int("history-turns", 10, "Chat history turns sent to the tutor for context")
	f.Int64("max-upload-bytes", 16<<20, "Maximum syllabus upload size in bytes")
	f.String("admin-password", "", "Admin password for /admin routes (or set CONFUSIONBANK_ADMIN_PASSWORD; empty disables them)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func analyzeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Analyze stored chat sessions for confusion points",
		RunE:  runAnalyze,
	}
	f := cmd.Flags()
	f.String("db", "confusionbank.db", "SQLite database path")
	f.String("llm-url", "http://localhost:11434/v1", "OpenAI-compatible API base URL")
	f.String("llm-key", "ollama", "API key for LLM")
	f.String("llm-model", "llama3.2", "LLM model name")
	f.String("session", "", "Analyze a single session token instead of all unanalyzed sessions")
	f.Bool("force", false, "Re-analyze even if a record already exists (single session only)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func cleanupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete conversations and analyses older than a cutoff",
		RunE:  runCleanup,
	}
	f := cmd.Flags()
	f.String("db", "confusionbank.db", "SQLite database path")
	f.Int("days", 90, "Delete records older than this many days")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("CONFUSIONBANK")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("confusionbank")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/confusionbank")
	v.AddConfigPath("/etc/confusionbank")
	v.AddConfigPath("/data")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func newGateway(ctx context.Context, v *viper.Viper) (*gateway.Client, error) {
	gw := gateway.New(
		v.GetString("llm-url"),
		v.GetString("llm-key"),
		v.GetString("llm-model"),
	)
	if err := gw.Ping(ctx); err != nil {
		return nil, fmt.Errorf("LLM health check: %w", err)
	}
	slog.Info("LLM endpoint OK", "url", v.GetString("llm-url"), "model", v.GetString("llm-model"))
	return gw, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	gw, err := newGateway(cmd.Context(), v)
	if err != nil {
		return err
	}

	cfg := model.Config{
		Addr:           v.GetString("addr"),
		DBPath:         v.GetString("db"),
		UploadDir:      v.GetString("upload-dir"),
		LLMBaseURL:     v.GetString("llm-url"),
		LLMKey:         v.GetString("llm-key"),
		LLMModel:       v.GetString("llm-model"),
		Lang:           lang,
		HistoryTurns:   v.GetInt("history-turns"),
		MaxUploadBytes: v.GetInt64("max-upload-bytes"),
	}

	// The password itself is never kept around, only its hash.
	if password := v.GetString("admin-password"); password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("hash admin password: %w", err)
		}
		cfg.AdminPasswordHash = string(hash)
	} else {
		slog.Warn("no admin password configured, /admin routes disabled")
	}

	h := handler.New(db,
		chat.New(db, gw, cfg.HistoryTurns),
		analyzer.New(db, gw),
		review.New(db, gw),
		grader.New(gw),
		syllabus.New(db, gw, cfg.UploadDir),
		cfg)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware(lang))
	h.Routes(r)

	slog.Info("starting server",
		"addr", cfg.Addr,
		"model", cfg.LLMModel,
		"llm_url", cfg.LLMBaseURL,
		"lang", lang,
		"history_turns", cfg.HistoryTurns,
		"admin_enabled", cfg.AdminPasswordHash != "",
	)
	return http.ListenAndServe(cfg.Addr, r)
}

func runAnalyze(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	gw, err := newGateway(cmd.Context(), v)
	if err != nil {
		return err
	}
	a := analyzer.New(db, gw)

	if session := v.GetString("session"); session != "" {
		if err := a.AnalyzeSession(cmd.Context(), session, v.GetBool("force")); err != nil {
			return fmt.Errorf("analyze session %s: %w", session, err)
		}
		fmt.Printf("session %s analyzed\n", session)
		return nil
	}

	result, err := a.RunBatch(cmd.Context())
	if err != nil {
		return fmt.Errorf("batch analysis: %w", err)
	}

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func runCleanup(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	days := v.GetInt("days")
	deleted, err := db.CleanupOldData(days)
	if err != nil {
		return fmt.Errorf("cleanup: %w", err)
	}

	fmt.Printf("deleted %d records older than %d days\n", deleted, days)
	return nil
}
