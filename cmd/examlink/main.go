package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/rs/cors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pavelanni/examlink/internal/auth"
	"github.com/pavelanni/examlink/internal/cache"
	"github.com/pavelanni/examlink/internal/catalog"
	"github.com/pavelanni/examlink/internal/exam"
	"github.com/pavelanni/examlink/internal/handler"
	appI18n "github.com/pavelanni/examlink/internal/i18n"
	"github.com/pavelanni/examlink/internal/mail"
	"github.com/pavelanni/examlink/internal/model"
	"github.com/pavelanni/examlink/internal/store"
	"github.com/pavelanni/examlink/internal/upload"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "load .env:", err)
	}
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "examlink",
		Short: "Online exam administration server",
	}

	serve := serveCmd()
	root.AddCommand(serve, seedCmd(), exportCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `examlink --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func addCommonFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("db", "examlink.db", "SQLite database path")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE:  runServe,
	}
	addCommonFlags(cmd)
	f := cmd.Flags()
	f.StringP("addr", "a", ":5000", "HTTP listen address")
	f.String("upload-dir", "uploads", "Directory for candidate uploads")
	f.String("jwt-secret", "", "Secret for signing session tokens (required)")
	f.Duration("jwt-ttl", auth.DefaultTTL, "Session token lifetime")
	f.Bool("secure-cookies", false, "Set Secure flag on session cookies")
	f.StringSlice("cors-origins", []string{"http://localhost:3000"}, "Allowed CORS origins")
	f.String("redis-addr", "", "Redis address for the exam summary cache (empty disables it)")
	f.Duration("cache-ttl", cache.DefaultTTL, "Exam summary cache lifetime")
	f.String("smtp-host", "", "SMTP relay host (empty logs emails instead)")
	f.Int("smtp-port", 587, "SMTP relay port")
	f.String("smtp-user", "", "SMTP username")
	f.String("smtp-pass", "", "SMTP password")
	f.String("smtp-from", "", "Sender address (defaults to smtp-user)")
	f.StringP("lang", "l", "en", "Default message language (en, ru)")
	f.String("admin-email", "", "Initial administrator email, used when no users exist")
	f.String("admin-password", "", "Initial administrator password (or set EXAMLINK_ADMIN_PASSWORD)")
	return cmd
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Import topics with inline questions from JSON files",
		RunE:  runSeed,
	}
	addCommonFlags(cmd)
	cmd.Flags().StringSliceP("file", "f", nil, "Paths to topic JSON files (repeatable)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export graded exam results as JSON",
		RunE:  runExport,
	}
	addCommonFlags(cmd)
	cmd.Flags().StringP("output", "o", "-", "Output file path (- for stdout)")
	return cmd
}

func setupLogging(v *viper.Viper) {
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

	v.SetEnvPrefix("EXAMLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("examlink")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/examlink")
	v.AddConfigPath("/etc/examlink")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func runServe(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)
	setupLogging(v)

	secret := v.GetString("jwt-secret")
	if secret == "" {
		return errors.New("jwt secret is required: set --jwt-secret or EXAMLINK_JWT_SECRET")
	}

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := seedAdmin(ctx, db, v.GetString("admin-email"), v.GetString("admin-password")); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}
	slog.Info("loaded translations", "default", lang, "languages", appI18n.Languages())

	authSvc, err := auth.NewService(db, auth.Config{
		Secret:        secret,
		TTL:           v.GetDuration("jwt-ttl"),
		SecureCookies: v.GetBool("secure-cookies"),
	})
	if err != nil {
		return fmt.Errorf("create auth service: %w", err)
	}

	uploads, err := upload.NewLocalStorage(v.GetString("upload-dir"))
	if err != nil {
		return err
	}

	mailer := mail.New(mail.SMTPConfig{
		Host:     v.GetString("smtp-host"),
		Port:     v.GetInt("smtp-port"),
		Username: v.GetString("smtp-user"),
		Password: v.GetString("smtp-pass"),
		From:     v.GetString("smtp-from"),
	})

	var examOpts []exam.Option
	if addr := v.GetString("redis-addr"); addr != "" {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		rc, err := cache.NewRedisCache(pingCtx, addr, v.GetDuration("cache-ttl"))
		cancel()
		if err != nil {
			slog.Warn("redis unavailable, exam summary cache disabled", "addr", addr, "error", err)
		} else {
			defer rc.Close()
			examOpts = append(examOpts, exam.WithCache(rc))
			slog.Info("exam summary cache enabled", "addr", addr)
		}
	}

	h := handler.New(catalog.NewService(db), exam.NewService(db, mailer, examOpts...), authSvc, uploads)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware(lang))
	h.Routes(r)
	r.Handle(upload.URLPrefix+"*", http.StripPrefix(upload.URLPrefix, http.FileServer(http.Dir(uploads.Dir()))))

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   v.GetStringSlice("cors-origins"),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "Accept-Language"},
		AllowCredentials: true,
		MaxAge:           300,
	})

	addr := v.GetString("addr")
	srv := &http.Server{
		Addr:              addr,
		Handler:           corsHandler.Handler(r),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server",
			"addr", addr,
			"db", v.GetString("db"),
			"lang", lang,
			"upload_dir", uploads.Dir(),
			"cache", v.GetString("redis-addr") != "",
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runSeed(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)
	setupLogging(v)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	ctx := cmd.Context()
	svc := catalog.NewService(db)
	for _, path := range v.GetStringSlice("file") {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			abs = path
		}
		res, err := svc.ImportFile(ctx, "", abs, data)
		if err != nil {
			return fmt.Errorf("import %s: %w", path, err)
		}
		if !res.Skipped {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: imported %d topics\n", path, res.Topics)
		}
	}
	return nil
}

func runExport(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)
	setupLogging(v)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	results, err := db.ExportResults(cmd.Context())
	if err != nil {
		return fmt.Errorf("export results: %w", err)
	}

	export := model.ResultsExport{
		GeneratedAt: time.Now().UTC(),
		Results:     results,
	}
	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = cmd.OutOrStdout()
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	_, _ = fmt.Fprintln(w)

	slog.Info("exported results", "count", len(results))
	return nil
}

func seedAdmin(ctx context.Context, db *store.Store, email, password string) error {
	if email == "" && password == "" {
		return nil
	}
	if email == "" || password == "" {
		return errors.New("both --admin-email and --admin-password are required to seed an administrator")
	}
	created, err := auth.SeedAdmin(ctx, db, "Administrator", email, password)
	if err != nil {
		return err
	}
	if created {
		slog.Info("seeded administrator", "email", email)
	}
	return nil
}
