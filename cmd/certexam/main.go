package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"

	"github.com/pavelanni/certexam/internal/bank"
	"github.com/pavelanni/certexam/internal/exam"
	"github.com/pavelanni/certexam/internal/handler"
	appI18n "github.com/pavelanni/certexam/internal/i18n"
	"github.com/pavelanni/certexam/internal/model"
	"github.com/pavelanni/certexam/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "certexam",
		Short: "Timed certification exams drawn from a question bank",
	}

	serve := serveCmd()
	root.AddCommand(serve, sweepCmd(), importCmd(), validateCmd(), exportCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `certexam --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func addCommonFlags(f *pflag.FlagSet) {
	f.String("db-driver", string(store.DriverSQLite), "Database driver (sqlite, postgres)")
	f.String("db", "certexam.db", "SQLite path or PostgreSQL connection string")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP exam server and the expiry sweep",
		RunE:  runServe,
	}
	f := cmd.Flags()
	addCommonFlags(f)
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.StringSliceP("questions", "q", nil, "Question bank files to import at start (repeatable)")
	f.StringP("lang", "l", "en", "Default language for messages (en, fr)")
	f.String("sweep-interval", exam.DefaultSweepSchedule, "Cron schedule of the expiry sweep")
	f.String("jwt-secret", "", "HMAC secret for access tokens (or set CERTEXAM_JWT_SECRET)")
	f.Duration("token-ttl", 8*time.Hour, "Access token lifetime")
	f.StringSlice("cors-origins", nil, "Allowed CORS origins (repeatable)")
	f.Bool("secure-cookies", true, "Set Secure flag on session cookies")
	f.String("admin-password", "", "Initial admin password (or set CERTEXAM_ADMIN_PASSWORD)")
	return cmd
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Expire every active session past its deadline once and exit",
		RunE:  runSweep,
	}
	addCommonFlags(cmd.Flags())
	cmd.Flags().StringP("lang", "l", "en", "Language of the summary line (en, fr)")
	return cmd
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import FILE...",
		Short: "Import question bank files (YAML or JSON)",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runImport,
	}
	addCommonFlags(cmd.Flags())
	return cmd
}

func validateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check that an exam can be generated for a certification",
		RunE:  runValidate,
	}
	f := cmd.Flags()
	addCommonFlags(f)
	f.Int64P("certification", "c", 0, "Certification ID (required)")
	_ = cmd.MarkFlagRequired("certification")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export finished exam sessions as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	addCommonFlags(f)
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
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

	v.SetEnvPrefix("CERTEXAM")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("certexam")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/certexam")
	v.AddConfigPath("/etc/certexam")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func openStore(v *viper.Viper) (*store.Store, error) {
	db, err := store.New(store.Driver(v.GetString("db-driver")), v.GetString("db"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

func newManager(db *store.Store) *exam.Manager {
	return exam.NewManager(exam.NewGenerator(db, db), db, db)
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := openStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := seedAdmin(ctx, db, v.GetString("admin-password")); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}
	for _, path := range v.GetStringSlice("questions") {
		if _, err := bank.ImportFile(ctx, db, path); err != nil {
			return fmt.Errorf("load questions: %w", err)
		}
	}

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	secret := v.GetString("jwt-secret")
	if secret == "" {
		if secret, err = randomSecret(); err != nil {
			return err
		}
		slog.Warn("no jwt secret configured, generated one; access tokens will not survive a restart")
	}
	cfg := model.ServerConfig{
		SecureCookies: v.GetBool("secure-cookies"),
		JWTSecret:     secret,
		TokenTTL:      v.GetDuration("token-ttl"),
		CORSOrigins:   v.GetStringSlice("cors-origins"),
		Lang:          lang,
	}

	mgr := newManager(db)
	mgr.SetFeedback(appI18n.Feedback)

	h, err := handler.New(db, mgr, cfg)
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}

	sweeper, err := exam.NewSweeper(mgr, v.GetString("sweep-interval"), func(ctx context.Context) error {
		n, err := db.CleanupExpiredAuthSessions(ctx)
		if n > 0 {
			slog.Info("removed expired auth sessions", "count", n)
		}
		return err
	})
	if err != nil {
		return err
	}
	if _, err := sweeper.RunOnce(ctx); err != nil {
		slog.Error("startup sweep failed", "error", err)
	}

	addr := v.GetString("addr")
	srv := &http.Server{
		Addr:              addr,
		Handler:           h.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("starting server",
			"addr", addr,
			"db_driver", v.GetString("db-driver"),
			"lang", lang,
			"sweep_interval", v.GetString("sweep-interval"),
			"cors_origins", cfg.CORSOrigins,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		sweeper.Start()
		<-gctx.Done()
		sweeper.Stop()
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		slog.Info("shutting down server")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func runSweep(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := openStore(v)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := appI18n.Init(v.GetString("lang")); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	ctx := cmd.Context()
	n, err := newManager(db).SweepExpired(ctx)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	if _, err := db.CleanupExpiredAuthSessions(ctx); err != nil {
		slog.Warn("failed to remove expired auth sessions", "error", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), appI18n.Tp(ctx, "SessionsExpired", n))
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := openStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	results := make([]bank.Result, 0, len(args))
	for _, path := range args {
		res, err := bank.ImportFile(cmd.Context(), db, path)
		if err != nil {
			return err
		}
		results = append(results, res)
	}
	return writeJSON(cmd.OutOrStdout(), results)
}

func runValidate(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := openStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	certID := v.GetInt64("certification")
	res, err := newManager(db).Generator().ValidateExamGeneration(cmd.Context(), certID)
	if err != nil {
		return fmt.Errorf("validate certification %d: %w", certID, err)
	}
	if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
		return err
	}
	if !res.Valid {
		return fmt.Errorf("certification %d: %d problem(s) prevent exam generation", certID, len(res.Errors))
	}
	return nil
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := openStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := cmd.Context()
	sessions, err := db.ListTerminalSessions(ctx)
	if err != nil {
		return fmt.Errorf("export sessions: %w", err)
	}
	mgr := newManager(db)

	export := model.ResultsExport{
		ExportedAt: time.Now().UTC(),
		Results:    make([]model.StudentResult, 0, len(sessions)),
	}
	for _, ts := range sessions {
		res, err := mgr.Evaluate(ctx, &ts.Session)
		if err != nil {
			return fmt.Errorf("evaluate session %s: %w", ts.Session.ID, err)
		}
		score := res.Score
		if ts.Session.Score != nil {
			score = *ts.Session.Score
		}
		sr := model.StudentResult{
			SessionID:       ts.Session.ID,
			Username:        ts.Username,
			DisplayName:     ts.DisplayName,
			CertificationID: ts.Session.CertificationID,
			Certification:   res.CertificationName,
			AttemptNumber:   res.AttemptNumber,
			Status:          ts.Session.Status,
			Score:           score,
			Passed:          exam.Passed(score, res.PassingScore),
			StartedAt:       ts.Session.StartedAt,
			SubmittedAt:     ts.Session.SubmittedAt,
			Questions:       make([]model.ExportedQuestion, 0, len(res.Questions)),
		}
		for _, q := range res.Questions {
			selected := ts.Session.Answers[q.QuestionID]
			if selected == nil {
				selected = []int64{}
			}
			sr.Questions = append(sr.Questions, model.ExportedQuestion{
				QuestionID: q.QuestionID,
				Chapter:    q.Chapter,
				Difficulty: q.Difficulty,
				Points:     q.PointsPossible,
				Selected:   selected,
				Correct:    q.IsCorrect,
			})
		}
		export.Results = append(export.Results, sr)
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
	return writeJSON(w, export)
}

func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	// Ensure trailing newline.
	_, _ = fmt.Fprintln(w)
	return nil
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate jwt secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func seedAdmin(ctx context.Context, db *store.Store, password string) error {
	count, err := db.UserCount(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	if password == "" {
		return fmt.Errorf("admin password is required: set --admin-password flag or CERTEXAM_ADMIN_PASSWORD env var")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}

	_, err = db.CreateUser(ctx, model.User{
		Username:     "admin",
		DisplayName:  "Administrator",
		PasswordHash: string(hash),
		Role:         model.UserRoleAdmin,
		Active:       true,
	})
	if err != nil {
		return fmt.Errorf("create admin user: %w", err)
	}

	slog.Info("seeded default admin user", "username", "admin")
	return nil
}
