package main

import (
	"context"
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

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/zhouzirui/copilot-relay/backend/internal/config"
	"github.com/zhouzirui/copilot-relay/backend/internal/handler"
	"github.com/zhouzirui/copilot-relay/backend/internal/middleware"
	"github.com/zhouzirui/copilot-relay/backend/internal/service/auth"
	"github.com/zhouzirui/copilot-relay/backend/internal/service/chat"
	"github.com/zhouzirui/copilot-relay/backend/internal/service/copilot"
)

const (
	janitorInterval = 10 * time.Minute

	logMaxSizeMB  = 10
	logMaxBackups = 5
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		port    string
		envFile string
	)

	cmd := &cobra.Command{
		Use:           "copilot-relay",
		Short:         "Relay browser chat sessions to a Copilot Studio agent",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := godotenv.Load(envFile); err != nil {
				slog.Warn("failed to load env file, continuing with process environment", "file", envFile, "error", err)
			}

			cfg, err := config.Load()
			if err != nil {
				var missing *config.MissingError
				if errors.As(err, &missing) {
					slog.Error("refusing to start: required configuration missing", "missing", missing.Names)
					fmt.Fprintln(os.Stderr, color.RedString(err.Error()))
				} else {
					slog.Error("failed to load configuration", "error", err)
				}
				return err
			}

			if port != "" {
				if cfg, err = cfg.WithPort(port); err != nil {
					return err
				}
			}

			return serve(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&port, "port", "", "listen port or address (overrides PORT)")
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading the environment")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger, closeLog, err := setupLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(logger)

	store := auth.NewStore()
	login := auth.NewService(auth.NewOAuthProvider(cfg.Agent, nil), store, auth.Options{Logger: logger})
	go login.RunJanitor(ctx, janitorInterval, cfg.Session.TTL)

	factory := copilot.NewFactory(copilot.Settings{
		EnvironmentID: cfg.Agent.EnvironmentID,
		SchemaName:    cfg.Agent.SchemaName,
		BaseURL:       cfg.Agent.BaseURL,
	}, nil, logger)
	relay := chat.NewRelay(chat.NewService(), factory, chat.RelayConfig{
		StreamTimeout: cfg.Agent.StreamTimeout,
		Logger:        logger,
	})

	router := handler.NewRouter(handler.Deps{
		Login:          login,
		Relay:          relay,
		Sessions:       middleware.NewSessions(cfg.Session.Secret, cfg.Session.TTL, cfg.Session.Secure),
		AllowedOrigins: cfg.Server.AllowedOrigins,
		ShowFeedback:   cfg.UI.ShowFeedback,
		Logger:         logger,
	})

	printBanner(cfg)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info("copilot relay listening", "addr", cfg.Server.Addr, "schema", cfg.Agent.SchemaName)
	if err := runServer(ctx, srv); err != nil {
		logger.Error("server error", "error", err)
		return err
	}
	logger.Info("server stopped")
	return nil
}

func setupLogger(cfg config.LogConfig) (*slog.Logger, func(), error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", cfg.Level, err)
	}

	var w io.Writer = os.Stdout
	closeFn := func() {}
	if file := logFile(cfg.File); file != nil {
		w = io.MultiWriter(os.Stdout, file)
		closeFn = func() { _ = file.Close() }
	}

	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})), closeFn, nil
}

// logFile returns a size-rotated writer for path, or nil when file output is
// disabled.
func logFile(path string) *lumberjack.Logger {
	if path == "" {
		return nil
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    logMaxSizeMB,
		MaxBackups: logMaxBackups,
	}
}

func printBanner(cfg *config.Config) {
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	gray := color.New(color.FgHiBlack)

	cyan.Println("\n    Copilot Studio relay")

	addr := cfg.Server.Addr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	green.Print("    ▶ ")
	fmt.Printf("Open:    http://%s\n", addr)
	green.Print("    ▶ ")
	fmt.Printf("Agent:   %s\n", cfg.Agent.SchemaName)
	if cfg.Log.File != "" {
		green.Print("    ▶ ")
		fmt.Printf("Log:     %s\n", cfg.Log.File)
	}
	gray.Println("    Press Ctrl+C to stop")
	fmt.Println()
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
