package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"parley/internal/auth"
	"parley/internal/config"
	"parley/internal/db"
	plog "parley/internal/log"
	"parley/internal/mw"
	"parley/internal/presence"
	"parley/internal/push"
	"parley/internal/server"
	"parley/internal/service"
	"parley/internal/store"
	"parley/internal/ws"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

var envFile string

var rootCmd = &cobra.Command{
	Use:   "parley",
	Short: "Real-time direct and group messaging server",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
		return nil
	},
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and WebSocket server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, gdb, err := setup()
		if err != nil {
			return err
		}
		return serve(cfg, gdb)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database schema migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, _, err := setup()
		if err == nil {
			log.Info().Msg("migrations applied")
		}
		return err
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	rootCmd.AddCommand(serveCmd, migrateCmd)
}

func main() {
	// 不带子命令时直接启动服务。
	if len(os.Args) == 1 {
		rootCmd.SetArgs([]string{"serve"})
	}
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup 加载配置、初始化日志、连接数据库并执行迁移。
func setup() (config.Config, *gorm.DB, error) {
	cfg := config.Load()
	if err := config.Validate(cfg); err != nil {
		return cfg, nil, err
	}
	plog.Init(cfg.Env, cfg.LogLevel)

	gdb, err := db.Open(cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		log.Error().Err(err).Str("driver", cfg.DatabaseDriver).Msg("db connect")
		return cfg, nil, err
	}
	if err := db.Migrate(gdb); err != nil {
		log.Error().Err(err).Msg("db migrate")
		return cfg, nil, err
	}
	return cfg, gdb, nil
}

func serve(cfg config.Config, gdb *gorm.DB) error {
	st := store.New(gdb, cfg.StoreTimeout)
	reg := presence.NewRegistry()
	hub := ws.NewHub()
	dispatcher := ws.NewDispatcher(hub, reg)
	verifier := auth.NewVerifier(cfg.JWTSecret)

	limiter := mw.NewUserLimiter(rate.Limit(cfg.MessageRate), cfg.MessageBurst)
	defer limiter.Stop()

	var sender push.Sender = push.Noop{}
	if cfg.VAPIDPublicKey != "" {
		sender = push.NewWebPush(cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey, cfg.VAPIDSubscriber)
	} else {
		log.Warn().Msg("VAPID keys not set, push notifications disabled")
	}

	notes := service.NewNotificationService(st, dispatcher, reg, sender)
	svc := server.Services{
		Users:         service.NewUserService(st, cfg, dispatcher, reg),
		Contacts:      service.NewContactService(st, dispatcher, reg, notes),
		Conversations: service.NewConversationService(st, reg),
		Messages:      service.NewMessageService(st, dispatcher, notes, limiter),
		Seen:          service.NewSeenService(st, dispatcher),
		Groups:        service.NewGroupService(st, dispatcher, notes),
		Reactions:     service.NewReactionService(st, dispatcher, notes),
		Notifications: notes,
	}
	gw := ws.NewGateway(hub, reg, dispatcher, verifier, ws.Services{
		Users:         svc.Users,
		Messages:      svc.Messages,
		Seen:          svc.Seen,
		Reactions:     svc.Reactions,
		Conversations: svc.Conversations,
	}, cfg.HeartbeatInterval)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.SetupRouter(cfg, st, verifier, server.NewHandler(svc), gw),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("env", cfg.Env).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("server run")
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
		return err
	}
	return nil
}
