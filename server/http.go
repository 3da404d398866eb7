package server

import (
	"babyview-pipeline/config"
	"babyview-pipeline/constant"
	"babyview-pipeline/dto"
	jobHandler "babyview-pipeline/handler"
	"babyview-pipeline/pkg/progress"
	"babyview-pipeline/pkg/rabbitmq"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// RunWorker consumes run requests from the queue one at a time and serves
// health and last-run status over HTTP until SIGINT or SIGTERM.
func RunWorker(cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(SetupLogger(cfg), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.Ctx(ctx).Info().Str("env", cfg.App.Environment).Bool("isProduction", cfg.App.Environment == constant.EnvironmentProduction.String()).Send()
	if cfg.App.Environment == constant.EnvironmentProduction.String() {
		gin.SetMode(gin.ReleaseMode)
	}
	progress.Output = io.Discard

	deps, err := NewDeps(ctx, cfg)
	if err != nil {
		return err
	}

	conn, err := config.NewRabbitMQConn(ctx, cfg.Queue)
	if err != nil {
		return err
	}

	last := &lastRun{}
	serviceDeps := jobHandler.ServiceDependencies{
		Pipeline: deps.Pipeline(cfg),
		OnFinish: last.set,
	}

	// Runs share the working directories, so exactly one worker.
	runConsumer := rabbitmq.NewConsumer(conn, cfg.Queue, 1, jobHandler.RunRequestHandler)
	go func() {
		err := runConsumer.Consume(ctx, serviceDeps)
		if err != nil && !errors.Is(err, context.Canceled) {
			zerolog.Ctx(ctx).Error().Err(err).Msg("Run request consumer error")
			cancel()
		}
	}()

	r := gin.Default()
	addHealth(r)
	addRunStatus(r, last)

	handler := http.Server{
		Handler:           r,
		Addr:              fmt.Sprintf(":%s", cfg.Server.HttpPort),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		zerolog.Ctx(ctx).Info().Str("env", cfg.App.Environment).Msg("start http server")
		if err := handler.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zerolog.Ctx(ctx).Error().Str("env", cfg.App.Environment).Msg(err.Error())
		}
	}()

	<-ctx.Done()
	zerolog.Ctx(ctx).Info().Msg("shutting down server")
	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := handler.Shutdown(shutdownCtx); err != nil {
		zerolog.Ctx(ctx).Error().Str("env", cfg.App.Environment).Msg(err.Error())
	}

	zerolog.Ctx(ctx).Info().Str("env", cfg.App.Environment).Msg("server shutdown")
	return nil
}

type lastRun struct {
	mu      sync.RWMutex
	summary *dto.RunSummary
}

func (l *lastRun) set(s dto.RunSummary) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.summary = &s
}

func (l *lastRun) get() (dto.RunSummary, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.summary == nil {
		return dto.RunSummary{}, false
	}
	return *l.summary, true
}

func addHealth(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status": "ok",
		})
	})
}

func addRunStatus(r *gin.Engine, last *lastRun) {
	r.GET("/runs/last", func(c *gin.Context) {
		s, ok := last.get()
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no run finished yet"})
			return
		}
		c.JSON(http.StatusOK, s)
	})
}

// SetupLogger returns a context carrying the process logger. The develop
// environment logs at debug level to a console writer.
func SetupLogger(cfg *config.Config) context.Context {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	var logger zerolog.Logger
	if cfg.App.Environment == constant.EnvironmentDevelop.String() {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		// Log to standard output
		logger = zerolog.New(os.Stdout)
	}

	logger = logger.With().Timestamp().Logger()
	return logger.WithContext(context.Background())
}
