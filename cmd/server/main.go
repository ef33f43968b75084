package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/suPer8Hu/formfind/internal/ai"
	"github.com/suPer8Hu/formfind/internal/chat"
	"github.com/suPer8Hu/formfind/internal/config"
	"github.com/suPer8Hu/formfind/internal/db"
	"github.com/suPer8Hu/formfind/internal/events"
	"github.com/suPer8Hu/formfind/internal/httpapi"
	"github.com/suPer8Hu/formfind/internal/search"
	"github.com/suPer8Hu/formfind/internal/store/redisstore"
)

// buildRegistry binds the public model selectors to concrete providers.
// The registry is constructed once here and handed to the orchestrator;
// swapping providers (tests, a different vendor) is a different registry
// value, not a different code path.
func buildRegistry(cfg config.Config) *ai.Registry {
	reg := ai.NewRegistry()

	switch strings.ToLower(cfg.AIProvider) {
	case "openrouter":
		register := func(selector, model string) {
			reg.Register(selector, func(ctx context.Context) (ai.Provider, error) {
				return ai.NewOpenRouterProvider(
					cfg.OpenRouterBaseURL,
					cfg.OpenRouterAPIKey,
					model,
					cfg.OpenRouterSiteURL,
					cfg.OpenRouterAppName,
				), nil
			})
		}
		register(ai.SelectorChat, cfg.ChatModelName)
		register(ai.SelectorReasoning, cfg.ReasoningModelName)
		register(ai.SelectorTitle, cfg.TitleModelName)

	default: // ollama
		register := func(selector, model string) {
			reg.Register(selector, func(ctx context.Context) (ai.Provider, error) {
				return ai.NewOllamaProvider(cfg.OllamaBaseURL, model), nil
			})
		}
		register(ai.SelectorChat, cfg.OllamaChatModel)
		register(ai.SelectorReasoning, cfg.OllamaChatModel)
		register(ai.SelectorTitle, cfg.OllamaTitleModel)
	}

	return reg
}

func main() {
	cfg := config.Load()

	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	gdb, err := db.Connect(cfg.DBDSN)
	if err != nil {
		log.Fatal("db connect", zap.Error(err))
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal("db migrate", zap.Error(err))
	}

	repo := chat.NewRepo(gdb)
	registry := buildRegistry(cfg)

	locker := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer locker.Close()

	var sink chat.EventSink
	publisher, err := events.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		// turn events are an audit trail, not a hard dependency
		log.Warn("rabbit unavailable, turn events disabled", zap.Error(err))
	} else {
		defer publisher.Close()
		sink = publisher
	}

	chatSvc := chat.NewService(repo, registry, chat.Options{
		TurnTimeout:    cfg.TurnTimeout,
		SmoothingDelay: cfg.SmoothingDelay,
		Locker:         locker,
		Events:         sink,
		Logger:         log,
	})

	blobs := search.NewHTTPBlobStore(cfg.BlobBaseURL, cfg.BlobToken)
	searchClient := search.NewClient(cfg.SerpAPIKey, cfg.SerpBaseURL, blobs)

	router := httpapi.NewRouter(gdb, cfg, chatSvc, searchClient, log)

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info("server started", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown", zap.Error(err))
	}
}
