package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/gsPatrick/sheila-api/internal/ai"
	"github.com/gsPatrick/sheila-api/internal/bot"
	"github.com/gsPatrick/sheila-api/internal/config"
	"github.com/gsPatrick/sheila-api/internal/echo"
	"github.com/gsPatrick/sheila-api/internal/realtime"
	"github.com/gsPatrick/sheila-api/internal/session"
	"github.com/gsPatrick/sheila-api/internal/store"
	"github.com/gsPatrick/sheila-api/internal/tramitacao"
	"github.com/gsPatrick/sheila-api/internal/trello"
	"github.com/gsPatrick/sheila-api/internal/zapi"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	db, err := store.NewBoltStore(cfg.DataDir + "/sheila.db")
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer db.Close()

	echoCache := echo.NewCache(60 * time.Second)
	defer echoCache.Close()

	sessions := session.NewManager()
	// One AI turn every ~6s per contact, with room for a short burst.
	limiter := bot.NewRateLimiter(rate.Every(6*time.Second), 10)

	// Periodic cleanup of stale per-conversation state to prevent
	// memory leaks.
	go func() {
		ticker := time.NewTicker(30 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			sessions.Cleanup(1 * time.Hour)
			limiter.Cleanup(1 * time.Hour)
		}
	}()

	gateway := zapi.NewClient(zapi.InstanceURL(cfg.ZapiInstanceID, cfg.ZapiToken), cfg.ZapiClientToken)
	openai := ai.NewClient(cfg.OpenAIAPIKey)
	crm := tramitacao.NewClient(cfg.TramitacaoBaseURL, cfg.TramitacaoAPIKey)
	kanban := trello.NewClient(cfg.TrelloKey, cfg.TrelloToken, cfg.TrelloBoardID, cfg.TrelloListID)
	hub := realtime.NewHub()

	outbound := bot.NewOutbound(gateway, echoCache)
	orchestrator := ai.NewOrchestrator(openai, db, crm, kanban, outbound, hub)
	dispatcher := bot.NewDispatcher(db, echoCache, sessions, limiter, outbound, orchestrator,
		kanban, gateway, openai, hub, cfg.AllowlistSuffixes, cfg.DataDir)
	webhook := zapi.NewWebhookHandler(dispatcher.Handle)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Post("/webhook/zapi", webhook.HandleIncoming)
	r.Get("/ws", hub.HandleWS)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("sheila: listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("sheila: shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("shutdown: %v", err)
	}
	log.Println("sheila: stopped")
}
