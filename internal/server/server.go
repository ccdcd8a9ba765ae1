// Package server exposes the HTTP API: the bot-token-authenticated long-poll
// and management surface, and the internal ingestion endpoint used by the
// messaging platform.
package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/meridianchat/botcore/internal/apperr"
	"github.com/meridianchat/botcore/internal/config"
	"github.com/meridianchat/botcore/internal/database"
	"github.com/meridianchat/botcore/internal/dispatch"
	"github.com/meridianchat/botcore/internal/fanout"
	"github.com/meridianchat/botcore/internal/ingest"
	"github.com/meridianchat/botcore/internal/state"
)

// Server wires the HTTP routes to the core components.
type Server struct {
	store       database.Store
	dispatcher  *dispatch.Dispatcher
	ingestor    *ingest.Ingestor
	states      state.Store
	broadcaster fanout.Broadcaster
	logger      *slog.Logger
	cfg         config.ServerConfig
}

// New creates a Server.
func New(
	store database.Store,
	dispatcher *dispatch.Dispatcher,
	ingestor *ingest.Ingestor,
	states state.Store,
	broadcaster fanout.Broadcaster,
	logger *slog.Logger,
	cfg config.ServerConfig,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:       store,
		dispatcher:  dispatcher,
		ingestor:    ingestor,
		states:      states,
		broadcaster: broadcaster,
		logger:      logger.With("component", "server"),
		cfg:         cfg,
	}
}

// Routes builds the chi router with the base middleware stack.
func (s *Server) Routes() chi.Router {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	router.Get("/healthz", s.handleHealth())

	router.Route("/bot{token}", func(r chi.Router) {
		r.Use(s.botAuth)
		r.Get("/getUpdates", s.handleGetUpdates())
		r.Post("/getUpdates", s.handleGetUpdates())
		r.Post("/setWebhook", s.handleSetWebhook())
		r.Post("/deleteWebhook", s.handleDeleteWebhook())
		r.Get("/getWebhookInfo", s.handleGetWebhookInfo())
		r.Post("/sendMessage", s.handleSendMessage())
		r.Get("/getUserState", s.handleGetUserState())
		r.Post("/setUserState", s.handleSetUserState())
	})

	router.Post("/internal/bots/{botID}/updates", s.handleIngest())

	return router
}

// HTTPServer builds the http.Server with the configured timeouts. The write
// timeout must exceed the long-poll maximum or waiting polls get cut off.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Routes(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
}

type ctxKey int

const botCtxKey ctxKey = iota

// botAuth resolves the bot token from the URL before anything touches the
// update log. Unknown tokens and disabled bots are rejected identically.
func (s *Server) botAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := chi.URLParam(r, "token")
		if token == "" {
			s.writeError(w, r, apperr.ErrUnauthorized)
			return
		}

		bot, err := s.store.GetBotByToken(r.Context(), token)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if bot == nil || bot.Status != database.BotStatusActive {
			s.logger.WarnContext(r.Context(), "Rejected request with invalid bot credential")
			s.writeError(w, r, apperr.ErrUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), botCtxKey, bot)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func botFromContext(ctx context.Context) *database.Bot {
	bot, _ := ctx.Value(botCtxKey).(*database.Bot)
	return bot
}
