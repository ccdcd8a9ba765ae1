package server

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/meridianchat/botcore/internal/apperr"
	"github.com/meridianchat/botcore/internal/database"
	"github.com/meridianchat/botcore/internal/envelope"
	"github.com/meridianchat/botcore/internal/fanout"
	"github.com/meridianchat/botcore/internal/state"
)

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.store.Ping(r.Context()); err != nil {
			s.writeError(w, r, fmt.Errorf("database ping failed: %w", err))
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

type getUpdatesRequest struct {
	Offset  int64 `json:"offset"`
	Limit   int   `json:"limit"`
	Timeout int   `json:"timeout"` // seconds
}

type getUpdatesResponse struct {
	Updates []envelope.Envelope `json:"updates"`
	Count   int                 `json:"count"`
}

func (s *Server) handleGetUpdates() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		bot := botFromContext(r.Context())

		var req getUpdatesRequest
		var err error
		if r.Method == http.MethodGet {
			req, err = parseGetUpdatesQuery(r)
		} else {
			err = decodeBody(r, &req)
		}
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		updates, err := s.dispatcher.Poll(r.Context(), bot, req.Offset, req.Limit, time.Duration(req.Timeout)*time.Second)
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		s.writeJSON(w, http.StatusOK, getUpdatesResponse{Updates: updates, Count: len(updates)})
	}
}

func parseGetUpdatesQuery(r *http.Request) (getUpdatesRequest, error) {
	var req getUpdatesRequest
	q := r.URL.Query()

	var err error
	if v := q.Get("offset"); v != "" {
		if req.Offset, err = strconv.ParseInt(v, 10, 64); err != nil {
			return req, apperr.Validation("offset", "must be an integer")
		}
	}
	if v := q.Get("limit"); v != "" {
		if req.Limit, err = strconv.Atoi(v); err != nil {
			return req, apperr.Validation("limit", "must be an integer")
		}
	}
	if v := q.Get("timeout"); v != "" {
		if req.Timeout, err = strconv.Atoi(v); err != nil {
			return req, apperr.Validation("timeout", "must be an integer")
		}
	}
	return req, nil
}

func decodeBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return apperr.Validation("body", "request body is required")
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apperr.Validation("body", "malformed JSON")
	}
	return nil
}

type setWebhookRequest struct {
	URL            string   `json:"url"`
	Secret         string   `json:"secret"`
	AllowedUpdates []string `json:"allowed_updates"`
	MaxConnections int      `json:"max_connections"`
}

type setWebhookResponse struct {
	OK     bool   `json:"ok"`
	Secret string `json:"secret"`
}

func (s *Server) handleSetWebhook() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		bot := botFromContext(r.Context())

		var req setWebhookRequest
		if err := decodeBody(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}

		if req.URL == "" {
			s.writeError(w, r, apperr.Validation("url", "is required"))
			return
		}
		if !strings.HasPrefix(req.URL, "http://") && !strings.HasPrefix(req.URL, "https://") {
			s.writeError(w, r, apperr.Validation("url", "must be an http or https URL"))
			return
		}
		for _, kind := range req.AllowedUpdates {
			switch kind {
			case database.KindMessage, database.KindCommand, database.KindCallbackQuery, database.KindMedia:
			default:
				s.writeError(w, r, apperr.Validation("allowed_updates", fmt.Sprintf("unknown update type %q", kind)))
				return
			}
		}

		// An omitted secret gets rotated to a fresh one so the owner can
		// always verify signatures.
		secret := req.Secret
		if secret == "" {
			raw := make([]byte, 32)
			if _, err := rand.Read(raw); err != nil {
				s.writeError(w, r, fmt.Errorf("failed to generate webhook secret: %w", err))
				return
			}
			secret = hex.EncodeToString(raw)
		}

		err := s.store.SetWebhook(r.Context(), bot.ID, req.URL, secret,
			strings.Join(req.AllowedUpdates, ","), req.MaxConnections)
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		s.writeJSON(w, http.StatusOK, setWebhookResponse{OK: true, Secret: secret})
	}
}

func (s *Server) handleDeleteWebhook() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		bot := botFromContext(r.Context())

		if err := s.store.DeleteWebhook(r.Context(), bot.ID); err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

type webhookInfoResponse struct {
	URL                string   `json:"url"`
	PendingUpdateCount int      `json:"pending_update_count"`
	AllowedUpdates     []string `json:"allowed_updates"`
	IsEnabled          bool     `json:"is_enabled"`
}

func (s *Server) handleGetWebhookInfo() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		bot := botFromContext(r.Context())

		pending, err := s.store.CountPendingUpdates(r.Context(), bot.ID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		var allowed []string
		if bot.AllowedUpdates != "" {
			allowed = strings.Split(bot.AllowedUpdates, ",")
		}

		s.writeJSON(w, http.StatusOK, webhookInfoResponse{
			URL:                bot.WebhookURL,
			PendingUpdateCount: pending,
			AllowedUpdates:     allowed,
			IsEnabled:          bot.WebhookEnabled,
		})
	}
}

type sendMessageRequest struct {
	ChatID      int64  `json:"chat_id"`
	ChatType    string `json:"chat_type"`
	UserID      int64  `json:"user_id"`
	Text        string `json:"text"`
	ReplyMarkup string `json:"reply_markup"`
}

func (s *Server) handleSendMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		bot := botFromContext(r.Context())

		var req sendMessageRequest
		if err := decodeBody(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		if req.ChatID == 0 {
			s.writeError(w, r, apperr.Validation("chat_id", "is required"))
			return
		}
		if req.Text == "" {
			s.writeError(w, r, apperr.Validation("text", "is required"))
			return
		}
		if req.ChatType == "" {
			req.ChatType = "private"
		}

		out := &database.Update{
			BotID:       bot.ID,
			ChatID:      req.ChatID,
			ChatType:    req.ChatType,
			UserID:      req.UserID,
			Direction:   database.DirectionOutbound,
			Kind:        database.KindMessage,
			Text:        req.Text,
			ReplyMarkup: req.ReplyMarkup,
		}
		if err := s.store.AppendUpdate(r.Context(), out); err != nil {
			s.writeError(w, r, err)
			return
		}

		// Persisted first; broadcast failure only costs the realtime event.
		if err := s.broadcaster.Broadcast(r.Context(), fanout.Groups(out), out); err != nil {
			s.logger.WarnContext(r.Context(), "Failed to broadcast sent message",
				"bot_id", bot.ID, "update_id", out.ID, "error", err)
		}

		s.writeJSON(w, http.StatusOK, map[string]int64{"update_id": out.ID})
	}
}

type userStateResponse struct {
	UserID int64             `json:"user_id"`
	State  string            `json:"state"`
	Data   map[string]string `json:"data"`
}

func (s *Server) handleGetUserState() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		bot := botFromContext(r.Context())

		userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
		if err != nil || userID == 0 {
			s.writeError(w, r, apperr.Validation("user_id", "must be a non-zero integer"))
			return
		}

		conv := s.states.Get(bot.ID, userID)
		s.writeJSON(w, http.StatusOK, userStateResponse{
			UserID: userID,
			State:  string(conv.State),
			Data:   conv.Data,
		})
	}
}

type setUserStateRequest struct {
	UserID int64             `json:"user_id"`
	State  string            `json:"state"`
	Data   map[string]string `json:"data"`
}

func (s *Server) handleSetUserState() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		bot := botFromContext(r.Context())

		var req setUserStateRequest
		if err := decodeBody(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		if req.UserID == 0 {
			s.writeError(w, r, apperr.Validation("user_id", "must be a non-zero integer"))
			return
		}
		if req.State == "" {
			s.writeError(w, r, apperr.Validation("state", "is required"))
			return
		}

		if state.State(req.State) == state.Idle {
			s.states.Clear(bot.ID, req.UserID)
		} else {
			s.states.Set(bot.ID, req.UserID, state.Conversation{
				State: state.State(req.State),
				Data:  req.Data,
			})
		}

		s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

type ingestRequest struct {
	ChatID       int64  `json:"chat_id"`
	ChatType     string `json:"chat_type"`
	UserID       int64  `json:"user_id"`
	Kind         string `json:"kind"`
	Text         string `json:"text"`
	Command      string `json:"command"`
	CommandArgs  string `json:"command_args"`
	CallbackID   string `json:"callback_id"`
	CallbackData string `json:"callback_data"`
	MediaType    string `json:"media_type"`
	MediaRef     string `json:"media_ref"`
}

// handleIngest accepts inbound traffic from the messaging platform. It is an
// internal route; caller identity was already verified upstream.
func (s *Server) handleIngest() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		botID, err := strconv.ParseInt(chi.URLParam(r, "botID"), 10, 64)
		if err != nil || botID == 0 {
			s.writeError(w, r, apperr.Validation("botID", "must be a non-zero integer"))
			return
		}

		bot, err := s.store.GetBot(r.Context(), botID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if bot == nil {
			s.writeError(w, r, apperr.ErrNotFound)
			return
		}

		var req ingestRequest
		if err := decodeBody(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}

		switch req.Kind {
		case database.KindMessage, database.KindCommand, database.KindCallbackQuery, database.KindMedia:
		default:
			s.writeError(w, r, apperr.Validation("kind", "unknown update kind"))
			return
		}
		if req.ChatID == 0 {
			s.writeError(w, r, apperr.Validation("chat_id", "is required"))
			return
		}
		if req.ChatType == "" {
			req.ChatType = "private"
		}

		update := &database.Update{
			ChatID:       req.ChatID,
			ChatType:     req.ChatType,
			UserID:       req.UserID,
			Kind:         req.Kind,
			Text:         req.Text,
			Command:      req.Command,
			CommandArgs:  req.CommandArgs,
			CallbackID:   req.CallbackID,
			CallbackData: req.CallbackData,
			MediaType:    req.MediaType,
			MediaRef:     req.MediaRef,
		}

		if err := s.ingestor.Ingest(r.Context(), bot, update); err != nil {
			s.writeError(w, r, err)
			return
		}

		s.writeJSON(w, http.StatusAccepted, map[string]int64{"update_id": update.ID})
	}
}
