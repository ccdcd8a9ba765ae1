package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/meridianchat/botcore/internal/config"
	"github.com/meridianchat/botcore/internal/database"
	"github.com/meridianchat/botcore/internal/dispatch"
	"github.com/meridianchat/botcore/internal/fanout"
	"github.com/meridianchat/botcore/internal/ingest"
	"github.com/meridianchat/botcore/internal/server"
	"github.com/meridianchat/botcore/internal/state"
)

type testEnv struct {
	srv   *httptest.Server
	store database.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := database.NewDB(":memory:")
	if err != nil {
		t.Fatalf("NewDB() error = %v", err)
	}
	t.Cleanup(func() { database.CloseDB(db) })

	store := database.NewStore(db, nil)
	states := state.NewMemoryStore()
	broadcaster := fanout.NewLogBroadcaster(nil)
	dispatcher := dispatch.NewDispatcher(store, nil, nil, config.LongPollConfig{
		MaxLimit:     100,
		MaxTimeout:   time.Second,
		PollInterval: 10 * time.Millisecond,
	})
	ingestor := ingest.NewIngestor(store, nil, nil)

	s := server.New(store, dispatcher, ingestor, states, broadcaster, nil, config.ServerConfig{})
	srv := httptest.NewServer(s.Routes())
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, store: store}
}

func (e *testEnv) createBot(t *testing.T, username string) *database.Bot {
	t.Helper()

	bot := &database.Bot{
		OwnerID:     100,
		Username:    username,
		DisplayName: "Test Bot",
		Token:       username + "-token",
		Status:      database.BotStatusActive,
	}
	if err := e.store.SaveBot(context.Background(), bot); err != nil {
		t.Fatalf("SaveBot() error = %v", err)
	}
	return bot
}

func (e *testEnv) appendInbound(t *testing.T, botID int64, text string) *database.Update {
	t.Helper()

	update := &database.Update{
		BotID:     botID,
		ChatID:    500,
		ChatType:  "private",
		UserID:    100,
		Direction: database.DirectionInbound,
		Kind:      database.KindMessage,
		Text:      text,
	}
	if err := e.store.AppendUpdate(context.Background(), update); err != nil {
		t.Fatalf("AppendUpdate() error = %v", err)
	}
	return update
}

func (e *testEnv) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	return e.do(t, http.MethodGet, path, nil)
}

func (e *testEnv) post(t *testing.T, path string, body any) (*http.Response, []byte) {
	t.Helper()

	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request body: %v", err)
	}
	return e.do(t, http.MethodPost, path, raw)
}

func (e *testEnv) do(t *testing.T, method, path string, body []byte) (*http.Response, []byte) {
	t.Helper()

	req, err := http.NewRequest(method, e.srv.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read response body: %v", err)
	}
	return resp, buf.Bytes()
}

func decode[T any](t *testing.T, raw []byte) T {
	t.Helper()

	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("unmarshal response %q: %v", raw, err)
	}
	return v
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	resp, _ := env.get(t, "/healthz")

	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /healthz status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
}

func TestBotAuthRejectsUnknownToken(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	resp, _ := env.get(t, "/botnope/getUpdates")

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}
}

func TestBotAuthRejectsDisabledBot(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	bot := env.createBot(t, "disabled_bot")
	bot.Status = database.BotStatusDisabled
	if err := env.store.SaveBot(context.Background(), bot); err != nil {
		t.Fatalf("SaveBot() error = %v", err)
	}

	resp, _ := env.get(t, "/bot"+bot.Token+"/getUpdates")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}
}

func TestGetUpdates(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	bot := env.createBot(t, "poll_bot")
	env.appendInbound(t, bot.ID, "first")
	env.appendInbound(t, bot.ID, "second")

	type response struct {
		Updates []struct {
			UpdateID int64 `json:"update_id"`
			Message  struct {
				Text string `json:"text"`
			} `json:"message"`
		} `json:"updates"`
		Count int `json:"count"`
	}

	resp, body := env.get(t, "/bot"+bot.Token+"/getUpdates")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %s)", resp.StatusCode, http.StatusOK, body)
	}
	got := decode[response](t, body)
	if got.Count != 2 || len(got.Updates) != 2 {
		t.Fatalf("count = %d with %d updates, want 2", got.Count, len(got.Updates))
	}
	if got.Updates[0].Message.Text != "first" || got.Updates[1].Message.Text != "second" {
		t.Errorf("texts = (%q, %q), want (first, second)",
			got.Updates[0].Message.Text, got.Updates[1].Message.Text)
	}

	// The claim is consuming; a second poll sees nothing.
	resp, body = env.get(t, "/bot"+bot.Token+"/getUpdates")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("second poll status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if got := decode[response](t, body); got.Count != 0 {
		t.Errorf("second poll count = %d, want 0", got.Count)
	}
}

func TestGetUpdatesMalformedQuery(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	bot := env.createBot(t, "query_bot")

	resp, body := env.get(t, "/bot"+bot.Token+"/getUpdates?limit=abc")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
	got := decode[map[string]string](t, body)
	if got["field"] != "limit" {
		t.Errorf("error field = %q, want %q", got["field"], "limit")
	}
}

func TestSetWebhook(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	bot := env.createBot(t, "hook_bot")

	resp, body := env.post(t, "/bot"+bot.Token+"/setWebhook", map[string]any{
		"url":             "https://example.com/hook",
		"allowed_updates": []string{"message", "command"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %s)", resp.StatusCode, http.StatusOK, body)
	}

	type response struct {
		OK     bool   `json:"ok"`
		Secret string `json:"secret"`
	}
	got := decode[response](t, body)
	if !got.OK {
		t.Error("ok = false, want true")
	}
	if len(got.Secret) != 64 {
		t.Errorf("generated secret length = %d, want 64 hex chars", len(got.Secret))
	}

	saved, err := env.store.GetBot(context.Background(), bot.ID)
	if err != nil {
		t.Fatalf("GetBot() error = %v", err)
	}
	if !saved.WebhookEnabled || saved.WebhookURL != "https://example.com/hook" {
		t.Errorf("saved webhook = (%v, %q), want enabled with the configured URL",
			saved.WebhookEnabled, saved.WebhookURL)
	}
	if saved.WebhookSecret != got.Secret {
		t.Errorf("saved secret differs from the returned one")
	}
}

func TestSetWebhookValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		payload map[string]any
		field   string
	}{
		{
			name:    "missing url",
			payload: map[string]any{},
			field:   "url",
		},
		{
			name:    "non-http url",
			payload: map[string]any{"url": "ftp://example.com"},
			field:   "url",
		},
		{
			name: "unknown update kind",
			payload: map[string]any{
				"url":             "https://example.com/hook",
				"allowed_updates": []string{"carrier_pigeon"},
			},
			field: "allowed_updates",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			env := newTestEnv(t)
			bot := env.createBot(t, "validate_bot")

			resp, body := env.post(t, "/bot"+bot.Token+"/setWebhook", tt.payload)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
			}
			if got := decode[map[string]string](t, body); got["field"] != tt.field {
				t.Errorf("error field = %q, want %q", got["field"], tt.field)
			}
		})
	}
}

func TestWebhookInfoLifecycle(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	bot := env.createBot(t, "info_bot")
	env.appendInbound(t, bot.ID, "pending")

	type info struct {
		URL                string   `json:"url"`
		PendingUpdateCount int      `json:"pending_update_count"`
		AllowedUpdates     []string `json:"allowed_updates"`
		IsEnabled          bool     `json:"is_enabled"`
	}

	if _, body := env.post(t, "/bot"+bot.Token+"/setWebhook", map[string]any{
		"url":             "https://example.com/hook",
		"secret":          "fixed",
		"allowed_updates": []string{"message"},
	}); !decode[map[string]any](t, body)["ok"].(bool) {
		t.Fatal("setWebhook did not succeed")
	}

	resp, body := env.get(t, "/bot"+bot.Token+"/getWebhookInfo")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	got := decode[info](t, body)
	if !got.IsEnabled || got.URL != "https://example.com/hook" {
		t.Errorf("info = %+v, want enabled with the configured URL", got)
	}
	if got.PendingUpdateCount != 1 {
		t.Errorf("pending count = %d, want 1", got.PendingUpdateCount)
	}
	if len(got.AllowedUpdates) != 1 || got.AllowedUpdates[0] != "message" {
		t.Errorf("allowed updates = %v, want [message]", got.AllowedUpdates)
	}

	if resp, _ := env.post(t, "/bot"+bot.Token+"/deleteWebhook", map[string]any{}); resp.StatusCode != http.StatusOK {
		t.Fatalf("deleteWebhook status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	_, body = env.get(t, "/bot"+bot.Token+"/getWebhookInfo")
	if got := decode[info](t, body); got.IsEnabled || got.URL != "" {
		t.Errorf("info after delete = %+v, want disabled and empty URL", got)
	}
}

func TestSendMessage(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	bot := env.createBot(t, "send_bot")

	resp, body := env.post(t, "/bot"+bot.Token+"/sendMessage", map[string]any{
		"chat_id": 500,
		"user_id": 100,
		"text":    "hello there",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %s)", resp.StatusCode, http.StatusOK, body)
	}
	got := decode[map[string]int64](t, body)
	if got["update_id"] == 0 {
		t.Fatal("update_id = 0, want the persisted id")
	}

	// Outbound updates are claimable by outbound consumers, not by getUpdates.
	claimed, err := env.store.ClaimUnprocessed(context.Background(), bot.ID, database.DirectionOutbound, 10, 0)
	if err != nil {
		t.Fatalf("ClaimUnprocessed() error = %v", err)
	}
	if len(claimed) != 1 || claimed[0].Text != "hello there" {
		t.Fatalf("outbound updates = %v, want the sent message", claimed)
	}
}

func TestSendMessageValidation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	bot := env.createBot(t, "send_validate_bot")

	resp, body := env.post(t, "/bot"+bot.Token+"/sendMessage", map[string]any{"chat_id": 500})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
	if got := decode[map[string]string](t, body); got["field"] != "text" {
		t.Errorf("error field = %q, want %q", got["field"], "text")
	}
}

func TestUserStateRoundTrip(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	bot := env.createBot(t, "state_bot")

	if resp, _ := env.post(t, "/bot"+bot.Token+"/setUserState", map[string]any{
		"user_id": 100,
		"state":   "awaiting_name",
		"data":    map[string]string{"step": "1"},
	}); resp.StatusCode != http.StatusOK {
		t.Fatalf("setUserState status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	type stateResponse struct {
		UserID int64             `json:"user_id"`
		State  string            `json:"state"`
		Data   map[string]string `json:"data"`
	}

	_, body := env.get(t, "/bot"+bot.Token+"/getUserState?user_id=100")
	got := decode[stateResponse](t, body)
	if got.State != "awaiting_name" || got.Data["step"] != "1" {
		t.Errorf("state = %+v, want awaiting_name with step data", got)
	}

	// Setting idle clears the conversation.
	if resp, _ := env.post(t, "/bot"+bot.Token+"/setUserState", map[string]any{
		"user_id": 100,
		"state":   "idle",
	}); resp.StatusCode != http.StatusOK {
		t.Fatalf("setUserState(idle) status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	_, body = env.get(t, "/bot"+bot.Token+"/getUserState?user_id=100")
	if got := decode[stateResponse](t, body); got.State != "idle" || len(got.Data) != 0 {
		t.Errorf("state after idle = %+v, want a cleared conversation", got)
	}
}

func TestIngest(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	bot := env.createBot(t, "ingest_bot")

	resp, body := env.post(t, fmt.Sprintf("/internal/bots/%d/updates", bot.ID), map[string]any{
		"chat_id": 500,
		"user_id": 100,
		"kind":    "message",
		"text":    "incoming",
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want %d (body %s)", resp.StatusCode, http.StatusAccepted, body)
	}
	got := decode[map[string]int64](t, body)
	if got["update_id"] == 0 {
		t.Fatal("update_id = 0, want the persisted id")
	}

	// The ingested update reaches the bot through getUpdates.
	type pollResponse struct {
		Count int `json:"count"`
	}
	_, body = env.get(t, "/bot"+bot.Token+"/getUpdates")
	if got := decode[pollResponse](t, body); got.Count != 1 {
		t.Errorf("poll count = %d, want 1", got.Count)
	}
}

func TestIngestValidation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	bot := env.createBot(t, "ingest_validate_bot")

	resp, _ := env.post(t, "/internal/bots/99999/updates", map[string]any{
		"chat_id": 500, "kind": "message",
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown bot status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}

	resp, body := env.post(t, fmt.Sprintf("/internal/bots/%d/updates", bot.ID), map[string]any{
		"chat_id": 500, "kind": "smoke_signal",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad kind status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
	if got := decode[map[string]string](t, body); got["field"] != "kind" {
		t.Errorf("error field = %q, want %q", got["field"], "kind")
	}
}
