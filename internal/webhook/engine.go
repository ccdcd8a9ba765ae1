// Package webhook implements the periodic scanner that pushes unprocessed
// inbound updates to bot-configured callback URLs, signed and audit-logged.
package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/meridianchat/botcore/internal/config"
	"github.com/meridianchat/botcore/internal/database"
	"github.com/meridianchat/botcore/internal/envelope"
	"github.com/meridianchat/botcore/internal/signature"
)

// Delivery headers. The signature covers the exact body bytes.
const (
	HeaderSignature = "X-Botcore-Signature"
	HeaderBotID     = "X-Botcore-Bot-Id"
)

// maxRecordedBody bounds the response body stored in a delivery record.
const maxRecordedBody = 500

// RetryPolicy decides how many delivery attempts one update gets and how
// long to wait between them. The platform default is a single best-effort
// attempt; stricter deployments can plug in exponential backoff without
// touching the engine.
type RetryPolicy interface {
	// Attempts returns the total number of attempts, at least 1.
	Attempts() int
	// Backoff returns the wait before attempt n (1-based; never called for n=1).
	Backoff(attempt int) time.Duration
}

// SingleAttempt is the default policy: one try, no retry.
type SingleAttempt struct{}

func (SingleAttempt) Attempts() int { return 1 }

func (SingleAttempt) Backoff(int) time.Duration { return 0 }

// Store is the slice of the update log the engine needs.
type Store interface {
	ListWebhookBots(ctx context.Context) ([]database.Bot, error)
	ClaimUnprocessed(ctx context.Context, botID int64, direction string, limit int, sinceID int64) ([]database.Update, error)
	SaveDeliveryRecord(ctx context.Context, record *database.DeliveryRecord) error
}

// Engine scans bots with webhooks enabled and delivers their pending inbound
// updates. Exactly one engine instance must run the scan per deployment;
// within a process the scheduler's singleton mode keeps scans from
// overlapping.
type Engine struct {
	store    Store
	client   *http.Client
	resolver envelope.UserResolver
	policy   RetryPolicy
	logger   *slog.Logger
	cfg      config.WebhookConfig
}

// NewEngine creates a webhook delivery engine. A nil policy selects
// SingleAttempt; a nil client gets the configured delivery timeout and
// default redirect-following behavior.
func NewEngine(store Store, resolver envelope.UserResolver, policy RetryPolicy, logger *slog.Logger, cfg config.WebhookConfig) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if policy == nil {
		policy = SingleAttempt{}
	}
	return &Engine{
		store:    store,
		client:   &http.Client{Timeout: cfg.DeliveryTimeout},
		resolver: resolver,
		policy:   policy,
		logger:   logger.With("component", "webhook_engine"),
		cfg:      cfg,
	}
}

// Scan runs one delivery pass over all webhook-enabled bots. A store failure
// for one bot aborts that bot's iteration only; delivery failures are
// recorded and never abort the scan.
func (e *Engine) Scan(ctx context.Context) error {
	bots, err := e.store.ListWebhookBots(ctx)
	if err != nil {
		return fmt.Errorf("failed to list webhook bots: %w", err)
	}
	if len(bots) == 0 {
		return nil
	}

	for i := range bots {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := e.scanBot(ctx, &bots[i]); err != nil {
			e.logger.ErrorContext(ctx, "Webhook scan failed for bot, continuing with next",
				"bot_id", bots[i].ID, "error", err)
		}
	}
	return nil
}

// scanBot claims and delivers one batch for a single bot. Claimed updates are
// already marked processed; from here on the only record of their fate is the
// delivery audit log.
func (e *Engine) scanBot(ctx context.Context, bot *database.Bot) error {
	claimed, err := e.store.ClaimUnprocessed(ctx, bot.ID, database.DirectionInbound, e.cfg.BatchSize, 0)
	if err != nil {
		return fmt.Errorf("failed to claim updates: %w", err)
	}
	if len(claimed) == 0 {
		return nil
	}

	log := e.logger.With("bot_id", bot.ID)
	log.InfoContext(ctx, "Delivering claimed updates", "count", len(claimed))

	for i := range claimed {
		update := &claimed[i]

		if !bot.AllowsKind(update.Kind) {
			// Consumed by the claim but excluded by the bot's filter: record a
			// skipped outcome so the drop stays visible in the audit log.
			record := &database.DeliveryRecord{
				BotID:     bot.ID,
				UpdateID:  update.ID,
				EventType: update.Kind,
				Outcome:   database.OutcomeSkipped,
			}
			if err := e.store.SaveDeliveryRecord(ctx, record); err != nil {
				log.ErrorContext(ctx, "Failed to record skipped update", "update_id", update.ID, "error", err)
			}
			continue
		}

		e.deliver(ctx, bot, update)
	}
	return nil
}

// deliver pushes one update and records the outcome. Failures are terminal
// per the retry policy; they are never re-surfaced to the scan loop.
func (e *Engine) deliver(ctx context.Context, bot *database.Bot, update *database.Update) {
	log := e.logger.With("bot_id", bot.ID, "update_id", update.ID)

	env := envelope.FromUpdate(ctx, update, e.resolver, true)
	payload, err := envelope.Marshal(env)
	if err != nil {
		log.ErrorContext(ctx, "Failed to build delivery payload", "error", err)
		return
	}

	record := &database.DeliveryRecord{
		BotID:     bot.ID,
		UpdateID:  update.ID,
		EventType: update.Kind,
		Payload:   string(payload),
		Outcome:   database.OutcomeFailed,
	}

	attempts := e.policy.Attempts()
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				record.Attempts = attempt - 1
				record.RespBody = ctx.Err().Error()
				e.save(ctx, record, log)
				return
			case <-time.After(e.policy.Backoff(attempt)):
			}
		}

		code, body, err := e.post(ctx, bot, payload)
		record.Attempts = attempt
		record.RespCode = code
		record.RespBody = body

		if err != nil {
			// Timeout or transport error; keep the reason in the audit row.
			record.RespBody = truncate(err.Error())
			log.WarnContext(ctx, "Webhook delivery attempt failed",
				"attempt", attempt, "url", bot.WebhookURL, "error", err)
			continue
		}

		if code >= 200 && code < 300 {
			record.Outcome = database.OutcomeDelivered
			log.DebugContext(ctx, "Webhook delivered", "response_code", code, "attempt", attempt)
			break
		}

		log.WarnContext(ctx, "Webhook delivery got non-2xx response",
			"attempt", attempt, "response_code", code)
	}

	e.save(ctx, record, log)
}

func (e *Engine) post(ctx context.Context, bot *database.Bot, payload []byte) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, bot.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return 0, "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, signature.Sign(bot.WebhookSecret, payload))
	req.Header.Set(HeaderBotID, strconv.FormatInt(bot.ID, 10))

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			e.logger.Warn("Error closing webhook response body", "error", closeErr)
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRecordedBody))
	if err != nil {
		return resp.StatusCode, "", nil
	}
	return resp.StatusCode, string(body), nil
}

func (e *Engine) save(ctx context.Context, record *database.DeliveryRecord, log *slog.Logger) {
	record.RespBody = truncate(record.RespBody)
	if err := e.store.SaveDeliveryRecord(ctx, record); err != nil {
		log.ErrorContext(ctx, "Failed to save delivery record", "error", err)
	}
}

func truncate(s string) string {
	if len(s) <= maxRecordedBody {
		return s
	}
	return s[:maxRecordedBody]
}
