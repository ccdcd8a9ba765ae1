// Package dispatch serves getUpdates-style long-poll pulls against the
// update log.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/meridianchat/botcore/internal/apperr"
	"github.com/meridianchat/botcore/internal/config"
	"github.com/meridianchat/botcore/internal/database"
	"github.com/meridianchat/botcore/internal/envelope"
)

// Store is the slice of the update log the dispatcher needs.
type Store interface {
	ClaimUnprocessed(ctx context.Context, botID int64, direction string, limit int, sinceID int64) ([]database.Update, error)
}

// Dispatcher answers long-poll pulls. Each call claims unprocessed inbound
// updates for the calling bot; the claim marks them processed, so a webhook
// consumer racing on the same bot never sees the same rows.
type Dispatcher struct {
	store    Store
	resolver envelope.UserResolver
	logger   *slog.Logger
	cfg      config.LongPollConfig
}

// NewDispatcher creates a long-poll dispatcher.
func NewDispatcher(store Store, resolver envelope.UserResolver, logger *slog.Logger, cfg config.LongPollConfig) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:    store,
		resolver: resolver,
		logger:   logger.With("component", "longpoll"),
		cfg:      cfg,
	}
}

// Poll claims up to limit unprocessed inbound updates with id >= offset for
// the bot, in ascending id order. If none are pending and timeout > 0, it
// re-polls once per interval until updates appear or the deadline elapses,
// then returns whatever was found, possibly an empty slice.
//
// The wait is a timer loop, not a blocking store call, so a waiting poll
// never holds a lock that other requests need.
func (d *Dispatcher) Poll(ctx context.Context, bot *database.Bot, offset int64, limit int, timeout time.Duration) ([]envelope.Envelope, error) {
	if bot == nil {
		return nil, apperr.ErrUnauthorized
	}
	if offset < 0 {
		return nil, apperr.Validation("offset", "must not be negative")
	}
	if limit < 0 {
		return nil, apperr.Validation("limit", "must not be negative")
	}
	if timeout < 0 {
		return nil, apperr.Validation("timeout", "must not be negative")
	}

	if limit == 0 || limit > d.cfg.MaxLimit {
		limit = d.cfg.MaxLimit
	}
	if timeout > d.cfg.MaxTimeout {
		timeout = d.cfg.MaxTimeout
	}

	log := d.logger.With("bot_id", bot.ID, "offset", offset, "limit", limit)

	claimed, err := d.store.ClaimUnprocessed(ctx, bot.ID, database.DirectionInbound, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to claim updates: %w", err)
	}
	if len(claimed) > 0 || timeout == 0 {
		return d.envelopes(ctx, claimed), nil
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	log.DebugContext(ctx, "No pending updates, entering wait loop", "timeout", timeout)

	for {
		select {
		case <-ctx.Done():
			// The soft deadline belongs to this loop; a cancelled request
			// simply returns empty rather than surfacing the context error.
			return d.envelopes(ctx, nil), nil
		case <-deadline.C:
			return d.envelopes(ctx, nil), nil
		case <-ticker.C:
			claimed, err = d.store.ClaimUnprocessed(ctx, bot.ID, database.DirectionInbound, limit, offset)
			if err != nil {
				return nil, fmt.Errorf("failed to claim updates: %w", err)
			}
			if len(claimed) > 0 {
				log.DebugContext(ctx, "Updates arrived during wait", "count", len(claimed))
				return d.envelopes(ctx, claimed), nil
			}
		}
	}
}

func (d *Dispatcher) envelopes(ctx context.Context, claimed []database.Update) []envelope.Envelope {
	envs := make([]envelope.Envelope, 0, len(claimed))
	for i := range claimed {
		envs = append(envs, envelope.FromUpdate(ctx, &claimed[i], d.resolver, false))
	}
	return envs
}
