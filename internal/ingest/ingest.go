// Package ingest accepts inbound bot traffic from the messaging platform,
// appends it to the update log, and drives the built-in bot engine.
package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/meridianchat/botcore/internal/database"
	"github.com/meridianchat/botcore/internal/fsm"
)

// Store is the slice of the update log the ingestor needs.
type Store interface {
	AppendUpdate(ctx context.Context, update *database.Update) error
	ClaimUpdate(ctx context.Context, updateID int64) (*database.Update, error)
}

// Ingestor appends inbound updates. For built-in bots it immediately claims
// the appended update (through the same atomic claim every consumer uses)
// and routes it through the conversation engine.
type Ingestor struct {
	store  Store
	engine *fsm.Engine
	logger *slog.Logger
}

// NewIngestor creates an ingestor. engine may be nil when no built-in bots
// are hosted.
func NewIngestor(store Store, engine *fsm.Engine, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		store:  store,
		engine: engine,
		logger: logger.With("component", "ingest"),
	}
}

// Ingest appends one inbound update for the bot. Built-in bots consume their
// own traffic synchronously; external bots pick it up via long-poll or
// webhook delivery.
func (i *Ingestor) Ingest(ctx context.Context, bot *database.Bot, update *database.Update) error {
	if bot == nil || update == nil {
		return fmt.Errorf("bot and update must not be nil")
	}

	update.BotID = bot.ID
	update.Direction = database.DirectionInbound

	if err := i.store.AppendUpdate(ctx, update); err != nil {
		return fmt.Errorf("failed to append inbound update: %w", err)
	}

	if !bot.IsBuiltin || i.engine == nil {
		return nil
	}

	// Single-id claim; a nil result means another consumer got there first,
	// which is fine.
	claimed, err := i.store.ClaimUpdate(ctx, update.ID)
	if err != nil {
		return fmt.Errorf("failed to claim built-in bot update: %w", err)
	}
	if claimed == nil {
		i.logger.DebugContext(ctx, "Built-in bot update claimed elsewhere", "update_id", update.ID)
		return nil
	}

	if err := i.engine.HandleInbound(ctx, bot, claimed); err != nil {
		i.logger.ErrorContext(ctx, "Built-in bot engine failed",
			"bot_id", bot.ID, "update_id", update.ID, "error", err)
		return fmt.Errorf("built-in bot engine failed: %w", err)
	}
	return nil
}
