// Package fanout broadcasts persisted outbound updates to the recipient's
// real-time subscriber groups. The transport itself is an external
// collaborator; this package only derives the group names and hands off.
package fanout

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/meridianchat/botcore/internal/database"
)

// Broadcaster pushes one update to a set of subscriber groups.
// Persistence always precedes Broadcast; there is no transactional link
// between the two.
type Broadcaster interface {
	Broadcast(ctx context.Context, groups []string, update *database.Update) error
}

// Groups returns the subscriber groups for an outbound update: the
// recipient's per-user group and the per-(user, bot) group.
func Groups(update *database.Update) []string {
	return []string{
		fmt.Sprintf("user:%d", update.UserID),
		fmt.Sprintf("user:%d:bot:%d", update.UserID, update.BotID),
	}
}

// LogBroadcaster is the default Broadcaster used when no real-time transport
// is wired in. It records the broadcast and drops it.
type LogBroadcaster struct {
	logger *slog.Logger
}

// NewLogBroadcaster creates a Broadcaster that only logs.
func NewLogBroadcaster(logger *slog.Logger) *LogBroadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogBroadcaster{logger: logger.With("component", "fanout")}
}

// Broadcast logs the would-be broadcast.
func (b *LogBroadcaster) Broadcast(ctx context.Context, groups []string, update *database.Update) error {
	b.logger.DebugContext(ctx, "Broadcasting update",
		"update_id", update.ID, "bot_id", update.BotID, "groups", groups)
	return nil
}
