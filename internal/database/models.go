package database

import (
	"database/sql"
	"strings"
	"time"
)

// Update directions. Inbound updates flow from chat users toward a bot;
// outbound updates are produced by a bot (or the built-in engine) for a chat.
const (
	DirectionInbound  = "in"
	DirectionOutbound = "out"
)

// Update kinds. The kind drives envelope classification for both long-poll
// and webhook consumers.
const (
	KindMessage       = "message"
	KindCommand       = "command"
	KindCallbackQuery = "callback_query"
	KindMedia         = "media"
)

// Delivery outcomes recorded after a webhook push attempt.
const (
	OutcomeDelivered = "delivered"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

// Bot statuses.
const (
	BotStatusActive   = "active"
	BotStatusDisabled = "disabled"
)

// Bot represents a bot identity with its webhook configuration.
// Rows are created by bot management and read by every core component.
type Bot struct {
	ID        int64     `db:"id"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`

	OwnerID     int64  `db:"owner_id"`
	Username    string `db:"username"`
	DisplayName string `db:"display_name"`
	Description string `db:"description"`
	Token       string `db:"token"`
	Status      string `db:"status"`
	IsBuiltin   bool   `db:"is_builtin"`

	WebhookURL            string `db:"webhook_url"`
	WebhookSecret         string `db:"webhook_secret"`
	WebhookEnabled        bool   `db:"webhook_enabled"`
	AllowedUpdates        string `db:"allowed_updates"` // comma-separated kinds, empty = all
	WebhookMaxConnections int    `db:"webhook_max_connections"`
}

// AllowsKind reports whether the bot's allowed-update filter permits the
// given update kind. An empty filter permits everything.
func (b *Bot) AllowsKind(kind string) bool {
	if b.AllowedUpdates == "" {
		return true
	}
	for _, allowed := range strings.Split(b.AllowedUpdates, ",") {
		if strings.TrimSpace(allowed) == kind {
			return true
		}
	}
	return false
}

// Update represents one inbound or outbound bot event. The autoincrement ID
// is strictly increasing and serves as the pagination cursor; the processed
// flag transitions 0 -> 1 exactly once via Store.ClaimUnprocessed.
type Update struct {
	ID        int64     `db:"id"`
	CreatedAt time.Time `db:"created_at"`

	BotID     int64  `db:"bot_id"`
	ChatID    int64  `db:"chat_id"`
	ChatType  string `db:"chat_type"`
	UserID    int64  `db:"user_id"`
	Direction string `db:"direction"`
	Kind      string `db:"kind"`

	Text         string `db:"text"`
	Command      string `db:"command"`
	CommandArgs  string `db:"command_args"`
	CallbackID   string `db:"callback_id"`
	CallbackData string `db:"callback_data"`
	MediaType    string `db:"media_type"`
	MediaRef     string `db:"media_ref"`
	ReplyMarkup  string `db:"reply_markup"`

	Processed   bool         `db:"processed"`
	ProcessedAt sql.NullTime `db:"processed_at"`
}

// DeliveryRecord is the append-only audit entry for one webhook push attempt.
// Records are never mutated after creation.
type DeliveryRecord struct {
	ID          int64     `db:"id"`
	BotID       int64     `db:"bot_id"`
	UpdateID    int64     `db:"update_id"`
	EventType   string    `db:"event_type"`
	Payload     string    `db:"payload"`
	RespCode    int       `db:"response_code"`
	RespBody    string    `db:"response_body"`
	Outcome     string    `db:"outcome"`
	Attempts    int       `db:"attempts"`
	DeliveredAt time.Time `db:"delivered_at"`
}

// KnowledgeEntry is one keyword -> response pair in a bot's knowledge base.
type KnowledgeEntry struct {
	ID        int64     `db:"id"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`

	BotID    int64  `db:"bot_id"`
	Keyword  string `db:"keyword"`
	Response string `db:"response"`
}

// BotCommand is one registered slash command for a bot.
type BotCommand struct {
	ID          int64  `db:"id"`
	BotID       int64  `db:"bot_id"`
	Name        string `db:"name"`
	Description string `db:"description"`
}
