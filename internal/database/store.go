package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
)

// Store defines the interface for database operations.
// Methods accept context.Context for cancellation and timeouts.
type Store interface {
	// Ping checks the database connection.
	Ping(ctx context.Context) error

	// AppendUpdate inserts a new update record and sets its generated ID.
	AppendUpdate(ctx context.Context, update *Update) error

	// ClaimUnprocessed atomically selects and marks processed up to 'limit'
	// unprocessed updates for a bot in the given direction with id >= sinceID,
	// returning them in ascending id order. No two callers can claim the same
	// row: the mark is a single conditional update, not a read-then-write.
	ClaimUnprocessed(ctx context.Context, botID int64, direction string, limit int, sinceID int64) ([]Update, error)

	// ClaimUpdate atomically claims a single update by id. Returns nil, nil
	// when the update does not exist or another consumer already claimed it.
	ClaimUpdate(ctx context.Context, updateID int64) (*Update, error)

	// CountPendingUpdates returns the number of unprocessed inbound updates for a bot.
	CountPendingUpdates(ctx context.Context, botID int64) (int, error)

	// GetBot retrieves a bot by ID. Returns nil, nil if not found.
	GetBot(ctx context.Context, botID int64) (*Bot, error)

	// GetBotByToken retrieves a bot by its secret token. Returns nil, nil if not found.
	GetBotByToken(ctx context.Context, token string) (*Bot, error)

	// GetBotByUsername retrieves a bot by username. Returns nil, nil if not found.
	GetBotByUsername(ctx context.Context, username string) (*Bot, error)

	// ListBotsByOwner retrieves all bots owned by a user, oldest first.
	ListBotsByOwner(ctx context.Context, ownerID int64) ([]Bot, error)

	// ListWebhookBots retrieves active bots with webhook delivery enabled.
	ListWebhookBots(ctx context.Context) ([]Bot, error)

	// SaveBot inserts or updates a bot based on its ID.
	SaveBot(ctx context.Context, bot *Bot) error

	// DeleteBotCascade removes a bot and all of its dependent rows
	// (commands, updates, knowledge entries, delivery records) in a single
	// transaction.
	DeleteBotCascade(ctx context.Context, botID int64) error

	// SetWebhook configures webhook delivery for a bot.
	SetWebhook(ctx context.Context, botID int64, url, secret, allowedUpdates string, maxConnections int) error

	// DeleteWebhook disables webhook delivery for a bot.
	DeleteWebhook(ctx context.Context, botID int64) error

	// SaveDeliveryRecord appends one webhook delivery audit record.
	// Records are never mutated afterwards; delivery outcome and the
	// processed flag are independent facts.
	SaveDeliveryRecord(ctx context.Context, record *DeliveryRecord) error

	// ListDeliveryRecords retrieves the most recent delivery records for a bot.
	ListDeliveryRecords(ctx context.Context, botID int64, limit int) ([]DeliveryRecord, error)

	// SaveKnowledgeEntry inserts or updates a knowledge base entry.
	SaveKnowledgeEntry(ctx context.Context, entry *KnowledgeEntry) error

	// ListKnowledgeEntries retrieves all knowledge entries for a bot, oldest first.
	ListKnowledgeEntries(ctx context.Context, botID int64) ([]KnowledgeEntry, error)

	// DeleteKnowledgeEntry removes one knowledge entry.
	DeleteKnowledgeEntry(ctx context.Context, entryID int64) error

	// SaveBotCommands replaces the registered command set for a bot.
	SaveBotCommands(ctx context.Context, botID int64, commands []BotCommand) error

	// ListBotCommands retrieves the registered commands for a bot.
	ListBotCommands(ctx context.Context, botID int64) ([]BotCommand, error)
}

// sqlxStore provides an implementation of the Store interface using sqlx.
type sqlxStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a new Store implementation backed by sqlx.
// It requires a connected sqlx.DB instance and a logger.
func NewStore(db *sqlx.DB, logger *slog.Logger) Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &sqlxStore{
		db:     db,
		logger: logger.With("component", "store"),
	}
}

// Ping checks the database connection.
func (s *sqlxStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const updateColumns = `id, created_at, bot_id, chat_id, chat_type, user_id, direction, kind,
       text, command, command_args, callback_id, callback_data, media_type, media_ref,
       reply_markup, processed, processed_at`

// AppendUpdate inserts a new update record and sets its generated ID.
func (s *sqlxStore) AppendUpdate(ctx context.Context, update *Update) error {
	if update == nil {
		return fmt.Errorf("cannot append nil update")
	}
	if update.BotID == 0 {
		return fmt.Errorf("update must have a non-zero bot_id")
	}
	if update.Direction != DirectionInbound && update.Direction != DirectionOutbound {
		return fmt.Errorf("update has invalid direction %q", update.Direction)
	}
	if update.Kind == "" {
		return fmt.Errorf("update must have a kind")
	}

	if update.CreatedAt.IsZero() {
		update.CreatedAt = time.Now().UTC()
	}

	query := `
        INSERT INTO updates (created_at, bot_id, chat_id, chat_type, user_id, direction, kind,
                             text, command, command_args, callback_id, callback_data,
                             media_type, media_ref, reply_markup, processed, processed_at)
        VALUES (:created_at, :bot_id, :chat_id, :chat_type, :user_id, :direction, :kind,
                :text, :command, :command_args, :callback_id, :callback_data,
                :media_type, :media_ref, :reply_markup, :processed, :processed_at);
    `

	result, err := s.db.NamedExecContext(ctx, query, update)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error appending update",
			"bot_id", update.BotID, "chat_id", update.ChatID, "error", err)
		return fmt.Errorf("failed to append update (bot %d, chat %d): %w", update.BotID, update.ChatID, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		s.logger.WarnContext(ctx, "Could not retrieve last insert ID after appending update",
			"bot_id", update.BotID, "error", err)
	} else {
		update.ID = id
	}

	s.logger.DebugContext(ctx, "Update appended successfully",
		"bot_id", update.BotID, "update_id", update.ID, "direction", update.Direction, "kind", update.Kind)
	return nil
}

// ClaimUnprocessed atomically claims up to 'limit' unprocessed updates.
// The mark-processed transition happens in the same statement that selects the
// rows, so competing long-poll and webhook consumers can never both observe
// the same update.
func (s *sqlxStore) ClaimUnprocessed(ctx context.Context, botID int64, direction string, limit int, sinceID int64) ([]Update, error) {
	if botID == 0 {
		return nil, fmt.Errorf("bot_id cannot be zero")
	}
	if direction != DirectionInbound && direction != DirectionOutbound {
		return nil, fmt.Errorf("invalid direction %q", direction)
	}
	if limit <= 0 {
		return nil, nil
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	now := time.Now().UTC()
	query := `
        UPDATE updates
        SET processed = 1, processed_at = ?
        WHERE processed = 0 AND id IN (
            SELECT id FROM updates
            WHERE bot_id = ? AND direction = ? AND processed = 0 AND id >= ?
            ORDER BY id ASC
            LIMIT ?
        )
        RETURNING ` + updateColumns + `;
    `

	rows, err := s.db.QueryxContext(ctx, query, now, botID, direction, sinceID, limit)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		s.logger.ErrorContext(ctx, "Error claiming unprocessed updates",
			"bot_id", botID, "direction", direction, "error", err)
		return nil, fmt.Errorf("failed to claim unprocessed updates for bot %d: %w", botID, err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.WarnContext(ctx, "Error closing claim result rows", "error", closeErr)
		}
	}()

	var claimed []Update
	for rows.Next() {
		var u Update
		if err := rows.StructScan(&u); err != nil {
			return nil, fmt.Errorf("failed to scan claimed update: %w", err)
		}
		claimed = append(claimed, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read claimed updates: %w", err)
	}

	// RETURNING does not guarantee row order.
	sort.Slice(claimed, func(i, j int) bool { return claimed[i].ID < claimed[j].ID })

	if len(claimed) > 0 {
		s.logger.DebugContext(ctx, "Claimed unprocessed updates",
			"bot_id", botID, "direction", direction, "count", len(claimed),
			"first_id", claimed[0].ID, "last_id", claimed[len(claimed)-1].ID)
	}
	return claimed, nil
}

// ClaimUpdate atomically claims a single update by id.
func (s *sqlxStore) ClaimUpdate(ctx context.Context, updateID int64) (*Update, error) {
	if updateID == 0 {
		return nil, fmt.Errorf("update_id cannot be zero")
	}

	query := `
        UPDATE updates
        SET processed = 1, processed_at = ?
        WHERE id = ? AND processed = 0
        RETURNING ` + updateColumns + `;
    `

	var u Update
	err := s.db.QueryRowxContext(ctx, query, time.Now().UTC(), updateID).StructScan(&u)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil

	case err != nil:
		s.logger.ErrorContext(ctx, "Error claiming update by id", "update_id", updateID, "error", err)
		return nil, fmt.Errorf("failed to claim update %d: %w", updateID, err)
	}

	return &u, nil
}

// CountPendingUpdates returns the number of unprocessed inbound updates for a bot.
func (s *sqlxStore) CountPendingUpdates(ctx context.Context, botID int64) (int, error) {
	if botID == 0 {
		return 0, fmt.Errorf("bot_id cannot be zero")
	}

	var count int
	query := `SELECT COUNT(*) FROM updates WHERE bot_id = ? AND direction = ? AND processed = 0`
	if err := s.db.GetContext(ctx, &count, query, botID, DirectionInbound); err != nil {
		s.logger.ErrorContext(ctx, "Error counting pending updates", "bot_id", botID, "error", err)
		return 0, fmt.Errorf("failed to count pending updates for bot %d: %w", botID, err)
	}
	return count, nil
}

const botColumns = `id, created_at, updated_at, owner_id, username, display_name, description,
       token, status, is_builtin, webhook_url, webhook_secret, webhook_enabled, allowed_updates,
       webhook_max_connections`

// GetBot retrieves a bot by ID. Returns nil, nil if not found.
func (s *sqlxStore) GetBot(ctx context.Context, botID int64) (*Bot, error) {
	if botID == 0 {
		return nil, fmt.Errorf("bot_id cannot be zero")
	}

	var bot Bot
	query := `SELECT ` + botColumns + ` FROM bots WHERE id = ?`
	err := s.db.GetContext(ctx, &bot, query, botID)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		s.logger.DebugContext(ctx, "No bot found", "bot_id", botID)
		return nil, nil

	case err != nil:
		s.logger.ErrorContext(ctx, "Error getting bot by ID", "bot_id", botID, "error", err)
		return nil, fmt.Errorf("failed to get bot %d: %w", botID, err)
	}

	return &bot, nil
}

// GetBotByToken retrieves a bot by its secret token. Returns nil, nil if not found.
func (s *sqlxStore) GetBotByToken(ctx context.Context, token string) (*Bot, error) {
	if token == "" {
		return nil, fmt.Errorf("token cannot be empty")
	}

	var bot Bot
	query := `SELECT ` + botColumns + ` FROM bots WHERE token = ?`
	err := s.db.GetContext(ctx, &bot, query, token)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil

	case err != nil:
		s.logger.ErrorContext(ctx, "Error getting bot by token", "error", err)
		return nil, fmt.Errorf("failed to get bot by token: %w", err)
	}

	return &bot, nil
}

// GetBotByUsername retrieves a bot by username. Returns nil, nil if not found.
func (s *sqlxStore) GetBotByUsername(ctx context.Context, username string) (*Bot, error) {
	if username == "" {
		return nil, fmt.Errorf("username cannot be empty")
	}

	var bot Bot
	query := `SELECT ` + botColumns + ` FROM bots WHERE username = ? COLLATE NOCASE`
	err := s.db.GetContext(ctx, &bot, query, username)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil

	case err != nil:
		s.logger.ErrorContext(ctx, "Error getting bot by username", "username", username, "error", err)
		return nil, fmt.Errorf("failed to get bot %q: %w", username, err)
	}

	return &bot, nil
}

// ListBotsByOwner retrieves all bots owned by a user, oldest first.
func (s *sqlxStore) ListBotsByOwner(ctx context.Context, ownerID int64) ([]Bot, error) {
	if ownerID == 0 {
		return nil, fmt.Errorf("owner_id cannot be zero")
	}

	var bots []Bot
	query := `SELECT ` + botColumns + ` FROM bots WHERE owner_id = ? ORDER BY id ASC`
	if err := s.db.SelectContext(ctx, &bots, query, ownerID); err != nil {
		s.logger.ErrorContext(ctx, "Error listing bots by owner", "owner_id", ownerID, "error", err)
		return nil, fmt.Errorf("failed to list bots for owner %d: %w", ownerID, err)
	}
	return bots, nil
}

// ListWebhookBots retrieves active bots with webhook delivery enabled.
func (s *sqlxStore) ListWebhookBots(ctx context.Context) ([]Bot, error) {
	var bots []Bot
	query := `SELECT ` + botColumns + ` FROM bots
	          WHERE status = ? AND webhook_enabled = 1 AND webhook_url != ''
	          ORDER BY id ASC`
	if err := s.db.SelectContext(ctx, &bots, query, BotStatusActive); err != nil {
		s.logger.ErrorContext(ctx, "Error listing webhook bots", "error", err)
		return nil, fmt.Errorf("failed to list webhook bots: %w", err)
	}
	return bots, nil
}

// SaveBot inserts or updates a bot based on its ID.
func (s *sqlxStore) SaveBot(ctx context.Context, bot *Bot) error {
	if bot == nil {
		return fmt.Errorf("cannot save nil bot")
	}
	if bot.Username == "" {
		return fmt.Errorf("bot must have a username")
	}

	now := time.Now().UTC()
	bot.UpdatedAt = now
	if bot.CreatedAt.IsZero() {
		bot.CreatedAt = now
	}

	if bot.ID == 0 {
		query := `
			INSERT INTO bots (created_at, updated_at, owner_id, username, display_name, description,
			                  token, status, is_builtin, webhook_url, webhook_secret, webhook_enabled,
			                  allowed_updates, webhook_max_connections)
			VALUES (:created_at, :updated_at, :owner_id, :username, :display_name, :description,
			        :token, :status, :is_builtin, :webhook_url, :webhook_secret, :webhook_enabled,
			        :allowed_updates, :webhook_max_connections)
		`
		result, err := s.db.NamedExecContext(ctx, query, bot)
		if err != nil {
			s.logger.ErrorContext(ctx, "Error creating bot", "username", bot.Username, "error", err)
			return fmt.Errorf("failed to create bot %q: %w", bot.Username, err)
		}
		if id, err := result.LastInsertId(); err == nil {
			bot.ID = id
		} else {
			s.logger.WarnContext(ctx, "Could not get last insert ID for bot", "username", bot.Username, "error", err)
		}
		s.logger.DebugContext(ctx, "Bot created successfully", "bot_id", bot.ID, "username", bot.Username)
		return nil
	}

	query := `
		UPDATE bots SET
			updated_at = :updated_at,
			display_name = :display_name,
			description = :description,
			token = :token,
			status = :status,
			is_builtin = :is_builtin,
			webhook_url = :webhook_url,
			webhook_secret = :webhook_secret,
			webhook_enabled = :webhook_enabled,
			allowed_updates = :allowed_updates,
			webhook_max_connections = :webhook_max_connections
		WHERE id = :id
	`
	result, err := s.db.NamedExecContext(ctx, query, bot)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error updating bot", "bot_id", bot.ID, "error", err)
		return fmt.Errorf("failed to update bot %d: %w", bot.ID, err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected != 1 {
		s.logger.WarnContext(ctx, "Unexpected number of rows affected when updating bot",
			"bot_id", bot.ID, "affected", affected)
	}
	return nil
}

// DeleteBotCascade removes a bot and all of its dependent rows in one transaction.
// Either everything is removed or nothing is.
func (s *sqlxStore) DeleteBotCascade(ctx context.Context, botID int64) error {
	if botID == 0 {
		return fmt.Errorf("bot_id cannot be zero")
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to begin transaction for bot deletion", "bot_id", botID, "error", err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if tx != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				if !errors.Is(rollbackErr, sql.ErrTxDone) {
					s.logger.WarnContext(ctx, "Error rolling back transaction", "error", rollbackErr)
				}
			}
		}
	}()

	deletions := []struct {
		table string
		query string
	}{
		{"bot_commands", `DELETE FROM bot_commands WHERE bot_id = ?`},
		{"updates", `DELETE FROM updates WHERE bot_id = ?`},
		{"knowledge_entries", `DELETE FROM knowledge_entries WHERE bot_id = ?`},
		{"delivery_records", `DELETE FROM delivery_records WHERE bot_id = ?`},
		{"bots", `DELETE FROM bots WHERE id = ?`},
	}

	for _, d := range deletions {
		result, err := tx.ExecContext(ctx, d.query, botID)
		if err != nil {
			s.logger.ErrorContext(ctx, "Error deleting rows during bot cascade",
				"bot_id", botID, "table", d.table, "error", err)
			return fmt.Errorf("failed to delete %s for bot %d: %w", d.table, botID, err)
		}
		count, _ := result.RowsAffected()
		s.logger.DebugContext(ctx, "Deleted rows in bot cascade", "bot_id", botID, "table", d.table, "count", count)
	}

	if err := tx.Commit(); err != nil {
		s.logger.ErrorContext(ctx, "Failed to commit bot deletion transaction", "bot_id", botID, "error", err)
		return fmt.Errorf("failed to commit bot deletion: %w", err)
	}
	tx = nil

	s.logger.InfoContext(ctx, "Bot and dependent rows deleted", "bot_id", botID)
	return nil
}

// SetWebhook configures webhook delivery for a bot.
func (s *sqlxStore) SetWebhook(ctx context.Context, botID int64, url, secret, allowedUpdates string, maxConnections int) error {
	if botID == 0 {
		return fmt.Errorf("bot_id cannot be zero")
	}
	if url == "" {
		return fmt.Errorf("webhook url cannot be empty")
	}
	if maxConnections <= 0 {
		maxConnections = 40
	}

	query := `
		UPDATE bots SET
			webhook_url = ?, webhook_secret = ?, webhook_enabled = 1,
			allowed_updates = ?, webhook_max_connections = ?, updated_at = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query, url, secret, allowedUpdates, maxConnections, time.Now().UTC(), botID)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error setting webhook", "bot_id", botID, "error", err)
		return fmt.Errorf("failed to set webhook for bot %d: %w", botID, err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("bot %d not found: %w", botID, sql.ErrNoRows)
	}

	s.logger.InfoContext(ctx, "Webhook configured", "bot_id", botID, "url", url)
	return nil
}

// DeleteWebhook disables webhook delivery for a bot.
func (s *sqlxStore) DeleteWebhook(ctx context.Context, botID int64) error {
	if botID == 0 {
		return fmt.Errorf("bot_id cannot be zero")
	}

	query := `
		UPDATE bots SET webhook_url = '', webhook_secret = '', webhook_enabled = 0, updated_at = ?
		WHERE id = ?
	`
	if _, err := s.db.ExecContext(ctx, query, time.Now().UTC(), botID); err != nil {
		s.logger.ErrorContext(ctx, "Error deleting webhook", "bot_id", botID, "error", err)
		return fmt.Errorf("failed to delete webhook for bot %d: %w", botID, err)
	}

	s.logger.InfoContext(ctx, "Webhook removed", "bot_id", botID)
	return nil
}

// SaveDeliveryRecord appends one webhook delivery audit record.
func (s *sqlxStore) SaveDeliveryRecord(ctx context.Context, record *DeliveryRecord) error {
	if record == nil {
		return fmt.Errorf("cannot save nil delivery record")
	}
	if record.BotID == 0 || record.UpdateID == 0 {
		return fmt.Errorf("delivery record must have non-zero bot_id and update_id")
	}

	if record.DeliveredAt.IsZero() {
		record.DeliveredAt = time.Now().UTC()
	}
	if record.Attempts <= 0 {
		record.Attempts = 1
	}

	query := `
		INSERT INTO delivery_records (bot_id, update_id, event_type, payload,
		                              response_code, response_body, outcome, attempts, delivered_at)
		VALUES (:bot_id, :update_id, :event_type, :payload,
		        :response_code, :response_body, :outcome, :attempts, :delivered_at)
	`
	result, err := s.db.NamedExecContext(ctx, query, record)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error saving delivery record",
			"bot_id", record.BotID, "update_id", record.UpdateID, "error", err)
		return fmt.Errorf("failed to save delivery record (bot %d, update %d): %w",
			record.BotID, record.UpdateID, err)
	}
	if id, err := result.LastInsertId(); err == nil {
		record.ID = id
	}

	s.logger.DebugContext(ctx, "Delivery record saved",
		"bot_id", record.BotID, "update_id", record.UpdateID, "outcome", record.Outcome)
	return nil
}

// ListDeliveryRecords retrieves the most recent delivery records for a bot.
func (s *sqlxStore) ListDeliveryRecords(ctx context.Context, botID int64, limit int) ([]DeliveryRecord, error) {
	if botID == 0 {
		return nil, fmt.Errorf("bot_id cannot be zero")
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	var records []DeliveryRecord
	query := `
		SELECT id, bot_id, update_id, event_type, payload, response_code, response_body,
		       outcome, attempts, delivered_at
		FROM delivery_records
		WHERE bot_id = ?
		ORDER BY id DESC
		LIMIT ?
	`
	if err := s.db.SelectContext(ctx, &records, query, botID, limit); err != nil {
		s.logger.ErrorContext(ctx, "Error listing delivery records", "bot_id", botID, "error", err)
		return nil, fmt.Errorf("failed to list delivery records for bot %d: %w", botID, err)
	}
	return records, nil
}

// SaveKnowledgeEntry inserts or updates a knowledge base entry.
func (s *sqlxStore) SaveKnowledgeEntry(ctx context.Context, entry *KnowledgeEntry) error {
	if entry == nil {
		return fmt.Errorf("cannot save nil knowledge entry")
	}
	if entry.BotID == 0 {
		return fmt.Errorf("knowledge entry must have a non-zero bot_id")
	}
	if entry.Keyword == "" || entry.Response == "" {
		return fmt.Errorf("knowledge entry must have a keyword and a response")
	}

	now := time.Now().UTC()
	entry.UpdatedAt = now
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}

	if entry.ID == 0 {
		query := `
			INSERT INTO knowledge_entries (created_at, updated_at, bot_id, keyword, response)
			VALUES (:created_at, :updated_at, :bot_id, :keyword, :response)
		`
		result, err := s.db.NamedExecContext(ctx, query, entry)
		if err != nil {
			s.logger.ErrorContext(ctx, "Error creating knowledge entry", "bot_id", entry.BotID, "error", err)
			return fmt.Errorf("failed to create knowledge entry for bot %d: %w", entry.BotID, err)
		}
		if id, err := result.LastInsertId(); err == nil {
			entry.ID = id
		}
		return nil
	}

	query := `
		UPDATE knowledge_entries SET updated_at = :updated_at, keyword = :keyword, response = :response
		WHERE id = :id
	`
	if _, err := s.db.NamedExecContext(ctx, query, entry); err != nil {
		s.logger.ErrorContext(ctx, "Error updating knowledge entry", "entry_id", entry.ID, "error", err)
		return fmt.Errorf("failed to update knowledge entry %d: %w", entry.ID, err)
	}
	return nil
}

// ListKnowledgeEntries retrieves all knowledge entries for a bot, oldest first.
// Ascending id order makes knowledge-search tie-breaking deterministic.
func (s *sqlxStore) ListKnowledgeEntries(ctx context.Context, botID int64) ([]KnowledgeEntry, error) {
	if botID == 0 {
		return nil, fmt.Errorf("bot_id cannot be zero")
	}

	var entries []KnowledgeEntry
	query := `
		SELECT id, created_at, updated_at, bot_id, keyword, response
		FROM knowledge_entries
		WHERE bot_id = ?
		ORDER BY id ASC
	`
	if err := s.db.SelectContext(ctx, &entries, query, botID); err != nil {
		s.logger.ErrorContext(ctx, "Error listing knowledge entries", "bot_id", botID, "error", err)
		return nil, fmt.Errorf("failed to list knowledge entries for bot %d: %w", botID, err)
	}
	return entries, nil
}

// DeleteKnowledgeEntry removes one knowledge entry.
func (s *sqlxStore) DeleteKnowledgeEntry(ctx context.Context, entryID int64) error {
	if entryID == 0 {
		return fmt.Errorf("entry_id cannot be zero")
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM knowledge_entries WHERE id = ?`, entryID); err != nil {
		s.logger.ErrorContext(ctx, "Error deleting knowledge entry", "entry_id", entryID, "error", err)
		return fmt.Errorf("failed to delete knowledge entry %d: %w", entryID, err)
	}
	return nil
}

// SaveBotCommands replaces the registered command set for a bot in one transaction.
func (s *sqlxStore) SaveBotCommands(ctx context.Context, botID int64, commands []BotCommand) error {
	if botID == 0 {
		return fmt.Errorf("bot_id cannot be zero")
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to begin transaction for saving bot commands", "bot_id", botID, "error", err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if tx != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				if !errors.Is(rollbackErr, sql.ErrTxDone) {
					s.logger.WarnContext(ctx, "Error rolling back transaction", "error", rollbackErr)
				}
			}
		}
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM bot_commands WHERE bot_id = ?`, botID); err != nil {
		return fmt.Errorf("failed to clear commands for bot %d: %w", botID, err)
	}

	for _, cmd := range commands {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO bot_commands (bot_id, name, description) VALUES (?, ?, ?)`,
			botID, cmd.Name, cmd.Description)
		if err != nil {
			return fmt.Errorf("failed to save command %q for bot %d: %w", cmd.Name, botID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit bot commands: %w", err)
	}
	tx = nil

	s.logger.DebugContext(ctx, "Bot commands saved", "bot_id", botID, "count", len(commands))
	return nil
}

// ListBotCommands retrieves the registered commands for a bot.
func (s *sqlxStore) ListBotCommands(ctx context.Context, botID int64) ([]BotCommand, error) {
	if botID == 0 {
		return nil, fmt.Errorf("bot_id cannot be zero")
	}

	var commands []BotCommand
	query := `SELECT id, bot_id, name, description FROM bot_commands WHERE bot_id = ? ORDER BY id ASC`
	if err := s.db.SelectContext(ctx, &commands, query, botID); err != nil {
		s.logger.ErrorContext(ctx, "Error listing bot commands", "bot_id", botID, "error", err)
		return nil, fmt.Errorf("failed to list commands for bot %d: %w", botID, err)
	}
	return commands, nil
}
