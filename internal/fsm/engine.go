// Package fsm routes inbound updates for built-in bots through command
// handlers, multi-step wizards, and the keyword knowledge base, driving a
// per-user conversation state machine.
package fsm

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/meridianchat/botcore/internal/database"
	"github.com/meridianchat/botcore/internal/fanout"
	"github.com/meridianchat/botcore/internal/state"
)

// Replies used by the built-in bot flows.
const (
	msgWelcome        = "Hi! I can manage your bots for you. Send /newbot to create one, or /help for the full command list."
	msgHelp           = "Commands:\n/newbot - create a new bot\n/mybots - list your bots\n/delbot - delete a bot\n/token - show a bot token\n/setdesc - change a bot description\n/addkb - add a knowledge base entry\n/listkb - list knowledge base entries\n/editkb - rewrite a knowledge base response\n/delkb - delete a knowledge base entry\n/cancel - abort the current operation"
	msgUnknownCommand = "I don't know that command. Send /help to see what I can do."
	msgNoAnswer       = "I don't have an answer for that. Try /help to see available commands."
	msgCancelled      = "Operation cancelled."
	msgNothingToDo    = "Nothing to cancel, you're not in the middle of anything."
	msgNoBots         = "You don't have any bots yet. Send /newbot to create one."
)

// Store is the slice of the update log the conversation engine needs.
type Store interface {
	AppendUpdate(ctx context.Context, update *database.Update) error
	GetBot(ctx context.Context, botID int64) (*database.Bot, error)
	GetBotByUsername(ctx context.Context, username string) (*database.Bot, error)
	ListBotsByOwner(ctx context.Context, ownerID int64) ([]database.Bot, error)
	SaveBot(ctx context.Context, bot *database.Bot) error
	DeleteBotCascade(ctx context.Context, botID int64) error
	SaveBotCommands(ctx context.Context, botID int64, commands []database.BotCommand) error
	SaveKnowledgeEntry(ctx context.Context, entry *database.KnowledgeEntry) error
	ListKnowledgeEntries(ctx context.Context, botID int64) ([]database.KnowledgeEntry, error)
	DeleteKnowledgeEntry(ctx context.Context, entryID int64) error
}

// Engine drives the built-in bot conversation state machine. Inbound updates
// enter via HandleInbound; every terminal step persists exactly one outbound
// update and broadcasts it.
type Engine struct {
	store       Store
	states      state.Store
	broadcaster fanout.Broadcaster
	logger      *slog.Logger
}

// NewEngine creates a conversation engine.
func NewEngine(store Store, states state.Store, broadcaster fanout.Broadcaster, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:       store,
		states:      states,
		broadcaster: broadcaster,
		logger:      logger.With("component", "fsm"),
	}
}

// HandleInbound dispatches one inbound update addressed to a built-in bot.
// Dispatch order: callback data, then recognized commands, then the current
// wizard step if the user is mid-flow, then the knowledge base.
func (e *Engine) HandleInbound(ctx context.Context, bot *database.Bot, update *database.Update) error {
	if bot == nil || update == nil {
		return fmt.Errorf("bot and update must not be nil")
	}

	log := e.logger.With("bot_id", bot.ID, "user_id", update.UserID)

	if update.Kind == database.KindCallbackQuery && update.CallbackData != "" {
		return e.handleCallback(ctx, bot, update)
	}

	if update.Kind == database.KindCommand || strings.HasPrefix(update.Text, "/") {
		return e.handleCommand(ctx, bot, update)
	}

	conv := e.states.Get(bot.ID, update.UserID)
	if conv.State != state.Idle {
		return e.handleStep(ctx, bot, update, conv)
	}

	log.DebugContext(ctx, "Free-form text, querying knowledge base")
	return e.handleKnowledgeQuery(ctx, bot, update)
}

// handleCommand dispatches a slash command through the fixed command table.
// Commands interrupt any wizard except /cancel and /skip, which the active
// step interprets itself.
func (e *Engine) handleCommand(ctx context.Context, bot *database.Bot, update *database.Update) error {
	name := update.Command
	args := update.CommandArgs
	if name == "" {
		fields := strings.Fields(update.Text)
		if len(fields) == 0 {
			// A command update with no command name and no text to parse one
			// from. Consumed either way, so answer rather than guess.
			return e.reply(ctx, bot, update, msgUnknownCommand, "")
		}
		name = strings.TrimPrefix(fields[0], "/")
		args = strings.TrimSpace(strings.TrimPrefix(update.Text, fields[0]))
	}
	name = strings.ToLower(name)

	conv := e.states.Get(bot.ID, update.UserID)

	switch name {
	case "cancel":
		if conv.State == state.Idle {
			return e.reply(ctx, bot, update, msgNothingToDo, "")
		}
		e.states.Clear(bot.ID, update.UserID)
		return e.reply(ctx, bot, update, msgCancelled, "")

	case "skip":
		if conv.State != state.Idle {
			// /skip only means something inside a wizard step.
			return e.handleStep(ctx, bot, update, conv)
		}
		return e.reply(ctx, bot, update, msgUnknownCommand, "")
	}

	// Any other command abandons a wizard in progress.
	if conv.State != state.Idle {
		e.states.Clear(bot.ID, update.UserID)
	}

	switch name {
	case "start":
		return e.reply(ctx, bot, update, msgWelcome, "")
	case "help":
		return e.reply(ctx, bot, update, msgHelp, "")
	case "newbot":
		return e.startNewBotWizard(ctx, bot, update)
	case "mybots":
		return e.listBots(ctx, bot, update)
	case "delbot":
		return e.startSelector(ctx, bot, update, state.SelectingDeleteBot, "delbot",
			"Which bot do you want to delete?")
	case "token":
		return e.startSelector(ctx, bot, update, state.SelectingTokenBot, "token",
			"Which bot do you want the token for?")
	case "setdesc":
		return e.startSelector(ctx, bot, update, state.SelectingDescriptionBot, "setdesc",
			"Which bot's description do you want to change?")
	case "addkb":
		return e.startKnowledgeWizard(ctx, bot, update)
	case "listkb":
		return e.listKnowledge(ctx, bot, update, args)
	case "editkb":
		return e.startEntrySelector(ctx, bot, update, state.SelectingEditEntry, "editkb",
			"Which entry do you want to rewrite?")
	case "delkb":
		return e.startEntrySelector(ctx, bot, update, state.SelectingDeleteEntry, "delkb",
			"Which entry do you want to delete?")
	default:
		return e.reply(ctx, bot, update, msgUnknownCommand, "")
	}
}

// handleCallback routes a button press by its action_<id> data, independent
// of the user's current state. The press is always acknowledged so the
// client can clear its pending UI affordance.
func (e *Engine) handleCallback(ctx context.Context, bot *database.Bot, update *database.Update) error {
	log := e.logger.With("bot_id", bot.ID, "user_id", update.UserID, "callback_data", update.CallbackData)

	// Acknowledgment is ephemeral: broadcast only, never persisted.
	ack := &database.Update{
		BotID:      bot.ID,
		ChatID:     update.ChatID,
		ChatType:   update.ChatType,
		UserID:     update.UserID,
		Direction:  database.DirectionOutbound,
		Kind:       database.KindCallbackQuery,
		CallbackID: update.CallbackID,
	}
	if err := e.broadcaster.Broadcast(ctx, fanout.Groups(ack), ack); err != nil {
		log.WarnContext(ctx, "Failed to broadcast callback acknowledgment", "error", err)
	}

	action, idStr, found := strings.Cut(update.CallbackData, "_")
	if !found {
		log.WarnContext(ctx, "Callback data without action_<id> shape")
		return e.reply(ctx, bot, update, msgUnknownCommand, "")
	}
	targetID, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return e.reply(ctx, bot, update, msgUnknownCommand, "")
	}

	switch action {
	case "delbot":
		return e.confirmDeleteBot(ctx, bot, update, targetID)
	case "confirmdel":
		return e.deleteBot(ctx, bot, update, targetID)
	case "token":
		return e.showToken(ctx, bot, update, targetID)
	case "setdesc":
		return e.askDescription(ctx, bot, update, targetID)
	case "editkb":
		return e.askNewResponse(ctx, bot, update, targetID)
	case "delkb":
		return e.deleteKnowledgeEntry(ctx, bot, update, targetID)
	default:
		log.WarnContext(ctx, "Unknown callback action", "action", action)
		return e.reply(ctx, bot, update, msgUnknownCommand, "")
	}
}

// handleStep routes raw text to the active wizard step.
func (e *Engine) handleStep(ctx context.Context, bot *database.Bot, update *database.Update, conv state.Conversation) error {
	switch conv.State {
	case state.AwaitingName:
		return e.stepBotName(ctx, bot, update, conv)
	case state.AwaitingUsername:
		return e.stepBotUsername(ctx, bot, update, conv)
	case state.AwaitingDescription:
		return e.stepBotDescription(ctx, bot, update, conv)
	case state.AwaitingKeyword:
		return e.stepKnowledgeKeyword(ctx, bot, update, conv)
	case state.AwaitingResponse:
		return e.stepKnowledgeResponse(ctx, bot, update, conv)
	case state.AwaitingFieldValue:
		return e.stepFieldValue(ctx, bot, update, conv)
	default:
		// Selector states expect a button press, not text.
		return e.reply(ctx, bot, update, "Please pick one of the options, or send /cancel.", "")
	}
}

// reply persists exactly one outbound update and broadcasts it to the
// recipient's subscriber groups. Persistence strictly precedes broadcast.
func (e *Engine) reply(ctx context.Context, bot *database.Bot, inbound *database.Update, text, replyMarkup string) error {
	out := &database.Update{
		BotID:       bot.ID,
		ChatID:      inbound.ChatID,
		ChatType:    inbound.ChatType,
		UserID:      inbound.UserID,
		Direction:   database.DirectionOutbound,
		Kind:        database.KindMessage,
		Text:        text,
		ReplyMarkup: replyMarkup,
	}
	if err := e.store.AppendUpdate(ctx, out); err != nil {
		return fmt.Errorf("failed to persist outbound update: %w", err)
	}
	if err := e.broadcaster.Broadcast(ctx, fanout.Groups(out), out); err != nil {
		// The durable record exists; a lost realtime event is acceptable.
		e.logger.WarnContext(ctx, "Failed to broadcast outbound update",
			"bot_id", bot.ID, "update_id", out.ID, "error", err)
	}
	return nil
}
