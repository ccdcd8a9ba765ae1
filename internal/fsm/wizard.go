package fsm

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/meridianchat/botcore/internal/database"
	"github.com/meridianchat/botcore/internal/state"
)

// usernameRe validates bot usernames: letters, digits, underscores, starting
// with a letter, 3-31 characters before the mandatory _bot suffix.
var usernameRe = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]{2,30}_bot$`)

const (
	msgAskName        = "Alright, a new bot. What shall we call it? Send me the display name."
	msgAskUsername    = "Good. Now pick a username for the bot. It must end in \"_bot\", like my_cool_bot."
	msgBadUsername    = "That username doesn't work. It must start with a letter, use only letters, digits and underscores, and end in \"_bot\". Try again."
	msgUsernameTaken  = "Sorry, that username is already taken. Try another one."
	msgAskDescription = "Almost done. Send a short description for the bot, or /skip to leave it empty."
	msgAskKeyword     = "What keyword should trigger this entry?"
	msgAskResponse    = "And what should the bot reply when the keyword matches?"
	msgAskFieldValue  = "Send me the new description."
	msgCannotSkip     = "This step can't be skipped. Send /cancel if you'd rather stop."
)

// inlineButton and inlineKeyboard describe the reply markup persisted with
// selector prompts. Clients render them as pressable buttons whose
// callback_data comes back as a callback-query update.
type inlineButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

type inlineKeyboard struct {
	InlineKeyboard [][]inlineButton `json:"inline_keyboard"`
}

func markupForBots(bots []database.Bot, action string) (string, error) {
	kb := inlineKeyboard{}
	for _, b := range bots {
		kb.InlineKeyboard = append(kb.InlineKeyboard, []inlineButton{{
			Text:         fmt.Sprintf("%s (@%s)", b.DisplayName, b.Username),
			CallbackData: fmt.Sprintf("%s_%d", action, b.ID),
		}})
	}
	raw, err := json.Marshal(kb)
	if err != nil {
		return "", fmt.Errorf("failed to marshal selector markup: %w", err)
	}
	return string(raw), nil
}

// --- bot creation wizard (3 steps) ---

func (e *Engine) startNewBotWizard(ctx context.Context, bot *database.Bot, update *database.Update) error {
	e.states.Set(bot.ID, update.UserID, state.Conversation{
		State: state.AwaitingName,
		Data:  map[string]string{},
	})
	return e.reply(ctx, bot, update, msgAskName, "")
}

func (e *Engine) stepBotName(ctx context.Context, bot *database.Bot, update *database.Update, conv state.Conversation) error {
	name := strings.TrimSpace(update.Text)
	if strings.EqualFold(name, "/skip") {
		// Only the description step is optional.
		return e.reply(ctx, bot, update, msgCannotSkip, "")
	}
	if name == "" || len(name) > 64 {
		return e.reply(ctx, bot, update, "That name won't do. Send a display name between 1 and 64 characters.", "")
	}

	conv.Data["name"] = name
	conv.State = state.AwaitingUsername
	e.states.Set(bot.ID, update.UserID, conv)

	return e.reply(ctx, bot, update, msgAskUsername, "")
}

func (e *Engine) stepBotUsername(ctx context.Context, bot *database.Bot, update *database.Update, conv state.Conversation) error {
	username := strings.TrimSpace(update.Text)

	// Validation failure keeps the state and accumulated data untouched.
	if !usernameRe.MatchString(username) {
		return e.reply(ctx, bot, update, msgBadUsername, "")
	}

	existing, err := e.store.GetBotByUsername(ctx, username)
	if err != nil {
		return fmt.Errorf("failed to check username uniqueness: %w", err)
	}
	if existing != nil {
		return e.reply(ctx, bot, update, msgUsernameTaken, "")
	}

	conv.Data["username"] = username
	conv.State = state.AwaitingDescription
	e.states.Set(bot.ID, update.UserID, conv)

	return e.reply(ctx, bot, update, msgAskDescription, "")
}

func (e *Engine) stepBotDescription(ctx context.Context, bot *database.Bot, update *database.Update, conv state.Conversation) error {
	description := strings.TrimSpace(update.Text)
	if strings.EqualFold(description, "/skip") {
		description = ""
	}

	newBot := &database.Bot{
		OwnerID:     update.UserID,
		Username:    conv.Data["username"],
		DisplayName: conv.Data["name"],
		Description: description,
		Status:      database.BotStatusActive,
		Token:       "pending",
	}
	if err := e.store.SaveBot(ctx, newBot); err != nil {
		return fmt.Errorf("failed to create bot: %w", err)
	}

	// Token carries the bot id so ownership is checkable without a lookup.
	token, err := generateToken(newBot.ID)
	if err != nil {
		return fmt.Errorf("failed to generate token: %w", err)
	}
	newBot.Token = token
	if err := e.store.SaveBot(ctx, newBot); err != nil {
		return fmt.Errorf("failed to store bot token: %w", err)
	}

	defaults := []database.BotCommand{
		{Name: "start", Description: "Start the bot"},
		{Name: "help", Description: "Show available commands"},
	}
	if err := e.store.SaveBotCommands(ctx, newBot.ID, defaults); err != nil {
		return fmt.Errorf("failed to register default commands: %w", err)
	}

	e.states.Clear(bot.ID, update.UserID)

	text := fmt.Sprintf("Done! @%s is ready.\n\nToken:\n%s\n\nKeep the token secret, anyone who has it can control the bot.",
		newBot.Username, token)
	return e.reply(ctx, bot, update, text, "")
}

func generateToken(botID int64) (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return fmt.Sprintf("%d:%s", botID, hex.EncodeToString(raw)), nil
}

// --- selectors and callback terminals ---

func (e *Engine) listBots(ctx context.Context, bot *database.Bot, update *database.Update) error {
	bots, err := e.store.ListBotsByOwner(ctx, update.UserID)
	if err != nil {
		return fmt.Errorf("failed to list bots: %w", err)
	}
	if len(bots) == 0 {
		return e.reply(ctx, bot, update, msgNoBots, "")
	}

	var sb strings.Builder
	sb.WriteString("Your bots:\n")
	for _, b := range bots {
		fmt.Fprintf(&sb, "\n%s - @%s", b.DisplayName, b.Username)
		if b.Description != "" {
			fmt.Fprintf(&sb, "\n%s", b.Description)
		}
		sb.WriteString("\n")
	}
	return e.reply(ctx, bot, update, sb.String(), "")
}

func (e *Engine) startSelector(ctx context.Context, bot *database.Bot, update *database.Update, sel state.State, action, prompt string) error {
	bots, err := e.store.ListBotsByOwner(ctx, update.UserID)
	if err != nil {
		return fmt.Errorf("failed to list bots: %w", err)
	}
	if len(bots) == 0 {
		return e.reply(ctx, bot, update, msgNoBots, "")
	}

	markup, err := markupForBots(bots, action)
	if err != nil {
		return err
	}

	e.states.Set(bot.ID, update.UserID, state.Conversation{State: sel, Data: map[string]string{}})
	return e.reply(ctx, bot, update, prompt, markup)
}

func (e *Engine) confirmDeleteBot(ctx context.Context, bot *database.Bot, update *database.Update, targetID int64) error {
	target, err := e.ownedBot(ctx, update.UserID, targetID)
	if err != nil {
		return err
	}
	if target == nil {
		e.states.Clear(bot.ID, update.UserID)
		return e.reply(ctx, bot, update, "That bot doesn't exist or isn't yours.", "")
	}

	kb := inlineKeyboard{InlineKeyboard: [][]inlineButton{{
		{Text: "Yes, delete it", CallbackData: fmt.Sprintf("confirmdel_%d", targetID)},
	}}}
	raw, err := json.Marshal(kb)
	if err != nil {
		return fmt.Errorf("failed to marshal confirmation markup: %w", err)
	}

	text := fmt.Sprintf("Delete @%s? This removes its commands, messages, knowledge base, and delivery logs. Send /cancel to keep it.", target.Username)
	return e.reply(ctx, bot, update, text, string(raw))
}

func (e *Engine) deleteBot(ctx context.Context, bot *database.Bot, update *database.Update, targetID int64) error {
	target, err := e.ownedBot(ctx, update.UserID, targetID)
	if err != nil {
		return err
	}
	if target == nil {
		e.states.Clear(bot.ID, update.UserID)
		return e.reply(ctx, bot, update, "That bot doesn't exist or isn't yours.", "")
	}

	if err := e.store.DeleteBotCascade(ctx, targetID); err != nil {
		return fmt.Errorf("failed to delete bot %d: %w", targetID, err)
	}

	e.states.Clear(bot.ID, update.UserID)
	return e.reply(ctx, bot, update, fmt.Sprintf("@%s is gone, along with everything it owned.", target.Username), "")
}

func (e *Engine) showToken(ctx context.Context, bot *database.Bot, update *database.Update, targetID int64) error {
	target, err := e.ownedBot(ctx, update.UserID, targetID)
	if err != nil {
		return err
	}
	if target == nil {
		e.states.Clear(bot.ID, update.UserID)
		return e.reply(ctx, bot, update, "That bot doesn't exist or isn't yours.", "")
	}

	e.states.Clear(bot.ID, update.UserID)
	return e.reply(ctx, bot, update, fmt.Sprintf("Token for @%s:\n%s", target.Username, target.Token), "")
}

func (e *Engine) askDescription(ctx context.Context, bot *database.Bot, update *database.Update, targetID int64) error {
	target, err := e.ownedBot(ctx, update.UserID, targetID)
	if err != nil {
		return err
	}
	if target == nil {
		e.states.Clear(bot.ID, update.UserID)
		return e.reply(ctx, bot, update, "That bot doesn't exist or isn't yours.", "")
	}

	e.states.Set(bot.ID, update.UserID, state.Conversation{
		State: state.AwaitingFieldValue,
		Data:  map[string]string{"target_bot_id": fmt.Sprintf("%d", targetID), "field": "description"},
	})
	return e.reply(ctx, bot, update, msgAskFieldValue, "")
}

func (e *Engine) stepFieldValue(ctx context.Context, bot *database.Bot, update *database.Update, conv state.Conversation) error {
	targetID, err := parseID(conv.Data["target_bot_id"])
	if err != nil {
		e.states.Clear(bot.ID, update.UserID)
		return e.reply(ctx, bot, update, msgCancelled, "")
	}

	target, err := e.ownedBot(ctx, update.UserID, targetID)
	if err != nil {
		return err
	}
	if target == nil {
		e.states.Clear(bot.ID, update.UserID)
		return e.reply(ctx, bot, update, "That bot doesn't exist or isn't yours.", "")
	}

	value := strings.TrimSpace(update.Text)
	if strings.EqualFold(value, "/skip") {
		return e.reply(ctx, bot, update, msgCannotSkip, "")
	}
	if len(value) > 512 {
		return e.reply(ctx, bot, update, "That's too long, keep it under 512 characters.", "")
	}

	switch conv.Data["field"] {
	case "description":
		target.Description = value
	default:
		e.states.Clear(bot.ID, update.UserID)
		return e.reply(ctx, bot, update, msgCancelled, "")
	}

	if err := e.store.SaveBot(ctx, target); err != nil {
		return fmt.Errorf("failed to update bot %d: %w", targetID, err)
	}

	e.states.Clear(bot.ID, update.UserID)
	return e.reply(ctx, bot, update, fmt.Sprintf("Updated @%s.", target.Username), "")
}

func (e *Engine) ownedBot(ctx context.Context, userID, botID int64) (*database.Bot, error) {
	target, err := e.store.GetBot(ctx, botID)
	if err != nil {
		return nil, fmt.Errorf("failed to load bot %d: %w", botID, err)
	}
	if target == nil || target.OwnerID != userID {
		return nil, nil
	}
	return target, nil
}

func parseID(s string) (int64, error) {
	var id int64
	_, err := fmt.Sscanf(s, "%d", &id)
	return id, err
}

// --- knowledge base wizard (2 steps) ---

func (e *Engine) startKnowledgeWizard(ctx context.Context, bot *database.Bot, update *database.Update) error {
	e.states.Set(bot.ID, update.UserID, state.Conversation{
		State: state.AwaitingKeyword,
		Data:  map[string]string{},
	})
	return e.reply(ctx, bot, update, msgAskKeyword, "")
}

func (e *Engine) stepKnowledgeKeyword(ctx context.Context, bot *database.Bot, update *database.Update, conv state.Conversation) error {
	keyword := strings.TrimSpace(update.Text)
	if strings.EqualFold(keyword, "/skip") {
		return e.reply(ctx, bot, update, msgCannotSkip, "")
	}
	if len(keyword) < 3 {
		return e.reply(ctx, bot, update, "Keywords need at least 3 characters. Try again.", "")
	}

	conv.Data["keyword"] = keyword
	conv.State = state.AwaitingResponse
	e.states.Set(bot.ID, update.UserID, conv)

	return e.reply(ctx, bot, update, msgAskResponse, "")
}

func (e *Engine) stepKnowledgeResponse(ctx context.Context, bot *database.Bot, update *database.Update, conv state.Conversation) error {
	response := strings.TrimSpace(update.Text)
	if strings.EqualFold(response, "/skip") {
		return e.reply(ctx, bot, update, msgCannotSkip, "")
	}
	if response == "" {
		return e.reply(ctx, bot, update, "The response can't be empty. Try again.", "")
	}

	entry := &database.KnowledgeEntry{
		BotID:    bot.ID,
		Keyword:  conv.Data["keyword"],
		Response: response,
	}
	editing := conv.Data["entry_id"] != ""
	if editing {
		id, err := parseID(conv.Data["entry_id"])
		if err != nil {
			e.states.Clear(bot.ID, update.UserID)
			return e.reply(ctx, bot, update, msgCancelled, "")
		}
		entry.ID = id
	}
	if err := e.store.SaveKnowledgeEntry(ctx, entry); err != nil {
		return fmt.Errorf("failed to save knowledge entry: %w", err)
	}

	e.states.Clear(bot.ID, update.UserID)
	if editing {
		return e.reply(ctx, bot, update,
			fmt.Sprintf("Updated. %q now gets the new response.", entry.Keyword), "")
	}
	return e.reply(ctx, bot, update,
		fmt.Sprintf("Saved. I'll answer with that whenever someone asks about %q.", entry.Keyword), "")
}

func (e *Engine) startEntrySelector(ctx context.Context, bot *database.Bot, update *database.Update, sel state.State, action, prompt string) error {
	entries, err := e.store.ListKnowledgeEntries(ctx, bot.ID)
	if err != nil {
		return fmt.Errorf("failed to list knowledge entries: %w", err)
	}
	if len(entries) == 0 {
		return e.reply(ctx, bot, update, "The knowledge base is empty. Send /addkb to add an entry.", "")
	}

	kb := inlineKeyboard{}
	for _, entry := range entries {
		kb.InlineKeyboard = append(kb.InlineKeyboard, []inlineButton{{
			Text:         entry.Keyword,
			CallbackData: fmt.Sprintf("%s_%d", action, entry.ID),
		}})
	}
	raw, err := json.Marshal(kb)
	if err != nil {
		return fmt.Errorf("failed to marshal selector markup: %w", err)
	}

	e.states.Set(bot.ID, update.UserID, state.Conversation{State: sel, Data: map[string]string{}})
	return e.reply(ctx, bot, update, prompt, string(raw))
}

func (e *Engine) askNewResponse(ctx context.Context, bot *database.Bot, update *database.Update, entryID int64) error {
	entry, err := e.botEntry(ctx, bot.ID, entryID)
	if err != nil {
		return err
	}
	if entry == nil {
		e.states.Clear(bot.ID, update.UserID)
		return e.reply(ctx, bot, update, "That entry doesn't exist anymore.", "")
	}

	e.states.Set(bot.ID, update.UserID, state.Conversation{
		State: state.AwaitingResponse,
		Data: map[string]string{
			"entry_id": fmt.Sprintf("%d", entry.ID),
			"keyword":  entry.Keyword,
		},
	})
	return e.reply(ctx, bot, update, fmt.Sprintf("Send the new response for %q.", entry.Keyword), "")
}

func (e *Engine) deleteKnowledgeEntry(ctx context.Context, bot *database.Bot, update *database.Update, entryID int64) error {
	entry, err := e.botEntry(ctx, bot.ID, entryID)
	if err != nil {
		return err
	}
	if entry == nil {
		e.states.Clear(bot.ID, update.UserID)
		return e.reply(ctx, bot, update, "That entry doesn't exist anymore.", "")
	}

	if err := e.store.DeleteKnowledgeEntry(ctx, entry.ID); err != nil {
		return fmt.Errorf("failed to delete knowledge entry %d: %w", entry.ID, err)
	}

	e.states.Clear(bot.ID, update.UserID)
	return e.reply(ctx, bot, update, fmt.Sprintf("Removed the entry for %q.", entry.Keyword), "")
}

// botEntry resolves an entry id against the bot's own knowledge base, so a
// forged callback can't reach another bot's entries.
func (e *Engine) botEntry(ctx context.Context, botID, entryID int64) (*database.KnowledgeEntry, error) {
	entries, err := e.store.ListKnowledgeEntries(ctx, botID)
	if err != nil {
		return nil, fmt.Errorf("failed to list knowledge entries: %w", err)
	}
	for i := range entries {
		if entries[i].ID == entryID {
			return &entries[i], nil
		}
	}
	return nil, nil
}

func (e *Engine) listKnowledge(ctx context.Context, bot *database.Bot, update *database.Update, _ string) error {
	entries, err := e.store.ListKnowledgeEntries(ctx, bot.ID)
	if err != nil {
		return fmt.Errorf("failed to list knowledge entries: %w", err)
	}
	if len(entries) == 0 {
		return e.reply(ctx, bot, update, "The knowledge base is empty. Send /addkb to add an entry.", "")
	}

	var sb strings.Builder
	sb.WriteString("Knowledge base:\n")
	for _, entry := range entries {
		fmt.Fprintf(&sb, "\n%d. %s", entry.ID, entry.Keyword)
	}
	return e.reply(ctx, bot, update, sb.String(), "")
}
