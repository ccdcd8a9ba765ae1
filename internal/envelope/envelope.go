// Package envelope builds the canonical JSON representation of an update as
// served to both long-poll and webhook consumers. Webhook signatures are
// computed over the exact bytes produced here.
package envelope

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/meridianchat/botcore/internal/database"
)

// From identifies the sender of an update.
type From struct {
	ID          int64  `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
}

// Chat identifies the conversation an update belongs to.
type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

// Message carries the textual body of an update.
type Message struct {
	MessageID int64  `json:"message_id"`
	From      From   `json:"from"`
	Chat      Chat   `json:"chat"`
	Date      int64  `json:"date"`
	Text      string `json:"text"`
}

// Command is present when the update is a recognized slash command.
type Command struct {
	Name string `json:"name"`
	Args string `json:"args,omitempty"`
}

// CallbackQuery is present when the update is a button press.
type CallbackQuery struct {
	ID   string `json:"id"`
	Data string `json:"data"`
}

// Media is present when the update carries a media descriptor.
type Media struct {
	Type string `json:"type"`
	Ref  string `json:"ref"`
}

// Envelope is the canonical wire form of one update.
type Envelope struct {
	UpdateID      int64          `json:"update_id"`
	UpdateType    string         `json:"update_type"`
	BotID         int64          `json:"bot_id,omitempty"`
	Message       Message        `json:"message"`
	Command       *Command       `json:"command,omitempty"`
	CallbackQuery *CallbackQuery `json:"callback_query,omitempty"`
	Media         *Media         `json:"media,omitempty"`
}

// UserResolver resolves sender display data. User identity lives outside the
// core; the default resolver returns the bare id.
type UserResolver interface {
	Resolve(ctx context.Context, userID int64) From
}

// IdentityResolver is the default UserResolver. It carries no display data.
type IdentityResolver struct{}

// Resolve returns a From with only the user id set.
func (IdentityResolver) Resolve(_ context.Context, userID int64) From {
	return From{ID: userID}
}

// FromUpdate classifies an update and builds its envelope. When includeBotID
// is true (webhook push), the bot id is part of the payload; long-poll
// responses omit it because the caller already authenticated as the bot.
func FromUpdate(ctx context.Context, u *database.Update, resolver UserResolver, includeBotID bool) Envelope {
	if resolver == nil {
		resolver = IdentityResolver{}
	}

	env := Envelope{
		UpdateID:   u.ID,
		UpdateType: u.Kind,
		Message: Message{
			MessageID: u.ID,
			From:      resolver.Resolve(ctx, u.UserID),
			Chat:      Chat{ID: u.ChatID, Type: u.ChatType},
			Date:      u.CreatedAt.Unix(),
			Text:      u.Text,
		},
	}
	if includeBotID {
		env.BotID = u.BotID
	}

	switch u.Kind {
	case database.KindCommand:
		env.Command = &Command{Name: u.Command, Args: u.CommandArgs}
	case database.KindCallbackQuery:
		env.CallbackQuery = &CallbackQuery{ID: u.CallbackID, Data: u.CallbackData}
	case database.KindMedia:
		env.Media = &Media{Type: u.MediaType, Ref: u.MediaRef}
	}

	return env
}

// Marshal produces the canonical payload bytes for signing and delivery.
func Marshal(env Envelope) ([]byte, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal update envelope %d: %w", env.UpdateID, err)
	}
	return payload, nil
}
