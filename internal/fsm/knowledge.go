package fsm

import (
	"context"
	"fmt"
	"strings"

	"github.com/meridianchat/botcore/internal/database"
)

// minTokenLen drops noise words from free-form queries before scoring.
const minTokenLen = 3

// handleKnowledgeQuery answers free-form text from the bot's knowledge base,
// or with the default no-answer nudge when nothing scores above zero.
func (e *Engine) handleKnowledgeQuery(ctx context.Context, bot *database.Bot, update *database.Update) error {
	entries, err := e.store.ListKnowledgeEntries(ctx, bot.ID)
	if err != nil {
		return fmt.Errorf("failed to load knowledge entries: %w", err)
	}

	best := searchKnowledge(entries, update.Text)
	if best == nil {
		return e.reply(ctx, bot, update, msgNoAnswer, "")
	}

	e.logger.DebugContext(ctx, "Knowledge base hit",
		"bot_id", bot.ID, "entry_id", best.ID, "keyword", best.Keyword)
	return e.reply(ctx, bot, update, best.Response, "")
}

// searchKnowledge tokenizes the query on whitespace, drops tokens shorter
// than minTokenLen, and scores each entry by the number of query tokens its
// keyword contains (case-insensitive). The entry with the strictly highest
// score above zero wins; ties go to the lowest entry id, which is the first
// candidate seen because entries arrive in ascending id order.
func searchKnowledge(entries []database.KnowledgeEntry, query string) *database.KnowledgeEntry {
	tokens := queryTokens(query)
	if len(tokens) == 0 {
		return nil
	}

	var best *database.KnowledgeEntry
	bestScore := 0

	for i := range entries {
		keyword := strings.ToLower(entries[i].Keyword)
		score := 0
		for _, token := range tokens {
			if strings.Contains(keyword, token) {
				score++
			}
		}
		if score > bestScore {
			best = &entries[i]
			bestScore = score
		}
	}

	return best
}

func queryTokens(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	tokens := fields[:0]
	for _, f := range fields {
		if len(f) >= minTokenLen {
			tokens = append(tokens, f)
		}
	}
	return tokens
}
