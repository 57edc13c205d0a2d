package telegram

import (
	"strings"

	"github.com/quailyquaily/musedown/internal/retrieval"
	"github.com/quailyquaily/musedown/internal/session"
)

// eventFromUpdate converts one update into a retrieval event. Updates the
// bot does not act on (non-text messages, other bots, callbacks without a
// source chat) report false.
func eventFromUpdate(u telegramUpdate) (retrieval.Event, bool) {
	if cb := u.CallbackQuery; cb != nil {
		if cb.Message == nil || cb.Message.Chat == nil {
			return retrieval.Event{}, false
		}
		return retrieval.Event{
			Kind:           retrieval.EventSelection,
			ConversationID: session.ConversationID(cb.Message.Chat.ID),
			MessageID:      cb.Message.MessageID,
			CallbackID:     cb.ID,
			CallbackData:   cb.Data,
		}, true
	}
	msg := u.Message
	if msg == nil || msg.Chat == nil {
		return retrieval.Event{}, false
	}
	if msg.From != nil && msg.From.IsBot {
		return retrieval.Event{}, false
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return retrieval.Event{}, false
	}
	return retrieval.Event{
		Kind:           retrieval.EventText,
		ConversationID: session.ConversationID(msg.Chat.ID),
		MessageID:      msg.MessageID,
		Text:           text,
	}, true
}
