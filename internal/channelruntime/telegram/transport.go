package telegram

import (
	"context"

	"github.com/quailyquaily/musedown/internal/present"
	"github.com/quailyquaily/musedown/internal/session"
)

// botTransport exposes the Bot API client as the retrieval manager's
// outbound channel.
type botTransport struct {
	api *telegramAPI
}

func newBotTransport(api *telegramAPI) *botTransport {
	return &botTransport{api: api}
}

func (t *botTransport) SendText(ctx context.Context, chat session.ConversationID, text string, kb present.Keyboard) (int64, error) {
	return t.api.sendMessage(ctx, int64(chat), text, keyboardMarkup(kb))
}

func (t *botTransport) SendPhoto(ctx context.Context, chat session.ConversationID, photoURL, caption string, kb present.Keyboard) (int64, error) {
	return t.api.sendPhoto(ctx, int64(chat), photoURL, caption, keyboardMarkup(kb))
}

func (t *botTransport) SendAudio(ctx context.Context, chat session.ConversationID, path, title string) (int64, error) {
	return t.api.sendAudio(ctx, int64(chat), path, title)
}

func (t *botTransport) EditCaption(ctx context.Context, chat session.ConversationID, messageID int64, caption string) error {
	return t.api.editMessageCaption(ctx, int64(chat), messageID, caption)
}

func (t *botTransport) DeleteMessage(ctx context.Context, chat session.ConversationID, messageID int64) error {
	return t.api.deleteMessage(ctx, int64(chat), messageID)
}

func (t *botTransport) AnswerCallback(ctx context.Context, callbackID, text string) error {
	return t.api.answerCallbackQuery(ctx, callbackID, text)
}

func keyboardMarkup(kb present.Keyboard) *inlineKeyboardMarkup {
	if len(kb) == 0 {
		return nil
	}
	rows := make([][]inlineKeyboardButton, 0, len(kb))
	for _, row := range kb {
		if len(row) == 0 {
			continue
		}
		buttons := make([]inlineKeyboardButton, 0, len(row))
		for _, b := range row {
			buttons = append(buttons, inlineKeyboardButton{Text: b.Text, CallbackData: b.Data})
		}
		rows = append(rows, buttons)
	}
	if len(rows) == 0 {
		return nil
	}
	return &inlineKeyboardMarkup{InlineKeyboard: rows}
}
