package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/quailyquaily/musedown/internal/retryutil"
)

const DefaultBaseURL = "https://api.telegram.org"

type telegramAPI struct {
	http    *http.Client
	baseURL string
	token   string
	retry   retryutil.Policy
}

func newTelegramAPI(httpClient *http.Client, baseURL, token string) *telegramAPI {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &telegramAPI{
		http:    httpClient,
		baseURL: baseURL,
		token:   token,
		retry: retryutil.Policy{
			Attempts: 3,
			Delay:    time.Second,
			MaxDelay: 30 * time.Second,
		},
	}
}

type telegramUpdate struct {
	UpdateID      int64                  `json:"update_id"`
	Message       *telegramMessage       `json:"message,omitempty"`
	CallbackQuery *telegramCallbackQuery `json:"callback_query,omitempty"`
}

type telegramMessage struct {
	MessageID int64         `json:"message_id"`
	Date      int64         `json:"date,omitempty"`
	Chat      *telegramChat `json:"chat,omitempty"`
	From      *telegramUser `json:"from,omitempty"`
	Text      string        `json:"text,omitempty"`
	Caption   string        `json:"caption,omitempty"`
}

type telegramCallbackQuery struct {
	ID      string           `json:"id"`
	From    *telegramUser    `json:"from,omitempty"`
	Message *telegramMessage `json:"message,omitempty"`
	Data    string           `json:"data,omitempty"`
}

type telegramChat struct {
	ID   int64  `json:"id"`
	Type string `json:"type,omitempty"`
}

type telegramUser struct {
	ID       int64  `json:"id"`
	IsBot    bool   `json:"is_bot,omitempty"`
	Username string `json:"username,omitempty"`
}

type inlineKeyboardButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data,omitempty"`
}

type inlineKeyboardMarkup struct {
	InlineKeyboard [][]inlineKeyboardButton `json:"inline_keyboard"`
}

type sendMessageRequest struct {
	ChatID      int64                 `json:"chat_id"`
	Text        string                `json:"text"`
	ReplyMarkup *inlineKeyboardMarkup `json:"reply_markup,omitempty"`
}

type sendPhotoRequest struct {
	ChatID      int64                 `json:"chat_id"`
	Photo       string                `json:"photo"`
	Caption     string                `json:"caption,omitempty"`
	ReplyMarkup *inlineKeyboardMarkup `json:"reply_markup,omitempty"`
}

type editMessageCaptionRequest struct {
	ChatID    int64  `json:"chat_id"`
	MessageID int64  `json:"message_id"`
	Caption   string `json:"caption"`
}

type deleteMessageRequest struct {
	ChatID    int64 `json:"chat_id"`
	MessageID int64 `json:"message_id"`
}

type answerCallbackQueryRequest struct {
	CallbackQueryID string `json:"callback_query_id"`
	Text            string `json:"text,omitempty"`
}

type telegramResponse struct {
	OK          bool                `json:"ok"`
	Result      json.RawMessage     `json:"result,omitempty"`
	ErrorCode   int                 `json:"error_code,omitempty"`
	Description string              `json:"description,omitempty"`
	Parameters  *responseParameters `json:"parameters,omitempty"`
}

type responseParameters struct {
	RetryAfter int `json:"retry_after,omitempty"`
}

// RequestError is a failed Bot API call. Description carries Telegram's own
// explanation when the response body had one.
type RequestError struct {
	Method      string
	StatusCode  int
	ErrorCode   int
	Description string
	Body        string
	// RetryAfterSeconds is set on 429 responses.
	RetryAfterSeconds int
}

func (e *RequestError) RetryAfter() time.Duration {
	if e == nil || e.RetryAfterSeconds <= 0 {
		return 0
	}
	return time.Duration(e.RetryAfterSeconds) * time.Second
}

// idempotentMethods may be repeated after a 5xx without a visible effect.
// A 5xx on a send can arrive after Telegram already posted the message.
var idempotentMethods = map[string]bool{
	"getMe":               true,
	"deleteMessage":       true,
	"answerCallbackQuery": true,
	"editMessageCaption":  true,
}

// isRetryableTelegramError reports rate limiting for every method and
// server-side failures for idempotent ones. Transport errors are not retried
// since the request may have landed.
func isRetryableTelegramError(method string, err error) bool {
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		return false
	}
	if reqErr.StatusCode == http.StatusTooManyRequests {
		return true
	}
	return reqErr.StatusCode >= 500 && idempotentMethods[method]
}

func (e *RequestError) Error() string {
	if e == nil {
		return "telegram request failed"
	}
	prefix := "telegram"
	if e.Method != "" {
		prefix = "telegram " + e.Method
	}
	desc := strings.TrimSpace(e.Description)
	if desc == "" {
		desc = strings.TrimSpace(e.Body)
	}
	switch {
	case e.StatusCode > 0 && desc != "":
		return fmt.Sprintf("%s: http %d: %s", prefix, e.StatusCode, desc)
	case e.StatusCode > 0:
		return fmt.Sprintf("%s: http %d", prefix, e.StatusCode)
	case desc != "":
		return prefix + ": " + desc
	default:
		return prefix + ": request failed"
	}
}

func (api *telegramAPI) methodURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", api.baseURL, api.token, method)
}

// call POSTs a JSON body (or nothing when body is nil) and decodes result
// into out when out is non-nil. See isRetryableTelegramError for what is
// retried.
func (api *telegramAPI) call(ctx context.Context, method string, body any, out any) error {
	policy := api.retry
	policy.Retryable = func(err error) bool { return isRetryableTelegramError(method, err) }
	return retryutil.Do(ctx, policy, func(ctx context.Context) error {
		return api.callOnce(ctx, method, body, out)
	})
}

func (api *telegramAPI) callOnce(ctx context.Context, method string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, api.methodURL(method), reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return api.do(req, method, out)
}

func (api *telegramAPI) do(req *http.Request, method string, out any) error {
	resp, err := api.http.Do(req)
	if err != nil {
		return err
	}
	raw, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	var env telegramResponse
	_ = json.Unmarshal(raw, &env)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || !env.OK {
		reqErr := &RequestError{
			Method:      method,
			StatusCode:  resp.StatusCode,
			ErrorCode:   env.ErrorCode,
			Description: env.Description,
			Body:        strings.TrimSpace(string(raw)),
		}
		if env.Parameters != nil {
			reqErr.RetryAfterSeconds = env.Parameters.RetryAfter
		}
		return reqErr
	}
	if out == nil || len(env.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("telegram %s: decode result: %w", method, err)
	}
	return nil
}

func (api *telegramAPI) getMe(ctx context.Context) (*telegramUser, error) {
	var me telegramUser
	if err := api.call(ctx, "getMe", nil, &me); err != nil {
		return nil, err
	}
	return &me, nil
}

type getUpdatesRequest struct {
	Offset         int64    `json:"offset,omitempty"`
	Timeout        int      `json:"timeout"`
	AllowedUpdates []string `json:"allowed_updates"`
}

// getUpdates long-polls for message and callback_query updates and returns
// the offset to use for the next poll.
func (api *telegramAPI) getUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]telegramUpdate, int64, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	secs := int(timeout.Seconds())
	if secs < 1 {
		secs = 1
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout+5*time.Second)
	defer cancel()

	var updates []telegramUpdate
	err := api.callOnce(reqCtx, "getUpdates", getUpdatesRequest{
		Offset:         offset,
		Timeout:        secs,
		AllowedUpdates: []string{"message", "callback_query"},
	}, &updates)
	if err != nil {
		return nil, offset, err
	}
	next := offset
	for _, u := range updates {
		if u.UpdateID >= next {
			next = u.UpdateID + 1
		}
	}
	return updates, next, nil
}

func isTelegramPollTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	return strings.Contains(msg, "context deadline exceeded") ||
		strings.Contains(msg, "client.timeout exceeded")
}

func (api *telegramAPI) sendMessage(ctx context.Context, chatID int64, text string, markup *inlineKeyboardMarkup) (int64, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		text = "(empty)"
	}
	var msg telegramMessage
	err := api.call(ctx, "sendMessage", sendMessageRequest{
		ChatID:      chatID,
		Text:        text,
		ReplyMarkup: markup,
	}, &msg)
	return msg.MessageID, err
}

func (api *telegramAPI) sendPhoto(ctx context.Context, chatID int64, photoURL, caption string, markup *inlineKeyboardMarkup) (int64, error) {
	photoURL = strings.TrimSpace(photoURL)
	if photoURL == "" {
		return 0, fmt.Errorf("missing photo url")
	}
	var msg telegramMessage
	err := api.call(ctx, "sendPhoto", sendPhotoRequest{
		ChatID:      chatID,
		Photo:       photoURL,
		Caption:     caption,
		ReplyMarkup: markup,
	}, &msg)
	return msg.MessageID, err
}

func (api *telegramAPI) editMessageCaption(ctx context.Context, chatID, messageID int64, caption string) error {
	if messageID == 0 {
		return fmt.Errorf("missing message_id")
	}
	return api.call(ctx, "editMessageCaption", editMessageCaptionRequest{
		ChatID:    chatID,
		MessageID: messageID,
		Caption:   caption,
	}, nil)
}

func (api *telegramAPI) deleteMessage(ctx context.Context, chatID, messageID int64) error {
	if messageID == 0 {
		return fmt.Errorf("missing message_id")
	}
	return api.call(ctx, "deleteMessage", deleteMessageRequest{ChatID: chatID, MessageID: messageID}, nil)
}

func (api *telegramAPI) answerCallbackQuery(ctx context.Context, callbackID, text string) error {
	callbackID = strings.TrimSpace(callbackID)
	if callbackID == "" {
		return fmt.Errorf("missing callback_query_id")
	}
	return api.call(ctx, "answerCallbackQuery", answerCallbackQueryRequest{
		CallbackQueryID: callbackID,
		Text:            text,
	}, nil)
}

// sendAudio streams filePath as a multipart upload. The part's content type
// and file extension come from the file's sniffed type, not its name.
func (api *telegramAPI) sendAudio(ctx context.Context, chatID int64, filePath, title string) (int64, error) {
	filePath = strings.TrimSpace(filePath)
	if filePath == "" {
		return 0, fmt.Errorf("missing file path")
	}
	f, err := os.Open(filePath)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if st.IsDir() {
		return 0, fmt.Errorf("path is a directory: %s", filePath)
	}
	mt, err := mimetype.DetectReader(f)
	if err != nil {
		return 0, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	filename := uploadFilename(title, filePath, mt.Extension())
	title = strings.TrimSpace(title)

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		defer pw.Close()
		defer mw.Close()

		_ = mw.WriteField("chat_id", strconv.FormatInt(chatID, 10))
		if title != "" {
			_ = mw.WriteField("title", title)
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="audio"; filename=%q`, filename))
		h.Set("Content-Type", mt.String())
		part, err := mw.CreatePart(h)
		if err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, f); err != nil {
			_ = pw.CloseWithError(err)
			return
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, api.methodURL("sendAudio"), pr)
	if err != nil {
		_ = pr.Close()
		return 0, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	var msg telegramMessage
	err = api.do(req, "sendAudio", &msg)
	_ = pr.Close()
	return msg.MessageID, err
}

// uploadFilename builds a client-visible name from title, falling back to the
// on-disk name. ext is the sniffed extension including the dot.
func uploadFilename(title, filePath, ext string) string {
	base := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', '"', '\n', '\r', 0:
			return '_'
		}
		return r
	}, strings.TrimSpace(title))
	if base == "" {
		base = strings.TrimSuffix(filepath.Base(filePath), filepath.Ext(filePath))
	}
	if base == "" || base == "." {
		base = "audio"
	}
	if ext == "" {
		ext = filepath.Ext(filePath)
	}
	return base + ext
}
