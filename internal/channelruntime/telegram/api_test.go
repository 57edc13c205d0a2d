package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/quailyquaily/musedown/internal/present"
)

func TestSendMessageWithKeyboard(t *testing.T) {
	var got sendMessageRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/botTOKEN/sendMessage" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q", ct)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":77,"chat":{"id":5}}}`)
	}))
	defer srv.Close()

	tr := newBotTransport(newTelegramAPI(srv.Client(), srv.URL, "TOKEN"))
	id, err := tr.SendText(context.Background(), 5, "1. Song (1:05)", present.SelectKeyboard(0))
	if err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	if id != 77 {
		t.Fatalf("message id = %d, want 77", id)
	}
	if got.ChatID != 5 || got.Text != "1. Song (1:05)" {
		t.Fatalf("request = %#v", got)
	}
	if got.ReplyMarkup == nil || len(got.ReplyMarkup.InlineKeyboard) != 1 {
		t.Fatalf("reply markup = %#v", got.ReplyMarkup)
	}
	btn := got.ReplyMarkup.InlineKeyboard[0][0]
	if btn.Text != "Select" || btn.CallbackData != "0" {
		t.Fatalf("button = %#v", btn)
	}
}

func TestSendTextWithoutKeyboardOmitsMarkup(t *testing.T) {
	var raw map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&raw)
		_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":1}}`)
	}))
	defer srv.Close()

	tr := newBotTransport(newTelegramAPI(srv.Client(), srv.URL, "TOKEN"))
	if _, err := tr.SendText(context.Background(), 5, "hi", nil); err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	if _, ok := raw["reply_markup"]; ok {
		t.Fatalf("reply_markup present: %#v", raw)
	}
}

func TestRequestErrorFromDescription(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"ok":false,"error_code":400,"description":"Bad Request: message to delete not found"}`)
	}))
	defer srv.Close()

	api := newTelegramAPI(srv.Client(), srv.URL, "TOKEN")
	err := api.deleteMessage(context.Background(), 5, 9)
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("error = %T %v, want *RequestError", err, err)
	}
	if reqErr.StatusCode != 400 || reqErr.ErrorCode != 400 || reqErr.Method != "deleteMessage" {
		t.Fatalf("request error = %#v", reqErr)
	}
	if !strings.Contains(err.Error(), "message to delete not found") {
		t.Fatalf("Error() = %q", err.Error())
	}
}

func TestOKFalseIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"ok":false,"description":"nope"}`)
	}))
	defer srv.Close()

	api := newTelegramAPI(srv.Client(), srv.URL, "TOKEN")
	if err := api.answerCallbackQuery(context.Background(), "cb", ""); err == nil {
		t.Fatalf("answerCallbackQuery() error = nil, want error")
	}
	if err := api.answerCallbackQuery(context.Background(), " ", ""); err == nil {
		t.Fatalf("answerCallbackQuery(blank) error = nil, want error")
	}
}

func TestGetUpdatesAdvancesOffset(t *testing.T) {
	var got getUpdatesRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = io.WriteString(w, `{"ok":true,"result":[
			{"update_id":10,"message":{"message_id":1,"chat":{"id":5},"text":"hello"}},
			{"update_id":12,"callback_query":{"id":"cb1","data":"1","message":{"message_id":3,"chat":{"id":5}}}}
		]}`)
	}))
	defer srv.Close()

	api := newTelegramAPI(srv.Client(), srv.URL, "TOKEN")
	updates, next, err := api.getUpdates(context.Background(), 9, time.Second)
	if err != nil {
		t.Fatalf("getUpdates() error = %v", err)
	}
	if len(updates) != 2 || next != 13 {
		t.Fatalf("updates = %d, next = %d, want 2/13", len(updates), next)
	}
	if got.Offset != 9 || got.Timeout != 1 {
		t.Fatalf("request = %#v", got)
	}
	if len(got.AllowedUpdates) != 2 || got.AllowedUpdates[1] != "callback_query" {
		t.Fatalf("allowed updates = %#v", got.AllowedUpdates)
	}
}

func TestSendAudioMultipart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "8a1f.bin")
	mp3 := append([]byte("ID3\x03\x00\x00\x00\x00\x00\x00"), make([]byte, 256)...)
	if err := os.WriteFile(path, mp3, 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	type upload struct {
		chatID, title, filename, contentType string
		size                                 int
	}
	var got upload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/botTOKEN/sendAudio" {
			t.Errorf("path = %q", r.URL.Path)
		}
		mr, err := r.MultipartReader()
		if err != nil {
			t.Errorf("MultipartReader() error = %v", err)
			return
		}
		for {
			part, err := mr.NextPart()
			if err != nil {
				break
			}
			body, _ := io.ReadAll(part)
			switch part.FormName() {
			case "chat_id":
				got.chatID = string(body)
			case "title":
				got.title = string(body)
			case "audio":
				got.filename = part.FileName()
				got.contentType = part.Header.Get("Content-Type")
				got.size = len(body)
			}
		}
		_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":501}}`)
	}))
	defer srv.Close()

	api := newTelegramAPI(srv.Client(), srv.URL, "TOKEN")
	id, err := api.sendAudio(context.Background(), 5, path, "Test Song")
	if err != nil {
		t.Fatalf("sendAudio() error = %v", err)
	}
	if id != 501 {
		t.Fatalf("message id = %d, want 501", id)
	}
	if got.chatID != "5" || got.title != "Test Song" || got.size != len(mp3) {
		t.Fatalf("upload = %#v", got)
	}
	if got.filename != "Test Song.mp3" || got.contentType != "audio/mpeg" {
		t.Fatalf("filename = %q, content type = %q", got.filename, got.contentType)
	}
}

func TestSendAudioMissingFile(t *testing.T) {
	api := newTelegramAPI(nil, "http://127.0.0.1:1", "TOKEN")
	if _, err := api.sendAudio(context.Background(), 5, filepath.Join(t.TempDir(), "nope"), "x"); err == nil {
		t.Fatalf("sendAudio() error = nil, want error")
	}
}

func TestUploadFilename(t *testing.T) {
	cases := []struct {
		title, path, ext, want string
	}{
		{"Song", "/tmp/a.m4a", ".m4a", "Song.m4a"},
		{"AC/DC", "/tmp/a.webm", ".webm", "AC_DC.webm"},
		{"", "/tmp/abc.opus", "", "abc.opus"},
	}
	for _, tc := range cases {
		if got := uploadFilename(tc.title, tc.path, tc.ext); got != tc.want {
			t.Fatalf("uploadFilename(%q) = %q, want %q", tc.title, got, tc.want)
		}
	}
}

func TestIsTelegramPollTimeoutError(t *testing.T) {
	if !isTelegramPollTimeoutError(context.DeadlineExceeded) {
		t.Fatalf("deadline exceeded should be a poll timeout")
	}
	if isTelegramPollTimeoutError(errors.New("connection refused")) {
		t.Fatalf("connection refused is not a poll timeout")
	}
	if isTelegramPollTimeoutError(nil) {
		t.Fatalf("nil is not a poll timeout")
	}
}

func TestCallRetriesRateLimit(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = io.WriteString(w, `{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 0","parameters":{"retry_after":0}}`)
			return
		}
		_, _ = io.WriteString(w, `{"ok":true,"result":true}`)
	}))
	defer srv.Close()

	api := newTelegramAPI(srv.Client(), srv.URL, "TOKEN")
	api.retry.Delay = time.Millisecond
	if err := api.deleteMessage(context.Background(), 5, 9); err != nil {
		t.Fatalf("deleteMessage() error = %v", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestRequestErrorRetryAfter(t *testing.T) {
	err := &RequestError{StatusCode: 429, RetryAfterSeconds: 3}
	if err.RetryAfter() != 3*time.Second {
		t.Fatalf("RetryAfter() = %v, want 3s", err.RetryAfter())
	}
	cases := []struct {
		method string
		status int
		want   bool
	}{
		{"sendMessage", 429, true},
		{"sendPhoto", 429, true},
		{"deleteMessage", 502, true},
		{"answerCallbackQuery", 500, true},
		{"sendMessage", 502, false},
		{"sendPhoto", 500, false},
		{"deleteMessage", 400, false},
	}
	for _, tc := range cases {
		if got := isRetryableTelegramError(tc.method, &RequestError{StatusCode: tc.status}); got != tc.want {
			t.Fatalf("isRetryableTelegramError(%s, %d) = %v, want %v", tc.method, tc.status, got, tc.want)
		}
	}
	if isRetryableTelegramError("deleteMessage", errors.New("connection reset")) {
		t.Fatalf("transport errors should not be retried")
	}
}

func TestServerErrorRetriesOnlyIdempotentMethods(t *testing.T) {
	calls := map[string]int{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		calls[method]++
		if calls[method] == 1 {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = io.WriteString(w, `{"ok":false,"error_code":502,"description":"Bad Gateway"}`)
			return
		}
		_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":9}}`)
	}))
	defer srv.Close()

	api := newTelegramAPI(srv.Client(), srv.URL, "TOKEN")
	api.retry.Delay = time.Millisecond
	if _, err := api.sendMessage(context.Background(), 5, "hi", nil); err == nil {
		t.Fatalf("sendMessage() error = nil, want 502")
	}
	if calls["sendMessage"] != 1 {
		t.Fatalf("sendMessage calls = %d, want 1", calls["sendMessage"])
	}
	if err := api.deleteMessage(context.Background(), 5, 9); err != nil {
		t.Fatalf("deleteMessage() error = %v", err)
	}
	if calls["deleteMessage"] != 2 {
		t.Fatalf("deleteMessage calls = %d, want 2", calls["deleteMessage"])
	}
}
