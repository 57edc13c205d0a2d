// Package retrieval drives the per-conversation search, selection and
// download lifecycle.
//
// Every inbound event and every settled background task is handled on the
// conversation's lane, one at a time, in arrival order. Resolver calls never
// run on a lane; they are submitted to the job pool and their results are
// posted back to the lane that asked for them.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quailyquaily/musedown/internal/channelruntime/worker"
	"github.com/quailyquaily/musedown/internal/metrics"
	"github.com/quailyquaily/musedown/internal/outputfmt"
	"github.com/quailyquaily/musedown/internal/present"
	"github.com/quailyquaily/musedown/internal/resolver"
	"github.com/quailyquaily/musedown/internal/session"
)

var (
	ErrNoActiveSearch   = errors.New("no active search")
	ErrInvalidSelection = errors.New("invalid selection")
	ErrBusy             = errors.New("conversation already has an active job")
)

const (
	originLink      = "link"
	originSelection = "selection"
)

// Transport is the outbound half of the chat channel. Send calls return the
// id of the created message.
type Transport interface {
	SendText(ctx context.Context, chat session.ConversationID, text string, kb present.Keyboard) (int64, error)
	SendPhoto(ctx context.Context, chat session.ConversationID, photoURL, caption string, kb present.Keyboard) (int64, error)
	SendAudio(ctx context.Context, chat session.ConversationID, path, title string) (int64, error)
	EditCaption(ctx context.Context, chat session.ConversationID, messageID int64, caption string) error
	DeleteMessage(ctx context.Context, chat session.ConversationID, messageID int64) error
	AnswerCallback(ctx context.Context, callbackID, text string) error
}

type EventKind int

const (
	EventText EventKind = iota + 1
	EventSelection
)

// Event is one inbound chat update. For selections MessageID is the message
// carrying the pressed button.
type Event struct {
	Kind           EventKind
	ConversationID session.ConversationID
	MessageID      int64
	Text           string
	CallbackID     string
	CallbackData   string
}

type Options struct {
	SearchLimit      int
	LinkHosts        []string
	AllowedChatIDs   []int64
	SupersedeCleanup bool
	SessionTTL       time.Duration
	SweepInterval    time.Duration
	RequestTimeout   time.Duration
	UploadTimeout    time.Duration
	MaxConcurrency   int
}

func normalizeOptions(opts Options) Options {
	if opts.SearchLimit <= 0 {
		opts.SearchLimit = resolver.DefaultSearchLimit
	}
	if len(opts.LinkHosts) == 0 {
		opts.LinkHosts = resolver.DefaultLinkHosts
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.UploadTimeout <= 0 {
		opts.UploadTimeout = 5 * time.Minute
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 8
	}
	return opts
}

type Dependencies struct {
	Store     *session.Store
	Pool      *worker.Pool
	Gateway   resolver.Gateway
	Transport Transport
	Logger    *slog.Logger
	Now       func() time.Time
}

type Manager struct {
	store     *session.Store
	pool      *worker.Pool
	gateway   resolver.Gateway
	transport Transport
	logger    *slog.Logger
	now       func() time.Time
	opts      Options
	allowed   map[session.ConversationID]bool
	lanes     *worker.Lanes[session.ConversationID, laneItem]

	// pending counts queued lane items and unsettled pool tasks.
	pending sync.WaitGroup
}

// New builds a Manager whose lanes live until ctx ends.
func New(ctx context.Context, d Dependencies, opts Options) (*Manager, error) {
	if d.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if d.Pool == nil {
		return nil, fmt.Errorf("job pool is required")
	}
	if d.Gateway == nil {
		return nil, fmt.Errorf("resolver gateway is required")
	}
	if d.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := d.Now
	if now == nil {
		now = time.Now
	}
	opts = normalizeOptions(opts)
	m := &Manager{
		store:     d.Store,
		pool:      d.Pool,
		gateway:   d.Gateway,
		transport: d.Transport,
		logger:    logger,
		now:       now,
		opts:      opts,
		allowed:   make(map[session.ConversationID]bool),
	}
	for _, id := range opts.AllowedChatIDs {
		if id != 0 {
			m.allowed[session.ConversationID(id)] = true
		}
	}
	lanes, err := worker.NewLanes(worker.LanesOptions[session.ConversationID, laneItem]{
		Ctx:            ctx,
		MaxConcurrency: opts.MaxConcurrency,
		Buffer:         32,
		Handle:         m.handle,
	})
	if err != nil {
		return nil, err
	}
	m.lanes = lanes
	return m, nil
}

// Dispatch queues ev on its conversation's lane.
func (m *Manager) Dispatch(ctx context.Context, ev Event) error {
	m.pending.Add(1)
	if err := m.lanes.Enqueue(ctx, ev.ConversationID, inboundItem{ev: ev}); err != nil {
		m.pending.Done()
		return err
	}
	return nil
}

// Wait blocks until every dispatched event and every submitted task has
// been handled, including the cleanup that follows a download.
func (m *Manager) Wait() {
	m.pending.Wait()
}

// RunSweeper expires stale sessions until ctx ends. It returns at once when
// no session TTL is configured.
func (m *Manager) RunSweeper(ctx context.Context) {
	if m.opts.SessionTTL <= 0 {
		return
	}
	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SweepExpired()
		}
	}
}

// SweepExpired queues expiry of every session older than the TTL that no
// active job depends on, and returns how many were queued.
func (m *Manager) SweepExpired() int {
	expired := m.store.Expired(m.now(), m.opts.SessionTTL)
	for _, e := range expired {
		m.post(e.ConversationID, expireItem{sessionID: e.SessionID})
	}
	if len(expired) > 0 {
		m.logger.Debug("retrieval_sweep", "expired", len(expired), "lanes", m.lanes.Len(), "sessions", m.store.Len())
	}
	return len(expired)
}

type laneItem interface {
	isLaneItem()
}

type inboundItem struct {
	ev Event
}

type searchSettled struct {
	query      string
	candidates []resolver.Candidate
	err        error
}

type jobSettled struct {
	job      session.Job
	origin   string
	statusID int64
	session  *session.SearchSession
	audio    resolver.Audio
	err      error
}

type expireItem struct {
	sessionID string
}

func (inboundItem) isLaneItem()   {}
func (searchSettled) isLaneItem() {}
func (jobSettled) isLaneItem()    {}
func (expireItem) isLaneItem()    {}

func (m *Manager) post(chat session.ConversationID, item laneItem) {
	m.pending.Add(1)
	if err := m.lanes.Enqueue(context.Background(), chat, item); err != nil {
		m.pending.Done()
		m.logger.Warn("retrieval_post_error", "chat_id", int64(chat), "error", err.Error())
		if js, ok := item.(jobSettled); ok && js.audio.Path != "" {
			m.removeFile(js.audio.Path)
		}
	}
}

// awaitAndPost hands the settled result of fut back to the lane of chat.
func awaitAndPost[T any](m *Manager, chat session.ConversationID, fut *worker.Future[T], build func(T, error) laneItem) {
	m.pending.Add(1)
	go func() {
		defer m.pending.Done()
		val, err := fut.Result()
		m.post(chat, build(val, err))
	}()
}

func (m *Manager) handle(ctx context.Context, chat session.ConversationID, item laneItem) {
	defer m.pending.Done()
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("retrieval_handler_panic", "chat_id", int64(chat), "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()
	switch it := item.(type) {
	case inboundItem:
		m.handleInbound(ctx, it.ev)
	case searchSettled:
		m.handleSearchSettled(ctx, chat, it)
	case jobSettled:
		m.handleJobSettled(ctx, chat, it)
	case expireItem:
		m.handleExpire(ctx, chat, it)
	}
}

func (m *Manager) handleInbound(ctx context.Context, ev Event) {
	chat := ev.ConversationID
	if len(m.allowed) > 0 && !m.allowed[chat] {
		m.logger.Warn("retrieval_unauthorized_chat", "chat_id", int64(chat))
		if ev.Kind == EventSelection {
			m.answerCallback(ctx, ev.CallbackID)
		}
		m.reply(ctx, chat, present.UnauthorizedText)
		return
	}
	switch ev.Kind {
	case EventSelection:
		m.handleSelection(ctx, ev)
	case EventText:
		m.handleText(ctx, ev)
	default:
		m.logger.Debug("retrieval_event_ignored", "chat_id", int64(chat), "kind", int(ev.Kind))
	}
}

func (m *Manager) handleText(ctx context.Context, ev Event) {
	chat := ev.ConversationID
	text := strings.TrimSpace(ev.Text)
	if text == "" {
		return
	}
	cmdWord, _ := splitCommand(text)
	switch normalizeSlashCommand(cmdWord) {
	case "":
	case "/start":
		m.reply(ctx, chat, present.GreetingText)
		return
	default:
		m.reply(ctx, chat, present.HelpText)
		return
	}
	if resolver.IsLink(text, m.opts.LinkHosts) {
		m.startLinkJob(ctx, chat, resolver.ExtractLink(text, m.opts.LinkHosts))
		return
	}
	m.startSearch(chat, text)
}

func (m *Manager) startSearch(chat session.ConversationID, query string) {
	m.logger.Info("retrieval_search_submitted", "chat_id", int64(chat), "query_len", len(query))
	limit := m.opts.SearchLimit
	fut := worker.Submit(m.pool, func(jobCtx context.Context) ([]resolver.Candidate, error) {
		return m.gateway.Search(jobCtx, query, limit)
	})
	awaitAndPost(m, chat, fut, func(candidates []resolver.Candidate, err error) laneItem {
		return searchSettled{query: query, candidates: candidates, err: err}
	})
}

func (m *Manager) handleSearchSettled(ctx context.Context, chat session.ConversationID, s searchSettled) {
	candidates := s.candidates
	if s.err != nil && !errors.Is(s.err, resolver.ErrNoResults) {
		m.logger.Warn("retrieval_search_error", "chat_id", int64(chat), "error", s.err.Error())
		metrics.RecordSearch("error")
		m.reply(ctx, chat, present.NoResultsText)
		return
	}
	if len(candidates) == 0 {
		metrics.RecordSearch("empty")
		m.reply(ctx, chat, present.NoResultsText)
		return
	}
	if len(candidates) > m.opts.SearchLimit {
		candidates = candidates[:m.opts.SearchLimit]
	}

	ids := make([]int64, 0, len(candidates))
	for i, c := range candidates {
		if id, ok := m.presentCandidate(ctx, chat, i, c); ok {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		m.logger.Warn("retrieval_present_failed", "chat_id", int64(chat), "candidates", len(candidates))
		metrics.RecordSearch("error")
		return
	}

	sess := session.SearchSession{
		ID:         uuid.NewString(),
		Candidates: candidates,
		MessageIDs: ids,
		CreatedAt:  m.now(),
	}
	prev, replaced := m.store.Put(chat, sess)
	metrics.RecordSearch("ok")
	metrics.SetActiveSessions(m.store.Len())
	m.logger.Info("retrieval_session_created", "chat_id", int64(chat), "session_id", sess.ID, "candidates", len(candidates), "messages", len(ids))
	if replaced {
		m.supersede(ctx, chat, prev)
	}
}

// supersede retires a session replaced by a newer search. Messages of a
// session that an active job started from are left for that job's cleanup.
func (m *Manager) supersede(ctx context.Context, chat session.ConversationID, prev session.SearchSession) {
	bound := m.store.BoundToJob(chat, prev.ID)
	m.logger.Info("retrieval_session_superseded", "chat_id", int64(chat), "session_id", prev.ID, "bound_to_job", bound)
	if !m.opts.SupersedeCleanup || bound {
		return
	}
	m.deleteMessages(ctx, chat, prev.MessageIDs)
}

// presentCandidate sends one candidate, as a photo when a usable thumbnail
// exists and as text otherwise or when the photo is rejected.
func (m *Manager) presentCandidate(ctx context.Context, chat session.ConversationID, index int, c resolver.Candidate) (int64, bool) {
	caption := present.BuildCaption(index, c)
	kb := present.SelectKeyboard(index)
	if photo, ok := present.ChooseThumbnail(c); ok {
		callCtx, cancel := context.WithTimeout(ctx, m.opts.RequestTimeout)
		id, err := m.transport.SendPhoto(callCtx, chat, photo, caption, kb)
		cancel()
		if err == nil {
			return id, true
		}
		m.transportFailed("send_photo", chat, err)
	}
	callCtx, cancel := context.WithTimeout(ctx, m.opts.RequestTimeout)
	defer cancel()
	id, err := m.transport.SendText(callCtx, chat, caption, kb)
	if err != nil {
		m.transportFailed("send_text", chat, err)
		return 0, false
	}
	return id, true
}

// resolveSelection maps a callback payload to a candidate of the current
// session of chat.
func (m *Manager) resolveSelection(chat session.ConversationID, data string) (session.SearchSession, resolver.Candidate, error) {
	sess, ok := m.store.Get(chat)
	if !ok {
		return session.SearchSession{}, resolver.Candidate{}, ErrNoActiveSearch
	}
	idx, err := present.ParseSelection(data)
	if err != nil {
		return sess, resolver.Candidate{}, fmt.Errorf("%w: %v", ErrInvalidSelection, err)
	}
	c, ok := sess.Candidate(idx)
	if !ok {
		return sess, resolver.Candidate{}, fmt.Errorf("%w: index %d out of range", ErrInvalidSelection, idx)
	}
	return sess, c, nil
}

func (m *Manager) handleSelection(ctx context.Context, ev Event) {
	chat := ev.ConversationID
	m.answerCallback(ctx, ev.CallbackID)

	sess, c, err := m.resolveSelection(chat, ev.CallbackData)
	switch {
	case errors.Is(err, ErrNoActiveSearch):
		metrics.RecordSelection("no_session")
		m.logger.Info("retrieval_selection_stale", "chat_id", int64(chat), "message_id", ev.MessageID)
		if ev.MessageID == 0 || !m.editCaption(ctx, chat, ev.MessageID, present.NoActiveSearchText) {
			m.reply(ctx, chat, present.NoActiveSearchText)
		}
		return
	case err != nil:
		metrics.RecordSelection("invalid")
		m.logger.Info("retrieval_selection_invalid", "chat_id", int64(chat), "error", err.Error())
		m.reply(ctx, chat, present.InvalidSelectionText)
		return
	}

	job := session.Job{ID: uuid.NewString(), SessionID: sess.ID, StartedAt: m.now()}
	if err := m.beginJob(chat, job); err != nil {
		metrics.RecordSelection("busy")
		m.reply(ctx, chat, present.BusyText)
		return
	}
	metrics.RecordSelection("accepted")
	statusID := m.sendStatus(ctx, chat, present.DownloadingTitle(c.Title))
	m.submitFetch(chat, job, originSelection, c.Locator, statusID, &sess)
}

func (m *Manager) startLinkJob(ctx context.Context, chat session.ConversationID, link string) {
	job := session.Job{ID: uuid.NewString(), StartedAt: m.now()}
	if err := m.beginJob(chat, job); err != nil {
		m.reply(ctx, chat, present.BusyText)
		return
	}
	statusID := m.sendStatus(ctx, chat, present.DownloadingText)
	m.submitFetch(chat, job, originLink, link, statusID, nil)
}

func (m *Manager) beginJob(chat session.ConversationID, job session.Job) error {
	if m.store.BeginJob(chat, job) {
		return nil
	}
	active, _ := m.store.ActiveJob(chat)
	m.logger.Info("retrieval_busy", "chat_id", int64(chat), "active_job_id", active.ID, "state", m.store.State(chat))
	return ErrBusy
}

func (m *Manager) submitFetch(chat session.ConversationID, job session.Job, origin, locator string, statusID int64, sess *session.SearchSession) {
	m.logger.Info("retrieval_job_submitted", "chat_id", int64(chat), "job_id", job.ID, "origin", origin, "session_id", job.SessionID)
	fut := worker.Submit(m.pool, func(jobCtx context.Context) (resolver.Audio, error) {
		return m.gateway.FetchAudio(jobCtx, locator)
	})
	awaitAndPost(m, chat, fut, func(audio resolver.Audio, err error) laneItem {
		return jobSettled{
			job:      job,
			origin:   origin,
			statusID: statusID,
			session:  sess,
			audio:    audio,
			err:      err,
		}
	})
}

func (m *Manager) handleJobSettled(ctx context.Context, chat session.ConversationID, s jobSettled) {
	status := "ok"
	defer func() {
		m.finishJob(ctx, chat, s)
		metrics.RecordJob(s.origin, status, m.now().Sub(s.job.StartedAt).Seconds())
	}()

	if s.err != nil {
		status = "failed"
		m.logger.Warn("retrieval_job_failed", "chat_id", int64(chat), "job_id", s.job.ID, "origin", s.origin, "error", s.err.Error())
		m.reply(ctx, chat, present.ErrorText(outputfmt.FormatErrorForDisplay(s.err)))
		return
	}
	if s.audio.Path != "" {
		defer m.removeFile(s.audio.Path)
	}

	uploadCtx, cancel := context.WithTimeout(ctx, m.opts.UploadTimeout)
	_, err := m.transport.SendAudio(uploadCtx, chat, s.audio.Path, s.audio.Title)
	cancel()
	if err != nil {
		status = "failed"
		m.transportFailed("send_audio", chat, err)
		m.reply(ctx, chat, present.ErrorText(outputfmt.FormatErrorForDisplay(err)))
		return
	}
	m.logger.Info("retrieval_job_delivered", "chat_id", int64(chat), "job_id", s.job.ID, "origin", s.origin, "title", s.audio.Title)
}

// finishJob removes the transient messages of a settled job and returns the
// conversation to idle. Store updates run even if a delete call panics.
func (m *Manager) finishJob(ctx context.Context, chat session.ConversationID, s jobSettled) {
	defer func() {
		if s.session != nil {
			m.store.RemoveIf(chat, s.session.ID)
		}
		m.store.EndJob(chat, s.job.ID)
		metrics.SetActiveSessions(m.store.Len())
	}()
	if s.statusID != 0 {
		m.deleteMessage(ctx, chat, s.statusID)
	}
	if s.session != nil {
		m.deleteMessages(ctx, chat, s.session.MessageIDs)
	}
}

func (m *Manager) handleExpire(ctx context.Context, chat session.ConversationID, it expireItem) {
	sess, ok := m.store.Get(chat)
	if !ok || sess.ID != it.sessionID || m.store.BoundToJob(chat, sess.ID) {
		return
	}
	m.deleteMessages(ctx, chat, sess.MessageIDs)
	m.store.RemoveIf(chat, sess.ID)
	metrics.SetActiveSessions(m.store.Len())
	m.logger.Info("retrieval_session_expired", "chat_id", int64(chat), "session_id", sess.ID)
}

func (m *Manager) sendStatus(ctx context.Context, chat session.ConversationID, text string) int64 {
	callCtx, cancel := context.WithTimeout(ctx, m.opts.RequestTimeout)
	defer cancel()
	id, err := m.transport.SendText(callCtx, chat, text, nil)
	if err != nil {
		m.transportFailed("send_status", chat, err)
		return 0
	}
	return id
}

func (m *Manager) reply(ctx context.Context, chat session.ConversationID, text string) {
	callCtx, cancel := context.WithTimeout(ctx, m.opts.RequestTimeout)
	defer cancel()
	if _, err := m.transport.SendText(callCtx, chat, text, nil); err != nil {
		m.transportFailed("send_text", chat, err)
	}
}

func (m *Manager) editCaption(ctx context.Context, chat session.ConversationID, messageID int64, caption string) bool {
	callCtx, cancel := context.WithTimeout(ctx, m.opts.RequestTimeout)
	defer cancel()
	if err := m.transport.EditCaption(callCtx, chat, messageID, caption); err != nil {
		m.transportFailed("edit_caption", chat, err)
		return false
	}
	return true
}

func (m *Manager) answerCallback(ctx context.Context, callbackID string) {
	if strings.TrimSpace(callbackID) == "" {
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, m.opts.RequestTimeout)
	defer cancel()
	if err := m.transport.AnswerCallback(callCtx, callbackID, ""); err != nil {
		m.transportFailed("answer_callback", 0, err)
	}
}

func (m *Manager) deleteMessage(ctx context.Context, chat session.ConversationID, messageID int64) {
	callCtx, cancel := context.WithTimeout(ctx, m.opts.RequestTimeout)
	defer cancel()
	if err := m.transport.DeleteMessage(callCtx, chat, messageID); err != nil {
		m.transportFailed("delete_message", chat, err)
	}
}

func (m *Manager) deleteMessages(ctx context.Context, chat session.ConversationID, ids []int64) {
	for _, id := range ids {
		m.deleteMessage(ctx, chat, id)
	}
}

func (m *Manager) transportFailed(op string, chat session.ConversationID, err error) {
	metrics.RecordTransportError(op)
	m.logger.Debug("retrieval_transport_error", "op", op, "chat_id", int64(chat), "error", outputfmt.FormatErrorForDisplay(err))
}

func (m *Manager) removeFile(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.logger.Warn("retrieval_file_remove_error", "path", path, "error", err.Error())
	}
}
