// Package session holds per-conversation search state.
package session

import (
	"slices"
	"time"

	"github.com/quailyquaily/musedown/internal/resolver"
)

// ConversationID identifies one chat.
type ConversationID int64

type State string

const (
	StateIdle        State = "idle"
	StatePresenting  State = "presenting"
	StateDownloading State = "downloading"
)

// SearchSession is an unresolved candidate presentation awaiting a selection.
// Candidates are indexed by selection index; MessageIDs are the chat messages
// presenting them, kept only so they can be deleted later.
type SearchSession struct {
	ID         string
	Candidates []resolver.Candidate
	MessageIDs []int64
	CreatedAt  time.Time
}

func (s SearchSession) clone() SearchSession {
	s.Candidates = slices.Clone(s.Candidates)
	s.MessageIDs = slices.Clone(s.MessageIDs)
	return s
}

// Candidate returns the candidate at a selection index.
func (s SearchSession) Candidate(index int) (resolver.Candidate, bool) {
	if index < 0 || index >= len(s.Candidates) {
		return resolver.Candidate{}, false
	}
	return s.Candidates[index], true
}

// Job marks a conversation as having a download in flight. SessionID is empty
// for jobs started from a direct link.
type Job struct {
	ID        string
	SessionID string
	StartedAt time.Time
}
