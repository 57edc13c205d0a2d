package session

import (
	"sync"
	"time"
)

// shardBits must match shardCount.
const (
	shardBits  = 5
	shardCount = 1 << shardBits
)

type shard struct {
	mu       sync.Mutex
	sessions map[ConversationID]SearchSession
	jobs     map[ConversationID]Job
}

// Store maps conversations to their search session and active job. Every
// method is atomic per conversation; distinct conversations share no lock
// beyond their shard.
type Store struct {
	shards [shardCount]*shard
}

func NewStore() *Store {
	s := &Store{}
	for i := range s.shards {
		s.shards[i] = &shard{
			sessions: make(map[ConversationID]SearchSession),
			jobs:     make(map[ConversationID]Job),
		}
	}
	return s
}

func (s *Store) shardFor(id ConversationID) *shard {
	h := uint64(id) * 0x9E3779B97F4A7C15
	return s.shards[h>>(64-shardBits)]
}

// Put stores sess for id and returns the session it replaced, if any.
func (s *Store) Put(id ConversationID, sess SearchSession) (SearchSession, bool) {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	prev, ok := sh.sessions[id]
	sh.sessions[id] = sess.clone()
	return prev, ok
}

func (s *Store) Get(id ConversationID) (SearchSession, bool) {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sess, ok := sh.sessions[id]
	if !ok {
		return SearchSession{}, false
	}
	return sess.clone(), true
}

func (s *Store) Remove(id ConversationID) (SearchSession, bool) {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sess, ok := sh.sessions[id]
	if ok {
		delete(sh.sessions, id)
	}
	return sess, ok
}

// RemoveIf removes the session of id only if it is still sessionID.
func (s *Store) RemoveIf(id ConversationID, sessionID string) bool {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sess, ok := sh.sessions[id]
	if !ok || sess.ID != sessionID {
		return false
	}
	delete(sh.sessions, id)
	return true
}

// BeginJob records job as active for id. It fails if a job is already active.
func (s *Store) BeginJob(id ConversationID, job Job) bool {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, busy := sh.jobs[id]; busy {
		return false
	}
	sh.jobs[id] = job
	return true
}

// EndJob clears the active job of id if it is still jobID.
func (s *Store) EndJob(id ConversationID, jobID string) bool {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	job, ok := sh.jobs[id]
	if !ok || job.ID != jobID {
		return false
	}
	delete(sh.jobs, id)
	return true
}

func (s *Store) ActiveJob(id ConversationID) (Job, bool) {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	job, ok := sh.jobs[id]
	return job, ok
}

// BoundToJob reports whether sessionID is the origin of the active job of id.
func (s *Store) BoundToJob(id ConversationID, sessionID string) bool {
	if sessionID == "" {
		return false
	}
	job, ok := s.ActiveJob(id)
	return ok && job.SessionID == sessionID
}

func (s *Store) State(id ConversationID) State {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.jobs[id]; ok {
		return StateDownloading
	}
	if _, ok := sh.sessions[id]; ok {
		return StatePresenting
	}
	return StateIdle
}

// Len returns the number of stored sessions.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.sessions)
		sh.mu.Unlock()
	}
	return n
}

// Expired is a session older than the TTL that no active job depends on.
type Expired struct {
	ConversationID ConversationID
	SessionID      string
}

func (s *Store) Expired(now time.Time, ttl time.Duration) []Expired {
	if ttl <= 0 {
		return nil
	}
	var out []Expired
	for _, sh := range s.shards {
		sh.mu.Lock()
		for id, sess := range sh.sessions {
			if now.Sub(sess.CreatedAt) < ttl {
				continue
			}
			if job, ok := sh.jobs[id]; ok && job.SessionID == sess.ID {
				continue
			}
			out = append(out, Expired{ConversationID: id, SessionID: sess.ID})
		}
		sh.mu.Unlock()
	}
	return out
}
