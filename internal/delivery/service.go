// Package delivery maps briefing engine verbs onto per-session calls for the
// HTTP and realtime layers. It owns session lookup, locking and persistence.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/echo-briefing/internal/briefing"
	"github.com/ashureev/echo-briefing/internal/domain"
)

// ErrSessionBusy is returned when another verb is running on the same session.
var ErrSessionBusy = errors.New("briefing session busy")

// SessionStore persists briefing session snapshots.
type SessionStore interface {
	GetBriefingSession(ctx context.Context, userID, sessionID string) (*domain.BriefingSession, error)
	UpsertBriefingSession(ctx context.Context, session *domain.BriefingSession) error
	DeleteBriefingSession(ctx context.Context, userID, sessionID string) error
}

type cachedSession struct {
	session  *briefing.Session
	lastUsed time.Time
}

// Service runs one engine verb at a time per session.
//
// Sessions are cached in memory and written through to the store after
// every verb. The engine is never called for a session whose lock is held
// by another caller; such calls fail fast with ErrSessionBusy.
type Service struct {
	engine *briefing.Engine
	store  SessionStore
	logger *slog.Logger
	now    func() time.Time

	// locks holds one *sync.Mutex per session key. Entries are never
	// removed: a caller may still hold a reference to a deleted mutex.
	locks sync.Map

	mu    sync.Mutex
	cache map[string]*cachedSession
}

// NewService creates a delivery service.
func NewService(engine *briefing.Engine, store SessionStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		engine: engine,
		store:  store,
		logger: logger,
		now:    time.Now,
		cache:  make(map[string]*cachedSession),
	}
}

func sessionKey(userID, sessionID string) string {
	return userID + ":" + sessionID
}

// StartBriefing sets the subject title and returns the opening question.
func (s *Service) StartBriefing(ctx context.Context, userID, sessionID, title string) (string, error) {
	var question string
	err := s.withSession(ctx, userID, sessionID, true, func(sess *briefing.Session) error {
		if err := s.engine.SetSubject(sess, title); err != nil {
			return err
		}
		q, err := s.engine.FirstQuestion(ctx, sess)
		question = q
		return err
	})
	return question, err
}

// AdvanceBriefing records the buyer's answer and returns the next question.
func (s *Service) AdvanceBriefing(ctx context.Context, userID, sessionID, answer string) (briefing.Advance, error) {
	var adv briefing.Advance
	err := s.withSession(ctx, userID, sessionID, false, func(sess *briefing.Session) error {
		var err error
		adv, err = s.engine.NextQuestion(ctx, sess, answer)
		return err
	})
	return adv, err
}

// SubmitFeedback sends feedback on an image and renders a revision.
func (s *Service) SubmitFeedback(ctx context.Context, userID, sessionID, imageRef, feedback string) (briefing.FeedbackResult, error) {
	var res briefing.FeedbackResult
	err := s.withSession(ctx, userID, sessionID, false, func(sess *briefing.Session) error {
		var err error
		res, err = s.engine.Feedback(ctx, sess, imageRef, feedback)
		return err
	})
	return res, err
}

// Summarize condenses the briefing and renders the final concept image.
func (s *Service) Summarize(ctx context.Context, userID, sessionID string) (briefing.Summary, error) {
	var sum briefing.Summary
	err := s.withSession(ctx, userID, sessionID, false, func(sess *briefing.Session) error {
		var err error
		sum, err = s.engine.Summarize(ctx, sess)
		return err
	})
	return sum, err
}

// Generate renders images from free-form requirements.
func (s *Service) Generate(ctx context.Context, userID, sessionID, requirements string) (briefing.Generation, error) {
	var gen briefing.Generation
	err := s.withSession(ctx, userID, sessionID, false, func(sess *briefing.Session) error {
		var err error
		gen, err = s.engine.GenerateFromRequirements(ctx, sess, requirements)
		return err
	})
	return gen, err
}

// Transcript returns the last persisted snapshot of the session.
// It does not take the session lock, so it never reports busy.
func (s *Service) Transcript(ctx context.Context, userID, sessionID string) (*domain.BriefingSession, error) {
	state, err := s.store.GetBriefingSession(ctx, userID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load briefing session: %w", err)
	}
	if state == nil {
		return nil, &briefing.PreconditionError{Reason: "subject title required"}
	}
	return state, nil
}

// EndBriefing purges the session's images and forgets the session.
// It returns the number of image files removed.
func (s *Service) EndBriefing(ctx context.Context, userID, sessionID string) (int, error) {
	key := sessionKey(userID, sessionID)
	mutex := s.lockFor(key)
	if !mutex.TryLock() {
		return 0, ErrSessionBusy
	}
	defer mutex.Unlock()

	sess, err := s.load(ctx, userID, sessionID)
	if err != nil {
		return 0, err
	}
	removed, cleanupErr := s.engine.Cleanup(sess)
	if cleanupErr != nil {
		// Keep the records that could not be purged so a retry can find them.
		s.logger.Warn("briefing image cleanup incomplete",
			"user_id", userID,
			"session_id", sessionID,
			"error", cleanupErr)
		if err := s.save(ctx, key, sess); err != nil {
			return removed, err
		}
		return removed, cleanupErr
	}

	if err := s.store.DeleteBriefingSession(ctx, userID, sessionID); err != nil {
		return removed, fmt.Errorf("delete briefing session: %w", err)
	}
	s.mu.Lock()
	delete(s.cache, key)
	s.mu.Unlock()

	s.logger.Info("briefing ended",
		"user_id", userID,
		"session_id", sessionID,
		"images_removed", removed)
	return removed, nil
}

// EvictIdle drops cached sessions unused for longer than idle. Sessions
// with a verb in flight are skipped. It returns the number evicted.
func (s *Service) EvictIdle(idle time.Duration) int {
	cutoff := s.now().Add(-idle)

	s.mu.Lock()
	var stale []string
	for key, entry := range s.cache {
		if entry.lastUsed.Before(cutoff) {
			stale = append(stale, key)
		}
	}
	s.mu.Unlock()

	evicted := 0
	for _, key := range stale {
		mutex := s.lockFor(key)
		if !mutex.TryLock() {
			continue
		}
		s.mu.Lock()
		if entry, ok := s.cache[key]; ok && entry.lastUsed.Before(cutoff) {
			delete(s.cache, key)
			evicted++
		}
		s.mu.Unlock()
		mutex.Unlock()
	}
	return evicted
}

// Cached returns the number of sessions held in memory.
func (s *Service) Cached() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cache)
}

func (s *Service) lockFor(key string) *sync.Mutex {
	lock, _ := s.locks.LoadOrStore(key, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// withSession runs fn under the session lock and persists the session when
// fn succeeds. starting allows verbs on sessions whose snapshot was unreadable.
func (s *Service) withSession(ctx context.Context, userID, sessionID string, starting bool, fn func(*briefing.Session) error) error {
	key := sessionKey(userID, sessionID)
	mutex := s.lockFor(key)
	if !mutex.TryLock() {
		s.logger.Warn("briefing verb already in progress",
			"user_id", userID,
			"session_id", sessionID)
		return ErrSessionBusy
	}
	defer mutex.Unlock()

	sess, err := s.load(ctx, userID, sessionID)
	if err != nil {
		return err
	}
	if !starting && sess.State.Status == domain.StatusFailed {
		return &briefing.PreconditionError{Reason: "briefing could not be restored, set the subject title again"}
	}

	if err := fn(sess); err != nil {
		return err
	}
	return s.save(ctx, key, sess)
}

func (s *Service) load(ctx context.Context, userID, sessionID string) (*briefing.Session, error) {
	key := sessionKey(userID, sessionID)

	s.mu.Lock()
	if entry, ok := s.cache[key]; ok {
		entry.lastUsed = s.now()
		s.mu.Unlock()
		return entry.session, nil
	}
	s.mu.Unlock()

	state, err := s.store.GetBriefingSession(ctx, userID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load briefing session: %w", err)
	}
	if state == nil {
		now := s.now()
		state = &domain.BriefingSession{
			ID:        sessionID,
			UserID:    userID,
			Status:    domain.StatusActive,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}
	return briefing.NewSession(state), nil
}

func (s *Service) save(ctx context.Context, key string, sess *briefing.Session) error {
	if err := s.store.UpsertBriefingSession(ctx, sess.State); err != nil {
		// Drop the cached copy so the next verb reloads what was persisted.
		s.mu.Lock()
		delete(s.cache, key)
		s.mu.Unlock()
		return fmt.Errorf("save briefing session: %w", err)
	}

	s.mu.Lock()
	s.cache[key] = &cachedSession{session: sess, lastUsed: s.now()}
	s.mu.Unlock()
	return nil
}
