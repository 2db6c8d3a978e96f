// Package session binds browser sessions to a caller identity and a
// correlation id that is reused for every backend call made for the session.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/remote-agent-terminal/relay/internal/model"
	"github.com/remote-agent-terminal/relay/internal/repository"
)

// Config holds configuration for the session manager.
type Config struct {
	// TTL is how long a session may go unseen before it expires.
	TTL time.Duration
}

// Manager resolves, creates and expires browser sessions.
type Manager struct {
	repo *repository.SessionRepository
	ttl  time.Duration
	log  zerolog.Logger

	// now is replaceable for tests.
	now func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// NewManager creates a new session manager.
func NewManager(repo *repository.SessionRepository, config Config, log zerolog.Logger) *Manager {
	if config.TTL <= 0 {
		config.TTL = 24 * time.Hour
	}
	return &Manager{
		repo: repo,
		ttl:  config.TTL,
		log:  log,
		now:  time.Now,
	}
}

// Resolve returns the live session for sessionID, creating one when it is
// missing, expired or owned by a different user. userID may be empty to adopt
// the identity stored on an existing session; with no stored session either,
// Resolve fails with ErrUnauthorized. The bool reports whether a new session
// was created.
func (m *Manager) Resolve(ctx context.Context, sessionID, userID string) (*model.Session, bool, error) {
	now := m.now().UTC()

	if sessionID != "" {
		sess, err := m.repo.GetByID(ctx, sessionID)
		switch {
		case err == nil:
			if sess.IdleFor(now) <= m.ttl && (userID == "" || userID == sess.UserID) {
				if err := m.repo.Touch(ctx, sess.ID, now); err != nil {
					return nil, false, err
				}
				sess.LastSeenAt = now
				return sess, false, nil
			}
			if userID == "" {
				userID = sess.UserID
				if sess.IdleFor(now) > m.ttl {
					// Expired sessions do not vouch for an identity.
					userID = ""
				}
			}
		case errors.Is(err, model.ErrSessionNotFound):
		default:
			return nil, false, err
		}
	}

	if userID == "" {
		return nil, false, model.ErrUnauthorized
	}

	sess, err := m.Create(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	return sess, true, nil
}

// Create starts a new session with a fresh correlation id.
func (m *Manager) Create(ctx context.Context, userID string) (*model.Session, error) {
	now := m.now().UTC()
	sess := &model.Session{
		ID:            uuid.New().String(),
		UserID:        userID,
		CorrelationID: uuid.New().String(),
		CreatedAt:     now,
		LastSeenAt:    now,
	}
	if err := m.repo.Create(ctx, sess); err != nil {
		return nil, err
	}
	m.log.Debug().Str("session", sess.ID).Str("user", userID).Str("correlation_id", sess.CorrelationID).Msg("session created")
	return sess, nil
}

// Get retrieves a session by ID.
func (m *Manager) Get(ctx context.Context, id string) (*model.Session, error) {
	return m.repo.GetByID(ctx, id)
}

// List returns every stored session of userID, most recently seen first.
func (m *Manager) List(ctx context.Context, userID string) ([]*model.Session, error) {
	return m.repo.List(ctx, userID)
}

// Delete removes a session.
func (m *Manager) Delete(ctx context.Context, id string) error {
	return m.repo.Delete(ctx, id)
}

// Sweep deletes every session unseen for longer than the TTL.
func (m *Manager) Sweep(ctx context.Context) (int64, error) {
	n, err := m.repo.DeleteIdleSince(ctx, m.now().Add(-m.ttl))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.log.Info().Int64("expired", n).Msg("expired sessions swept")
	}
	return n, nil
}

// StartSweep schedules Sweep on a cron spec such as "@every 10m".
func (m *Manager) StartSweep(spec string) error {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		if _, err := m.Sweep(context.Background()); err != nil {
			m.log.Error().Err(err).Msg("session sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}

	m.mu.Lock()
	if m.cron != nil {
		m.cron.Stop()
	}
	m.cron = c
	m.mu.Unlock()

	c.Start()
	return nil
}

// Close stops the sweep schedule.
func (m *Manager) Close() error {
	m.mu.Lock()
	c := m.cron
	m.cron = nil
	m.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	return nil
}
