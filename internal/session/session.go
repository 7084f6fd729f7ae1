// Package session manages the authenticated account state persisted
// across runs: the opaque token, account identity and plan entitlement.
package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/apiplus/workbench/internal/api"
	"github.com/apiplus/workbench/internal/store"
)

// Plans entitled to synchronization.
const (
	PlanPlus  = "plus"
	PlanTrial = "trial"
)

// Session is the persisted account state.
type Session struct {
	Token    string
	UID      string
	Nickname string
	Email    string
	Plan     string
	Quota    int64
	Expire   int64 // unix ms, plan expiry; 0 = no expiry recorded
}

// LoggedIn reports whether a usable token is present.
func (s *Session) LoggedIn() bool {
	return s != nil && s.Token != ""
}

// CanSync reports whether the session's plan entitles it to sync at the
// given instant. The server is the final authority; this only avoids
// pointless requests.
func (s *Session) CanSync(now time.Time) bool {
	if !s.LoggedIn() {
		return false
	}
	if s.Plan != PlanPlus && s.Plan != PlanTrial {
		return false
	}
	if s.Expire > 0 && now.UnixMilli() > s.Expire {
		return false
	}
	return true
}

// Apply merges refreshed account fields onto the session, keeping the
// token. Empty email and zero quota/expiry mean the server sent nothing
// for those fields, so the local values stand.
func (s *Session) Apply(acct *api.Account) {
	s.UID = acct.UID
	s.Nickname = acct.Nickname
	if acct.Email != "" {
		s.Email = acct.Email
	}
	s.Plan = acct.Plan
	if acct.Quota != 0 {
		s.Quota = acct.Quota
	}
	if acct.Expire != 0 {
		s.Expire = acct.Expire
	}
}

// Store persists session state in the shared workbench database.
type Store struct {
	db *store.DB
}

// NewStore creates a session store backed by the given database.
func NewStore(db *store.DB) *Store {
	return &Store{db: db}
}

const sessionKey = "session"

// Load returns the persisted session, or nil when logged out.
func (s *Store) Load(ctx context.Context) (*Session, error) {
	get := func(key string) (string, error) {
		row := s.db.Conn().QueryRowContext(ctx, `SELECT value FROM session WHERE key = ?`, key)
		var v string
		err := row.Scan(&v)
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return v, err
	}

	token, err := get(sessionKey + ".token")
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if token == "" {
		return nil, nil
	}

	sess := &Session{Token: token}
	fields := map[string]*string{
		sessionKey + ".uid":      &sess.UID,
		sessionKey + ".nickname": &sess.Nickname,
		sessionKey + ".email":    &sess.Email,
		sessionKey + ".plan":     &sess.Plan,
	}
	for key, dst := range fields {
		if *dst, err = get(key); err != nil {
			return nil, fmt.Errorf("failed to load session: %w", err)
		}
	}
	for key, dst := range map[string]*int64{
		sessionKey + ".quota":  &sess.Quota,
		sessionKey + ".expire": &sess.Expire,
	} {
		raw, err := get(key)
		if err != nil {
			return nil, fmt.Errorf("failed to load session: %w", err)
		}
		if raw != "" {
			if *dst, err = strconv.ParseInt(raw, 10, 64); err != nil {
				return nil, fmt.Errorf("corrupt session field %s: %w", key, err)
			}
		}
	}
	return sess, nil
}

// Save persists a session, replacing any previous one.
func (s *Store) Save(ctx context.Context, sess *Session) error {
	pairs := map[string]string{
		sessionKey + ".token":    sess.Token,
		sessionKey + ".uid":      sess.UID,
		sessionKey + ".nickname": sess.Nickname,
		sessionKey + ".email":    sess.Email,
		sessionKey + ".plan":     sess.Plan,
		sessionKey + ".quota":    strconv.FormatInt(sess.Quota, 10),
		sessionKey + ".expire":   strconv.FormatInt(sess.Expire, 10),
	}
	for key, value := range pairs {
		_, err := s.db.Conn().ExecContext(ctx, `
		INSERT INTO session (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
		if err != nil {
			return fmt.Errorf("failed to save session: %w", err)
		}
	}
	return nil
}

// Clear removes the persisted session.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.Conn().ExecContext(ctx,
		`DELETE FROM session WHERE key LIKE ?`, sessionKey+".%"); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}

// Authenticator is the slice of the remote API the manager needs.
type Authenticator interface {
	Login(ctx context.Context, email, password string) (*api.Account, error)
	SkeyLogin(ctx context.Context, skey string) (*api.Account, error)
}

// Manager ties authentication against the remote API to local session
// persistence.
type Manager struct {
	store *Store
	auth  Authenticator
}

// NewManager creates a session manager.
func NewManager(store *Store, auth Authenticator) *Manager {
	return &Manager{store: store, auth: auth}
}

// Login authenticates with email and password and persists the session.
func (m *Manager) Login(ctx context.Context, email, password string) (*Session, error) {
	acct, err := m.auth.Login(ctx, email, password)
	if err != nil {
		return nil, err
	}
	return m.persist(ctx, acct)
}

// SkeyLogin authenticates with a pre-issued session key and persists the
// session.
func (m *Manager) SkeyLogin(ctx context.Context, skey string) (*Session, error) {
	acct, err := m.auth.SkeyLogin(ctx, skey)
	if err != nil {
		return nil, err
	}
	return m.persist(ctx, acct)
}

// Logout clears the persisted session. Safe when already logged out.
func (m *Manager) Logout(ctx context.Context) error {
	return m.store.Clear(ctx)
}

// Refresh updates the persisted account fields from a pull response
// without touching the token.
func (m *Manager) Refresh(ctx context.Context, acct *api.Account) (*Session, error) {
	sess, err := m.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, nil
	}
	sess.Apply(acct)
	if err := m.store.Save(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (m *Manager) persist(ctx context.Context, acct *api.Account) (*Session, error) {
	if acct.Token == "" {
		return nil, fmt.Errorf("login response missing token")
	}
	sess := &Session{
		Token:    acct.Token,
		UID:      acct.UID,
		Nickname: acct.Nickname,
		Email:    acct.Email,
		Plan:     acct.Plan,
		Quota:    acct.Quota,
		Expire:   acct.Expire,
	}
	if err := m.store.Save(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}
