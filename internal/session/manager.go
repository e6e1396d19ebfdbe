// Package session owns the signed-in identity and drives the session
// lifecycle: restore, login, register, logout and identity-provider events.
package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/failure"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/platform"
	"github.com/matheus3301/chatsync/internal/status"
	"go.uber.org/zap"
)

// ProfileRetryDelay is how long a signed-in event with no matching profile
// waits before its single retry.
const ProfileRetryDelay = 500 * time.Millisecond

// Lifecycle is the downstream work bound to an authenticated session.
// Start runs before the authenticated state is published; Stop tears
// everything down again and must tolerate being called without Start.
type Lifecycle interface {
	Start(ctx context.Context, self model.Identity) error
	Stop(ctx context.Context)
}

// Manager owns the session identity. It is the only writer of Self.
type Manager struct {
	auth      platform.Auth
	data      platform.Data
	tokens    platform.TokenStore
	machine   *status.Machine
	lifecycle Lifecycle
	clock     clock.Clock
	logger    *zap.Logger

	// apply serializes every state change resulting from an attempt or an
	// auth event, so results land in completion order.
	apply sync.Mutex

	mu          sync.RWMutex
	self        *model.Identity
	token       string
	pendingUser string
	lastErr     string
	attempt     uint64
	inflight    int
	loading     bool

	cancel context.CancelFunc
	done   chan struct{}
}

// Options configures a Manager.
type Options struct {
	Auth      platform.Auth
	Data      platform.Data
	Tokens    platform.TokenStore
	Machine   *status.Machine
	Lifecycle Lifecycle
	Clock     clock.Clock
	Logger    *zap.Logger
}

// New creates a session manager. Call Start to begin consuming auth events.
func New(opts Options) *Manager {
	m := &Manager{
		auth:      opts.Auth,
		data:      opts.Data,
		tokens:    opts.Tokens,
		machine:   opts.Machine,
		lifecycle: opts.Lifecycle,
		clock:     opts.Clock,
		logger:    opts.Logger,
	}
	if m.machine == nil {
		m.machine = status.NewMachine(nil)
	}
	if m.clock == nil {
		m.clock = clock.New()
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	return m
}

// Start subscribes to identity-provider events.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	sub := m.auth.OnAuthStateChange()
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		defer sub.Close()
		for {
			select {
			case evt, ok := <-sub.C():
				if !ok {
					return
				}
				m.handleAuthEvent(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops consuming auth events and waits for the handler to return.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
}

// State returns the current session state.
func (m *Manager) State() status.State {
	return m.machine.Current()
}

// Self returns the signed-in identity.
func (m *Manager) Self() (model.Identity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.self == nil {
		return model.Identity{}, false
	}
	return *m.self, true
}

// Loading reports whether the newest login, register or restore attempt is
// still in flight.
func (m *Manager) Loading() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loading
}

// LastError returns the user-visible message of the last failed attempt.
func (m *Manager) LastError() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

// PendingVerification reports the user id awaiting confirmation, if any.
func (m *Manager) PendingVerification() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pendingUser, m.pendingUser != ""
}

// Restore recovers the session from the persisted token. A missing or
// expired token leaves the session anonymous.
func (m *Manager) Restore(ctx context.Context) {
	token, err := m.tokens.LoadToken(ctx)
	if err != nil {
		m.logger.Warn("failed to load session token", zap.Error(err))
		return
	}
	if token == "" {
		m.logger.Debug("no persisted session")
		return
	}

	id := m.beginAttempt()
	defer m.endAttempt(id)

	sess, err := m.auth.GetSession(ctx, token)

	m.apply.Lock()
	defer m.apply.Unlock()

	if err != nil {
		if failure.KindOf(err) == failure.NotFound {
			if err := m.tokens.ClearToken(ctx); err != nil {
				m.logger.Warn("failed to clear stale token", zap.Error(err))
			}
			m.logger.Info("persisted session expired")
		} else {
			m.logger.Warn("session restore failed", zap.Error(err))
		}
		m.settleFailure()
		return
	}
	if err := m.establish(ctx, sess); err != nil {
		m.logger.Warn("session restore failed", zap.Error(err))
		m.settleFailure()
	}
}

// Login signs in with the identity provider. Concurrent calls are allowed:
// the newest owns the loading flag and results apply in completion order.
func (m *Manager) Login(ctx context.Context, address, secret string) error {
	if strings.TrimSpace(address) == "" || secret == "" {
		return m.reject(failure.New(failure.Validation, failure.CodeInvalidInput, "email and password are required"))
	}

	id := m.beginAttempt()
	defer m.endAttempt(id)

	sess, err := m.auth.SignIn(ctx, address, secret)

	m.apply.Lock()
	defer m.apply.Unlock()

	if err != nil {
		return m.fail("sign in failed", err)
	}
	if err := m.establish(ctx, sess); err != nil {
		return m.fail("sign in failed", err)
	}
	return nil
}

// Register creates an account. When the provider requires confirmation the
// session waits in pending-verification for the signed-in event.
func (m *Manager) Register(ctx context.Context, name, address, secret string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return m.reject(failure.New(failure.Validation, failure.CodeInvalidInput, "a display name is required"))
	}

	id := m.beginAttempt()
	defer m.endAttempt(id)

	res, err := m.auth.SignUp(ctx, address, secret, map[string]string{"name": name})

	m.apply.Lock()
	defer m.apply.Unlock()

	if err != nil {
		return m.fail("registration failed", err)
	}
	if res.Session == nil {
		m.mu.Lock()
		m.pendingUser = res.UserID
		m.lastErr = ""
		m.mu.Unlock()
		m.machine.TransitionFrom(status.PendingVerification, status.Authenticating)
		m.logger.Info("registration awaiting confirmation", zap.String("user_id", res.UserID))
		return nil
	}
	if err := m.establish(ctx, res.Session); err != nil {
		return m.fail("registration failed", err)
	}
	return nil
}

// Logout signs out and tears the session down. Provider and presence
// failures are logged, never returned.
func (m *Manager) Logout(ctx context.Context) {
	m.apply.Lock()
	defer m.apply.Unlock()

	if !m.machine.TransitionFrom(status.SigningOut, status.Authenticated) {
		m.mu.Lock()
		m.pendingUser = ""
		m.mu.Unlock()
		m.machine.Reset()
		return
	}

	m.mu.RLock()
	token := m.token
	m.mu.RUnlock()

	m.lifecycle.Stop(ctx)
	if err := m.auth.SignOut(ctx, token); err != nil {
		m.logger.Warn("provider sign out failed", zap.Error(err))
	}
	m.clearSession(ctx)
	if err := m.machine.Transition(status.Anonymous); err != nil {
		m.logger.Error("logout transition", zap.Error(err))
	}
	m.logger.Info("signed out")
}

// UpdateCredential replaces the account secret of the current session.
func (m *Manager) UpdateCredential(ctx context.Context, secret string) error {
	m.mu.RLock()
	token := m.token
	m.mu.RUnlock()
	if token == "" {
		m.logger.DPanic("UpdateCredential without a session")
		return failure.ErrNoSession
	}
	if err := m.auth.UpdateCredential(ctx, token, secret); err != nil {
		return failure.Wrap("could not update password", err)
	}
	return nil
}

// UpdateProfile edits the owner's display name and avatar, then re-reads the
// identity. Nil fields are left unchanged.
func (m *Manager) UpdateProfile(ctx context.Context, name, avatar *string) error {
	self, ok := m.Self()
	if !ok {
		m.logger.DPanic("UpdateProfile without a session")
		return failure.ErrNoSession
	}
	if name != nil && strings.TrimSpace(*name) == "" {
		return failure.New(failure.Validation, failure.CodeInvalidInput, "display name cannot be empty")
	}
	if err := m.data.UpdateProfile(ctx, self.ID, platform.ProfileUpdate{DisplayName: name, AvatarURL: avatar}); err != nil {
		return failure.Wrap("could not update profile", err)
	}

	m.apply.Lock()
	defer m.apply.Unlock()
	return m.reloadSelf(ctx, self.ID)
}

func (m *Manager) handleAuthEvent(ctx context.Context, evt bus.Event) {
	change, ok := evt.Payload.(bus.AuthChange)
	if !ok {
		return
	}
	switch evt.Kind {
	case bus.AuthSignedIn:
		m.handleSignedIn(ctx, change)
	case bus.AuthSignedOut:
		m.apply.Lock()
		defer m.apply.Unlock()
		m.mu.RLock()
		ours := m.token != "" && m.token == change.Token
		m.mu.RUnlock()
		if !ours {
			return
		}
		m.logger.Warn("session revoked by provider", zap.String("user_id", change.UserID))
		m.lifecycle.Stop(ctx)
		m.clearSession(ctx)
		m.machine.Reset()
	case bus.AuthUserUpdated:
		m.apply.Lock()
		defer m.apply.Unlock()
		self, ok := m.Self()
		if !ok || self.ID != change.UserID {
			return
		}
		if err := m.reloadSelf(ctx, self.ID); err != nil {
			m.logger.Warn("failed to refresh identity", zap.Error(err))
		}
	}
}

// handleSignedIn completes a pending registration. A profile that is not
// visible yet is retried once after ProfileRetryDelay.
func (m *Manager) handleSignedIn(ctx context.Context, change bus.AuthChange) {
	for try := 0; try < 2; try++ {
		if try > 0 {
			select {
			case <-m.clock.After(ProfileRetryDelay):
			case <-ctx.Done():
				return
			}
		}

		m.apply.Lock()
		m.mu.RLock()
		pending := m.pendingUser
		m.mu.RUnlock()
		if pending == "" || pending != change.UserID {
			m.apply.Unlock()
			return
		}

		err := m.establish(ctx, &platform.AuthSession{UserID: change.UserID, Token: change.Token})
		m.apply.Unlock()
		if err == nil {
			return
		}
		if !failure.HasCode(err, failure.CodeNotFound) {
			m.logger.Warn("failed to complete sign in", zap.Error(err))
			return
		}
	}

	m.mu.Lock()
	m.lastErr = "signed in, but your profile could not be loaded"
	m.mu.Unlock()
	m.logger.Warn("signed-in event has no matching profile", zap.String("user_id", change.UserID))
}

// establish confirms the profile, starts the downstream lifecycle and only
// then publishes the authenticated state. Caller holds m.apply.
func (m *Manager) establish(ctx context.Context, sess *platform.AuthSession) error {
	profile, err := m.data.GetProfile(ctx, sess.UserID)
	if err != nil {
		return failure.Wrap("could not load your profile", err)
	}
	if profile == nil {
		return failure.New(failure.NotFound, failure.CodeNotFound, "profile not found")
	}

	if m.machine.Current() == status.Authenticated {
		m.lifecycle.Stop(ctx)
	}

	if err := m.tokens.SaveToken(ctx, sess.Token); err != nil {
		m.logger.Warn("failed to persist session token", zap.Error(err))
	}
	m.mu.Lock()
	m.self = profile
	m.token = sess.Token
	m.pendingUser = ""
	m.lastErr = ""
	m.mu.Unlock()

	if err := m.lifecycle.Start(ctx, *profile); err != nil {
		m.lifecycle.Stop(ctx)
		m.mu.Lock()
		m.self = nil
		m.token = ""
		m.mu.Unlock()
		m.machine.Reset()
		return failure.Wrap("could not load your data", err)
	}

	if m.machine.Current() != status.Authenticated {
		if err := m.machine.Transition(status.Authenticated); err != nil {
			m.logger.Error("authenticated transition", zap.Error(err))
		}
	}
	m.logger.Info("session authenticated", zap.String("user_id", profile.ID))
	return nil
}

func (m *Manager) reloadSelf(ctx context.Context, id string) error {
	profile, err := m.data.GetProfile(ctx, id)
	if err != nil {
		return failure.Wrap("could not load your profile", err)
	}
	if profile == nil {
		return failure.New(failure.NotFound, failure.CodeNotFound, "profile not found")
	}
	m.mu.Lock()
	if m.self != nil && m.self.ID == id {
		m.self = profile
	}
	m.mu.Unlock()
	return nil
}

func (m *Manager) clearSession(ctx context.Context) {
	if err := m.tokens.ClearToken(ctx); err != nil {
		m.logger.Warn("failed to clear session token", zap.Error(err))
	}
	m.mu.Lock()
	m.self = nil
	m.token = ""
	m.pendingUser = ""
	m.mu.Unlock()
}

func (m *Manager) beginAttempt() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempt++
	m.inflight++
	m.loading = true
	m.machine.TransitionFrom(status.Authenticating, status.Anonymous, status.PendingVerification)
	return m.attempt
}

func (m *Manager) endAttempt(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inflight--
	if id == m.attempt {
		m.loading = false
	}
}

// fail records the user-visible message and drops back to anonymous unless
// another attempt is still in flight. Caller holds m.apply.
func (m *Manager) fail(msg string, err error) error {
	err = failure.Wrap("could not reach the sign-in service", err)
	m.mu.Lock()
	m.lastErr = failure.UserMessage(err)
	m.mu.Unlock()
	m.settleFailure()
	m.logger.Info(msg, zap.Error(err))
	return err
}

func (m *Manager) settleFailure() {
	m.mu.RLock()
	others := m.inflight > 1
	m.mu.RUnlock()
	if !others {
		m.machine.TransitionFrom(status.Anonymous, status.Authenticating)
	}
}

func (m *Manager) reject(err *failure.Error) error {
	m.mu.Lock()
	m.lastErr = err.Message
	m.mu.Unlock()
	return err
}
