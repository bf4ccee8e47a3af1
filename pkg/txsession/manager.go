// Package txsession keeps interactive transactions alive across independent
// request/response cycles.
//
// The ORM capability exposes transactions as a body function: the native
// transaction commits when the body returns nil and rolls back when it
// returns an error. To drive one native transaction from many external
// calls, the body parks on a single-slot verdict channel after registering
// the scoped handle in the registry; commit, rollback, timeout and shutdown
// each deliver the verdict at most once. Removal from the registry happens
// under the lock before the verdict is sent, so a late timer firing after a
// commit is a no-op and no session can resolve twice.
package txsession

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/majdyz/prisma-bridge/pkg/orm"
)

var (
	// ErrNotFound is returned for commit/rollback of an unknown or
	// already-terminated transaction id.
	ErrNotFound = errors.New("transaction not found")
	// ErrTimedOut is delivered to a body whose deadline elapsed.
	ErrTimedOut = errors.New("transaction timed out")
	// ErrRolledBack is delivered to a body on explicit rollback.
	ErrRolledBack = errors.New("transaction rolled back")
	// ErrShutdown is delivered to still-open bodies during teardown.
	ErrShutdown = errors.New("transaction manager shutting down")
)

const (
	DefaultTimeout = 5 * time.Second
	DefaultMaxWait = 2 * time.Second
)

// Session is one live interactive transaction. Client is the
// transaction-scoped handle; it is invalid after the session resolves.
type Session struct {
	ID        string
	Client    orm.Client
	CreatedAt time.Time
	Deadline  time.Time

	verdict chan error
	timer   *time.Timer
}

// Manager owns the registry of live sessions. It is constructed per server
// (no ambient state) so tests get independent lifecycles.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool

	client orm.Client
	wg     sync.WaitGroup

	nowFunc func() time.Time
	idFunc  func() string
}

func NewManager(client orm.Client) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		client:   client,
		nowFunc:  time.Now,
		idFunc:   func() string { return uuid.NewString() },
	}
}

// Start opens a native transaction and returns its session id as soon as
// the session is registered and ready for commands, not when the eventual
// commit happens. maxWait bounds acquisition, timeout the total lifetime.
func (m *Manager) Start(ctx context.Context, timeout, maxWait time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrShutdown
	}
	m.wg.Add(1)
	m.mu.Unlock()

	ready := make(chan *Session, 1)
	startErr := make(chan error, 1)

	go func() {
		defer m.wg.Done()
		err := m.client.Transaction(context.Background(), orm.TxOptions{MaxWait: maxWait, Timeout: timeout}, func(tx orm.Client) error {
			sess, err := m.register(tx, timeout)
			if err != nil {
				return err
			}
			ready <- sess
			// Park until commit, rollback, timeout or shutdown.
			return <-sess.verdict
		})
		if err != nil {
			// Only meaningful before registration; afterwards this is the
			// body unwinding with the verdict we delivered ourselves.
			startErr <- err
		}
	}()

	select {
	case sess := <-ready:
		return sess.ID, nil
	case err := <-startErr:
		return "", fmt.Errorf("could not start transaction: %w", err)
	case <-time.After(maxWait):
		// A late acquisition still registers; its own timeout reaps it.
		return "", fmt.Errorf("timed out after %s waiting for transaction to start", maxWait)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (m *Manager) register(tx orm.Client, timeout time.Duration) (*Session, error) {
	now := m.nowFunc()
	sess := &Session{
		ID:        m.idFunc(),
		Client:    tx,
		CreatedAt: now,
		Deadline:  now.Add(timeout),
		verdict:   make(chan error, 1),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrShutdown
	}
	m.sessions[sess.ID] = sess
	m.mu.Unlock()

	sess.timer = time.AfterFunc(timeout, func() { m.expire(sess.ID) })
	return sess, nil
}

// Client resolves a session id to its transaction-scoped handle. A false
// return means the id is unknown or already terminated.
func (m *Manager) Client(id string) (orm.Client, bool) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	return sess.Client, true
}

// Len reports the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Commit resolves the session successfully. The native commit happens as
// the parked body unwinds; this call returns once the bookkeeping is done.
func (m *Manager) Commit(id string) error {
	if !m.resolve(id, nil) {
		return ErrNotFound
	}
	return nil
}

// Rollback resolves the session with a rollback verdict, which makes the
// native transaction abort.
func (m *Manager) Rollback(id string) error {
	if !m.resolve(id, ErrRolledBack) {
		return ErrNotFound
	}
	return nil
}

func (m *Manager) expire(id string) {
	if m.resolve(id, ErrTimedOut) {
		log.Printf("[TxSession] transaction %s timed out", id)
	}
}

// resolve removes the session and delivers the verdict. The delete happens
// under the lock before the send, so exactly one caller ever wins; the
// verdict channel is buffered so delivery never blocks the registry.
func (m *Manager) resolve(id string, verdict error) bool {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	if sess.timer != nil {
		sess.timer.Stop()
	}
	sess.verdict <- verdict
	return true
}

// Shutdown rejects every still-open session so no native transaction is
// left half-open, then waits for the parked bodies to unwind (bounded by
// ctx).
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if m.resolve(id, ErrShutdown) {
			log.Printf("[TxSession] transaction %s aborted on shutdown", id)
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
