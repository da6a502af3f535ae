// Package chain owns the ledger's hash chain: the single-writer sequencer that
// assigns ids and links each event to its predecessor, and the verifier that
// recomputes the chain later.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	audit "knowton/pkg/platform/audit"
)

// ErrNotBootstrapped is returned by Append until Bootstrap has loaded the
// chain head. Appending onto an unknown root would start a disconnected chain.
var ErrNotBootstrapped = errors.New("sequencer not bootstrapped")

// HeadSource exposes the newest event a store knows about. The event may carry
// only its chain fields.
type HeadSource interface {
	Latest(ctx context.Context) (audit.Event, bool, error)
}

// Sequencer is the only component allowed to assign Event.ID, Hash and
// PreviousHash. Append is serialized under mu.
type Sequencer struct {
	secret []byte
	now    func() time.Time
	newID  func() (string, error)
	logger *slog.Logger

	mu       sync.Mutex
	ready    bool
	lastID   string
	lastHash string
	lastTime time.Time
}

// Option configures the Sequencer.
type Option func(*Sequencer)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Sequencer) {
		s.now = now
	}
}

// WithIDGenerator overrides id generation.
func WithIDGenerator(fn func() (string, error)) Option {
	return func(s *Sequencer) {
		s.newID = fn
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sequencer) {
		s.logger = logger
	}
}

// New creates a sequencer keyed with secret. Call Bootstrap before Append.
func New(secret []byte, opts ...Option) (*Sequencer, error) {
	if len(secret) == 0 {
		return nil, errors.New("hmac secret is required")
	}
	s := &Sequencer{
		secret: append([]byte(nil), secret...),
		now:    time.Now,
		newID:  newUUIDv7,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func newUUIDv7() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Bootstrap loads the chain head from every source and continues from the
// newest one (ids are time-ordered). Any source error is returned and the
// sequencer stays unusable. Empty sources everywhere start a genesis chain.
func (s *Sequencer) Bootstrap(ctx context.Context, sources ...HeadSource) error {
	var (
		head  audit.Event
		found bool
	)
	for _, src := range sources {
		if src == nil {
			continue
		}
		e, ok, err := src.Latest(ctx)
		if err != nil {
			return fmt.Errorf("load chain head: %w", err)
		}
		if ok && (!found || e.ID > head.ID) {
			head, found = e, true
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if found {
		s.lastID = head.ID
		s.lastHash = head.Hash
		s.lastTime = head.Timestamp
	}
	s.ready = true

	s.logger.InfoContext(ctx, "chain sequencer bootstrapped",
		"head_id", s.lastID,
		"genesis", !found,
	)
	return nil
}

// Append finalizes a draft: assigns id and timestamp, links it to the current
// head, computes its hash and advances the head. Drafts are expected to be
// validated and defaulted already.
func (s *Sequencer) Append(draft audit.Draft) (audit.Event, error) {
	e := draft.ToEvent()

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ready {
		return audit.Event{}, ErrNotBootstrapped
	}

	id, err := s.newID()
	if err != nil {
		return audit.Event{}, fmt.Errorf("generate event id: %w", err)
	}

	// Sinks store microseconds; timestamps never run backwards along the chain.
	ts := s.now().UTC().Truncate(time.Microsecond)
	if ts.Before(s.lastTime) {
		ts = s.lastTime
	}

	e.ID = id
	e.Timestamp = ts
	e.PreviousHash = s.lastHash
	hash, err := ComputeHash(s.secret, e)
	if err != nil {
		return audit.Event{}, err
	}
	e.Hash = hash

	s.lastID = e.ID
	s.lastHash = e.Hash
	s.lastTime = e.Timestamp
	return e, nil
}

// Head returns the id and hash of the last sequenced event.
func (s *Sequencer) Head() (id, hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastID, s.lastHash
}

// Verify checks events (ordered by id) against this sequencer's secret.
func (s *Sequencer) Verify(events []audit.Event) (bool, int) {
	return Verify(s.secret, events)
}

// VerifyLinked checks events read from an expiring store, bridging gaps
// through links. See VerifyLinked.
func (s *Sequencer) VerifyLinked(ctx context.Context, events []audit.Event, links LinkResolver, now time.Time) (bool, int, error) {
	return VerifyLinked(ctx, s.secret, events, links, now)
}

// Hash recomputes the expected hash of e.
func (s *Sequencer) Hash(e audit.Event) (string, error) {
	return ComputeHash(s.secret, e)
}
