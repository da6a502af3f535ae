package chain

import (
	"context"
	"crypto/hmac"
	"errors"
	"fmt"
	"time"

	audit "knowton/pkg/platform/audit"
)

// ErrGap is returned by VerifyLinked when a missing predecessor left no link
// behind, so the window can be proven neither intact nor broken.
var ErrGap = errors.New("chain gap cannot be bridged")

// maxBridge bounds how many missing events a single gap may span.
const maxBridge = 100_000

// LinkResolver finds the link whose Hash is hash.
type LinkResolver interface {
	Link(ctx context.Context, hash string) (audit.Link, bool, error)
}

// Verify recomputes every hash and checks each event links to its
// predecessor. events must be ordered by id. The first event's PreviousHash is
// trusted as the anchor of the window. Returns (true, -1) when intact,
// otherwise false and the index of the first bad event.
func Verify(secret []byte, events []audit.Event) (bool, int) {
	for i, e := range events {
		if i > 0 && e.PreviousHash != events[i-1].Hash {
			return false, i
		}
		if !hashMatches(secret, e) {
			return false, i
		}
	}
	return true, -1
}

// VerifyLinked is Verify for windows read from a store whose records expire
// at different times. When event i does not link to event i-1, links are
// walked back from its PreviousHash until event i-1 is reached. Each skipped
// event must have expired by now or be an orphan; one that should still be
// stored is reported as a break at i. A missing link returns ErrGap.
func VerifyLinked(ctx context.Context, secret []byte, events []audit.Event, links LinkResolver, now time.Time) (bool, int, error) {
	for i, e := range events {
		if !hashMatches(secret, e) {
			return false, i, nil
		}
		if i == 0 || e.PreviousHash == events[i-1].Hash {
			continue
		}
		ok, err := bridge(ctx, links, e.PreviousHash, events[i-1].Hash, now)
		if err != nil {
			return false, i, err
		}
		if !ok {
			return false, i, nil
		}
	}
	return true, -1, nil
}

func bridge(ctx context.Context, links LinkResolver, from, to string, now time.Time) (bool, error) {
	if links == nil {
		return false, ErrGap
	}
	hash := from
	for range maxBridge {
		if hash == to {
			return true, nil
		}
		l, ok, err := links.Link(ctx, hash)
		if err != nil {
			return false, fmt.Errorf("load chain link: %w", err)
		}
		if !ok {
			return false, ErrGap
		}
		if !l.Orphan && now.Before(l.ExpiresAt) {
			return false, nil
		}
		hash = l.PreviousHash
	}
	return false, ErrGap
}

func hashMatches(secret []byte, e audit.Event) bool {
	want, err := ComputeHash(secret, e)
	return err == nil && hmac.Equal([]byte(want), []byte(e.Hash))
}
