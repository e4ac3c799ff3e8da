package store

import (
	"context"
	"errors"
)

// TxFunc reads whatever state it needs and builds the Commit a transaction
// should attempt. It is called again from scratch on every retry, so it
// must not assume any side effects from a prior call survived.
type TxFunc func(ctx context.Context) (Commit, error)

// RunTransaction is the generic retry loop described in spec section 4.1:
// build a Commit, attempt it, and on precondition failure rebuild and try
// again. fn may itself return ErrRetry to force another iteration without
// attempting a commit (used when the retry condition is discovered before
// any Commit can be built, e.g. a generated candidate key collided).
//
// RunTransaction does not back off and does not time out; callers that
// need a deadline should derive ctx with one.
func RunTransaction(ctx context.Context, s Store, fn TxFunc) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		commit, err := fn(ctx)
		if err != nil {
			if errors.Is(err, ErrRetry) {
				continue
			}
			return err
		}

		if commit.Empty() {
			return nil
		}

		if err := s.AtomicCommit(ctx, commit); err != nil {
			if errors.Is(err, ErrRetry) {
				continue
			}
			return err
		}

		return nil
	}
}
