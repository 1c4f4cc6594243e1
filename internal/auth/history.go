package auth

import "context"

// HistoryChecker answers reuse questions against the password history.
type HistoryChecker struct {
	store  HistoryStore
	hasher PasswordHasher
	depth  int
}

// NewHistoryChecker builds a checker that inspects the newest depth entries.
func NewHistoryChecker(store HistoryStore, hasher PasswordHasher, depth int) *HistoryChecker {
	return &HistoryChecker{store: store, hasher: hasher, depth: depth}
}

// CheckReuse reports whether candidate is allowed, i.e. matches none of the
// most recent history entries. A user without history is always allowed.
func (c *HistoryChecker) CheckReuse(ctx context.Context, userID, candidate string) (bool, error) {
	if c.depth <= 0 {
		return true, nil
	}
	entries, err := c.store.ListRecent(ctx, userID, c.depth)
	if err != nil {
		return false, storageErr("list password history", err)
	}
	if len(entries) > c.depth {
		entries = entries[:c.depth]
	}
	for _, e := range entries {
		if c.hasher.Verify(e.Hash, candidate) {
			return false, nil
		}
	}
	return true, nil
}
