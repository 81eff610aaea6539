package vcsrepo

import "context"

// StaticRev describes one revision of a single path in a Static repository.
type StaticRev struct {
	Rev     string
	Date    int64
	Entries []string // non-empty unless this revision's tree is empty
	Change  ChangeKind
	// Path, if set, overrides the path this revision is reported under in
	// History.Next — the path the node was known by at this revision. Leave
	// it empty for a plain edit; set it to the pre-rename path on the
	// revision where a copy/move boundary should be surfaced, so the
	// collector's NormalizePath(entry.Path) != normPath check can fire.
	Path string
}

// Static is a dependency-free Adapter backed by an in-memory revision list,
// for collector and queue tests that must not reach the network.
//
// Revisions are supplied newest-first, matching how History must walk them.
type Static struct {
	// ByPath maps a normalized path to its revisions, newest-first.
	ByPath map[string][]StaticRev
	// Order ranks revisions from oldest (0) to newest, used by RevOlderThan.
	// Revisions not present are treated as incomparable (returns false).
	Order []string
}

func (s *Static) NormalizePath(p string) string { return normalizePath(p) }

func (s *Static) rank(rev string) (int, bool) {
	for i, r := range s.Order {
		if r == rev {
			return i, true
		}
	}
	return 0, false
}

func (s *Static) RevOlderThan(ctx context.Context, a, b string) (bool, error) {
	ra, oka := s.rank(a)
	rb, okb := s.rank(b)
	if !oka || !okb {
		return false, nil
	}
	return ra < rb, nil
}

func (s *Static) GetChangeset(ctx context.Context, rev string) (Changeset, error) {
	for _, revs := range s.ByPath {
		for _, r := range revs {
			if r.Rev == rev {
				return Changeset{Rev: rev, Date: r.Date}, nil
			}
		}
	}
	return Changeset{}, ErrNoSuchNode
}

func (s *Static) GetNode(ctx context.Context, p string, rev string) (Node, error) {
	norm := s.NormalizePath(p)
	revs, ok := s.ByPath[norm]
	if !ok || len(revs) == 0 {
		return nil, ErrNoSuchNode
	}
	if rev == "" {
		return &staticNode{s: s, path: norm, rev: revs[0].Rev}, nil
	}
	for _, r := range revs {
		if r.Rev == rev {
			return &staticNode{s: s, path: norm, rev: rev}, nil
		}
	}
	return nil, ErrNoSuchNode
}

type staticNode struct {
	s    *Static
	path string
	rev  string
}

func (n *staticNode) Path() string { return n.path }
func (n *staticNode) Rev() string  { return n.rev }

func (n *staticNode) Entries(ctx context.Context) ([]string, error) {
	for _, r := range n.s.ByPath[n.path] {
		if r.Rev == n.rev {
			return r.Entries, nil
		}
	}
	return nil, ErrNoSuchNode
}

func (n *staticNode) History(ctx context.Context) (History, error) {
	revs := n.s.ByPath[n.path]
	start := 0
	for i, r := range revs {
		if r.Rev == n.rev {
			start = i
			break
		}
	}
	return &staticHistory{path: n.path, revs: revs[start:]}, nil
}

type staticHistory struct {
	path string
	revs []StaticRev
	idx  int
}

func (h *staticHistory) Next(ctx context.Context) (HistoryEntry, bool, error) {
	if h.idx >= len(h.revs) {
		return HistoryEntry{}, false, nil
	}
	r := h.revs[h.idx]
	h.idx++
	change := r.Change
	if change == "" {
		change = ChangeEdit
	}
	path := h.path
	if r.Path != "" {
		path = r.Path
	}
	return HistoryEntry{Path: path, Rev: r.Rev, Change: change}, true, nil
}
