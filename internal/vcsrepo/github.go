package vcsrepo

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/google/go-github/v27/github"
	"golang.org/x/oauth2"
	"golang.org/x/xerrors"
)

// GitHub is a Repository Adapter backed by the GitHub REST API, grounded on
// the commit-polling loop of the teacher's autobuilder
// (cmd/autobuilder/autobuilder.go's client.Repositories.ListCommits call):
// the same client and pagination pattern now drives per-path change
// collection instead of a single branch-head poll.
type GitHub struct {
	client *github.Client
	owner  string
	repo   string

	// PerPage bounds each ListCommits page; defaults to 100 if zero.
	PerPage int

	mu    sync.Mutex
	dates map[string]int64 // rev -> author date, filled in as GetChangeset is called
}

// NewGitHub builds a GitHub adapter for the given "owner/repo" slug,
// authenticating with token if non-empty (an empty token works for public
// repositories at a much lower rate limit).
func NewGitHub(ctx context.Context, ownerRepo, token string) (*GitHub, error) {
	owner, repo, err := splitOwnerRepo(ownerRepo)
	if err != nil {
		return nil, err
	}
	httpClient := http.DefaultClient
	if token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		httpClient = oauth2.NewClient(ctx, ts)
	}
	return &GitHub{
		client: github.NewClient(httpClient),
		owner:  owner,
		repo:   repo,
		dates:  make(map[string]int64),
	}, nil
}

func splitOwnerRepo(ownerRepo string) (owner, repo string, err error) {
	s := strings.TrimPrefix(ownerRepo, "https://github.com/")
	s = strings.TrimSuffix(s, ".git")
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", xerrors.Errorf("vcsrepo: invalid owner/repo %q", ownerRepo)
	}
	return parts[0], parts[1], nil
}

func (g *GitHub) NormalizePath(p string) string { return normalizePath(p) }

func (g *GitHub) RevOlderThan(ctx context.Context, a, b string) (bool, error) {
	ca, err := g.GetChangeset(ctx, a)
	if err != nil {
		return false, err
	}
	cb, err := g.GetChangeset(ctx, b)
	if err != nil {
		return false, err
	}
	return ca.Date < cb.Date, nil
}

func (g *GitHub) GetChangeset(ctx context.Context, rev string) (Changeset, error) {
	g.mu.Lock()
	if d, ok := g.dates[rev]; ok {
		g.mu.Unlock()
		return Changeset{Rev: rev, Date: d}, nil
	}
	g.mu.Unlock()

	commit, _, err := g.client.Repositories.GetCommit(ctx, g.owner, g.repo, rev)
	if err != nil {
		return Changeset{}, xerrors.Errorf("GetCommit(%s): %w", rev, err)
	}
	var date int64
	if commit.GetCommit() != nil && commit.GetCommit().GetAuthor() != nil {
		date = commit.GetCommit().GetAuthor().GetDate().Unix()
	}
	g.mu.Lock()
	g.dates[rev] = date
	g.mu.Unlock()
	return Changeset{Rev: rev, Date: date}, nil
}

func (g *GitHub) perPage() int {
	if g.PerPage > 0 {
		return g.PerPage
	}
	return 100
}

// GetNode resolves path at rev. GitHub has no notion of "node does not
// exist" distinct from "empty/absent in the contents API", so a 404 from the
// contents lookup is mapped to ErrNoSuchNode.
func (g *GitHub) GetNode(ctx context.Context, p string, rev string) (Node, error) {
	norm := g.NormalizePath(p)
	_, dirContents, resp, err := g.client.Repositories.GetContents(ctx, g.owner, g.repo,
		strings.TrimPrefix(norm, "/"),
		&github.RepositoryContentGetOptions{Ref: rev})
	if err != nil {
		if resp != nil && resp.StatusCode == 404 {
			return nil, ErrNoSuchNode
		}
		return nil, xerrors.Errorf("GetContents(%s@%s): %w", norm, rev, err)
	}
	entries := make([]string, 0, len(dirContents))
	for _, e := range dirContents {
		entries = append(entries, e.GetName())
	}
	return &githubNode{g: g, path: norm, rev: rev, entries: entries}, nil
}

type githubNode struct {
	g       *GitHub
	path    string
	rev     string
	entries []string
}

func (n *githubNode) Path() string { return n.path }
func (n *githubNode) Rev() string  { return n.rev }

func (n *githubNode) Entries(ctx context.Context) ([]string, error) {
	return n.entries, nil
}

// History returns a pull iterator over ListCommits pages for this node's
// path, which GitHub already returns newest-first — the manual "walk the
// node's history newest-first" step of the collector algorithm is satisfied
// directly by the API's default ordering.
func (n *githubNode) History(ctx context.Context) (History, error) {
	return &githubHistory{g: n.g, path: strings.TrimPrefix(n.path, "/"), page: 1}, nil
}

type githubHistory struct {
	g    *GitHub
	path string
	page int
	buf  []*github.RepositoryCommit
	idx  int
	done bool
}

func (h *githubHistory) Next(ctx context.Context) (HistoryEntry, bool, error) {
	for h.idx >= len(h.buf) {
		if h.done {
			return HistoryEntry{}, false, nil
		}
		commits, resp, err := h.g.client.Repositories.ListCommits(ctx, h.g.owner, h.g.repo, &github.CommitsListOptions{
			Path: h.path,
			ListOptions: github.ListOptions{
				Page:    h.page,
				PerPage: h.g.perPage(),
			},
		})
		if err != nil {
			return HistoryEntry{}, false, xerrors.Errorf("ListCommits(%s): %w", h.path, err)
		}
		h.buf = commits
		h.idx = 0
		if resp.NextPage == 0 {
			h.done = true
		} else {
			h.page = resp.NextPage
		}
		if len(h.buf) == 0 {
			return HistoryEntry{}, false, nil
		}
	}
	c := h.buf[h.idx]
	h.idx++
	sha := c.GetSHA()
	if c.GetCommit() != nil && c.GetCommit().GetAuthor() != nil {
		h.g.mu.Lock()
		h.g.dates[sha] = c.GetCommit().GetAuthor().GetDate().Unix()
		h.g.mu.Unlock()
	}
	path := h.path
	if from, ok := h.g.renamedFrom(ctx, sha, h.path); ok {
		// This is the commit that renamed h.path from from: surface the
		// pre-rename path here so the collector's copy/move boundary check
		// fires on this entry instead of silently treating it as a plain
		// edit of the tracked path.
		path = from
	}
	return HistoryEntry{
		Path:   path,
		Rev:    sha,
		Change: ChangeEdit,
	}, true, nil
}

// renamedFrom reports the path p was known by before commit sha, if GitHub's
// full commit view lists p as a rename there. ListCommits doesn't include
// per-file status, so this costs one extra GetCommit call per history entry;
// a false result (including on error) just means "treat it as a plain edit".
func (g *GitHub) renamedFrom(ctx context.Context, sha, p string) (string, bool) {
	commit, _, err := g.client.Repositories.GetCommit(ctx, g.owner, g.repo, sha)
	if err != nil {
		return "", false
	}
	for _, f := range commit.Files {
		if f.GetFilename() == p && f.GetStatus() == "renamed" && f.GetPreviousFilename() != "" {
			return f.GetPreviousFilename(), true
		}
	}
	return "", false
}
