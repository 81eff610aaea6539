// Package vcsrepo defines the Repository Adapter interface the change
// collector walks, plus the concrete implementations that back it: a
// GitHub-backed adapter for production use, and a dependency-free static
// adapter for tests.
package vcsrepo

import (
	"context"
	"errors"
	"path"
	"strings"
)

// ErrNoSuchNode is returned by Adapter.GetNode when path does not exist in
// the repository at the requested revision.
var ErrNoSuchNode = errors.New("vcsrepo: no such node")

// ChangeKind classifies one history entry the way a version-control system
// reports it: a file was added, edited in place, or the subtree was moved or
// copied from elsewhere (a copy/move boundary terminates the change collector's
// walk, per the config's path no longer matching).
type ChangeKind string

const (
	ChangeAdd    ChangeKind = "add"
	ChangeEdit   ChangeKind = "edit"
	ChangeCopy   ChangeKind = "copy"
	ChangeMove   ChangeKind = "move"
	ChangeDelete ChangeKind = "delete"
)

// HistoryEntry is one (path, rev, change) tuple from a node's history, walked
// newest-first.
type HistoryEntry struct {
	Path   string
	Rev    string
	Change ChangeKind
}

// Changeset is the subset of commit metadata the collector needs.
type Changeset struct {
	Rev  string
	Date int64 // unix seconds
}

// History is a pull iterator over a node's revision history, newest-first.
// Next returns ok=false once the history is exhausted; callers must stop
// calling Next after an error or ok=false.
type History interface {
	Next(ctx context.Context) (entry HistoryEntry, ok bool, err error)
}

// Node is a repository path resolved at a specific revision (or at HEAD, if
// the revision used to resolve it was empty).
type Node interface {
	Path() string
	Rev() string
	// History walks this node's history, newest revision first.
	History(ctx context.Context) (History, error)
	// Entries lists this node's immediate children. An empty result means the
	// tree is empty at this revision (the collector skips such revisions).
	Entries(ctx context.Context) ([]string, error)
}

// Adapter is the Repository Adapter of the design: the only interface the
// change collector depends on. Concrete VCS backends (GitHub, a local git
// checkout, Subversion, ...) implement this without the collector needing to
// know which.
type Adapter interface {
	// GetNode resolves path at rev (rev == "" means HEAD). Returns
	// ErrNoSuchNode if the path does not exist at that revision.
	GetNode(ctx context.Context, path string, rev string) (Node, error)
	// NormalizePath returns the canonical form of path, so the collector can
	// detect copy/move boundaries by comparing against config.Path.
	NormalizePath(path string) string
	// RevOlderThan reports whether a is strictly older than b.
	RevOlderThan(ctx context.Context, a, b string) (bool, error)
	// GetChangeset returns commit metadata for rev.
	GetChangeset(ctx context.Context, rev string) (Changeset, error)
}

// normalizePath is shared by both concrete adapters: collapse "." segments,
// strip any trailing slash, and ensure a single leading slash.
func normalizePath(p string) string {
	p = path.Clean("/" + strings.TrimSpace(p))
	if p == "/." {
		return "/"
	}
	return p
}
