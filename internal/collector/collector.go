// Package collector implements the change collector: a pure producer that
// walks one BuildConfig's repository history and yields the
// (platform, rev, build?) tuples the build queue's populate() consumes.
package collector

import (
	"context"
	"iter"
	"log"

	"github.com/forgecoord/bco/internal/model"
	"github.com/forgecoord/bco/internal/store"
	"github.com/forgecoord/bco/internal/vcsrepo"
)

// Tuple is one (platform, rev, build?) triple the collector produces. Build
// is nil when no Build row exists yet for this (config, rev, platform).
type Tuple struct {
	Platform model.TargetPlatform
	Rev      string
	RevTime  int64
	Build    *model.Build
}

// Collect walks cfg's history newest-first and yields a Tuple per
// (platform, matching revision). It is a pure producer: it never writes to
// tx, and never materializes the full revision list — each Tuple is produced
// on demand as the consumer ranges over the result, backed directly by the
// repository adapter's pull iterator rather than a goroutine+channel, since
// vcsrepo.History is already lazy.
func Collect(ctx context.Context, repo vcsrepo.Adapter, tx store.Tx, cfg model.BuildConfig) iter.Seq[Tuple] {
	return func(yield func(Tuple) bool) {
		platforms, err := tx.Platforms(ctx, cfg.Name)
		if err != nil {
			log.Printf("collector: %s: loading platforms: %v", cfg.Name, err)
			return
		}
		if len(platforms) == 0 {
			return
		}

		node, err := repo.GetNode(ctx, cfg.Path, "")
		if err != nil {
			if err == vcsrepo.ErrNoSuchNode {
				log.Printf("collector: %s: path %q does not exist, skipping", cfg.Name, cfg.Path)
				return
			}
			log.Printf("collector: %s: resolving %q: %v", cfg.Name, cfg.Path, err)
			return
		}

		hist, err := node.History(ctx)
		if err != nil {
			log.Printf("collector: %s: reading history: %v", cfg.Name, err)
			return
		}

		normPath := repo.NormalizePath(cfg.Path)
		for {
			entry, ok, err := hist.Next(ctx)
			if err != nil {
				log.Printf("collector: %s: walking history: %v", cfg.Name, err)
				return
			}
			if !ok {
				return
			}
			if repo.NormalizePath(entry.Path) != normPath {
				// Copy/move boundary: the path we're tracking didn't exist under
				// this name any further back in history.
				return
			}
			if cfg.MinRev != "" {
				older, err := repo.RevOlderThan(ctx, entry.Rev, cfg.MinRev)
				if err != nil {
					log.Printf("collector: %s: comparing revisions: %v", cfg.Name, err)
					return
				}
				if older {
					return
				}
			}
			if cfg.MaxRev != "" {
				newer, err := repo.RevOlderThan(ctx, cfg.MaxRev, entry.Rev)
				if err != nil {
					log.Printf("collector: %s: comparing revisions: %v", cfg.Name, err)
					return
				}
				if newer {
					continue
				}
			}

			revNode, err := repo.GetNode(ctx, cfg.Path, entry.Rev)
			if err != nil {
				log.Printf("collector: %s@%s: resolving: %v", cfg.Name, entry.Rev, err)
				continue
			}
			entries, err := revNode.Entries(ctx)
			if err != nil {
				log.Printf("collector: %s@%s: listing entries: %v", cfg.Name, entry.Rev, err)
				continue
			}
			if len(entries) == 0 {
				continue
			}

			changeset, err := repo.GetChangeset(ctx, entry.Rev)
			if err != nil {
				log.Printf("collector: %s@%s: loading changeset: %v", cfg.Name, entry.Rev, err)
				continue
			}

			for _, platform := range platforms {
				existing, found, err := tx.FindBuild(ctx, cfg.Name, entry.Rev, platform.ID)
				if err != nil {
					log.Printf("collector: %s@%s/%s: looking up build: %v", cfg.Name, entry.Rev, platform.Name, err)
					continue
				}
				tup := Tuple{Platform: platform, Rev: entry.Rev, RevTime: changeset.Date}
				if found {
					b := existing
					tup.Build = &b
				}
				if !yield(tup) {
					return
				}
			}
		}
	}
}
