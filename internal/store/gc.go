package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mpilhlt/pdf-tei-editor-sub003/internal/model"
)

// DefaultGCMinAge is the grace period before soft-deleted records may be
// physically purged without admin privilege. It bounds the blast radius of
// an accidental mass deletion while keeping routine cleanup unprivileged.
const DefaultGCMinAge = 24 * time.Hour

// GarbageCollector reconciles soft-deleted records against content
// reference counts and purges what nothing references anymore.
type GarbageCollector struct {
	repo    Repository
	content ContentStore
	clock   Clock
	logger  Logger
	minAge  time.Duration
}

// NewGarbageCollector creates a GarbageCollector. A non-positive minAge
// selects DefaultGCMinAge.
func NewGarbageCollector(repo Repository, content ContentStore, clock Clock, logger Logger, minAge time.Duration) *GarbageCollector {
	if minAge <= 0 {
		minAge = DefaultGCMinAge
	}
	return &GarbageCollector{repo: repo, content: content, clock: clock, logger: logger, minAge: minAge}
}

// Collect purges soft-deleted records last updated before deletedBefore,
// optionally restricted to a sync status ("" matches all). For each record
// the content reference is released; bytes are removed only at refcount
// zero, then the metadata row is hard-deleted. Per-record failures are
// logged and skipped, not fatal to the batch.
//
// A deletedBefore cutoff inside the minimum-age window requires admin
// privilege and fails with ErrPermissionDenied otherwise.
func (g *GarbageCollector) Collect(ctx context.Context, session model.Session, deletedBefore time.Time, status model.SyncStatus) (*model.GCResult, error) {
	now := g.clock.Now()
	if deletedBefore.After(now.Add(-g.minAge)) && !session.IsAdmin() {
		return nil, fmt.Errorf("purging records deleted less than %s ago requires admin: %w", g.minAge, ErrPermissionDenied)
	}

	records, err := g.repo.ListDeletedBefore(ctx, deletedBefore, status)
	if err != nil {
		return nil, fmt.Errorf("listing deleted records: %w", err)
	}

	// Artifacts stranded by their document's source removal are reported
	// separately. The cutoff and status filter apply to them like to any
	// other record, so the orphan count classifies the purge set and never
	// reaches past the age gate.
	orphans, err := g.repo.ListOrphanArtifacts(ctx, deletedBefore, status)
	if err != nil {
		return nil, fmt.Errorf("listing orphaned artifacts: %w", err)
	}
	orphaned := make(map[string]bool, len(orphans))
	for i := range orphans {
		orphaned[orphans[i].StableID] = true
	}

	result := &model.GCResult{}
	for i := range records {
		if err := g.purgeRecord(ctx, &records[i], result); err != nil {
			g.logger.Warn("gc skipping record", "stable_id", records[i].StableID, "error", err)
			result.Skipped++
			continue
		}
		if orphaned[records[i].StableID] {
			result.PurgedCount--
			result.OrphansPurged++
		}
	}

	g.logger.Info("gc pass complete",
		"purged", result.PurgedCount,
		"orphans", result.OrphansPurged,
		"bytes_freed", result.BytesFreed,
		"skipped", result.Skipped)
	return result, nil
}

// purgeRecord releases the record's content reference, removes the bytes if
// nothing references them anymore, and hard-deletes the metadata row.
func (g *GarbageCollector) purgeRecord(ctx context.Context, rec *model.FileRecord, result *model.GCResult) error {
	refs, err := g.content.Release(ctx, rec.ContentHash)
	switch {
	case errors.Is(err, ErrNotFound):
		// Content already gone; still drop the metadata row.
		g.logger.Warn("content missing during gc", "stable_id", rec.StableID, "hash", rec.ContentHash)
	case err != nil:
		return fmt.Errorf("releasing content: %w", err)
	case refs == 0:
		if err := g.content.Remove(ctx, rec.ContentHash); err != nil {
			return fmt.Errorf("removing content: %w", err)
		}
		result.BytesFreed += rec.Size
	}

	if err := g.repo.HardDelete(ctx, rec.StableID); err != nil {
		return fmt.Errorf("deleting record: %w", err)
	}
	result.PurgedCount++
	return nil
}
