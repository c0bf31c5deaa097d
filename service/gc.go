package service

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"time"

	"github.com/rs/zerolog"

	"edge-recorder/repository"
)

// Retention deletes local fragment files once their bytes are safely in the
// object store (sync_status = done), marking the rows deleted. Disabled when
// interval is zero; deletion then stays with an external collaborator.
type Retention struct {
	store    repository.Store
	interval time.Duration
}

func NewRetention(store repository.Store, interval time.Duration) *Retention {
	return &Retention{store: store, interval: interval}
}

// Run sweeps periodically until ctx is cancelled. It blocks.
func (r *Retention) Run(ctx context.Context) {
	if r.interval <= 0 {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Retention) sweep(ctx context.Context) {
	fragments, err := r.store.ListDeletable(ctx, 64)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("retention sweep listing failed")
		return
	}

	for _, fragment := range fragments {
		if err := os.Remove(fragment.Filename); err != nil && !errors.Is(err, fs.ErrNotExist) {
			zerolog.Ctx(ctx).Warn().Err(err).Str("filename", fragment.Filename).
				Msg("failed to remove synced fragment file")
			continue
		}
		deleted := true
		patch := repository.SyncPatch{Deleted: &deleted}
		if err := r.store.UpdateFragmentSync(ctx, fragment.RecordingID, fragment.Index, patch); err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Str("filename", fragment.Filename).
				Msg("failed to mark fragment deleted")
			continue
		}
		zerolog.Ctx(ctx).Debug().Str("filename", fragment.Filename).Msg("synced fragment removed")
	}
}
