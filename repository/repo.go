package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"edge-recorder/constant"
	"edge-recorder/entities"
)

// IndexFilename is the store's on-disk file under the base directory. The
// format is opaque to callers.
const IndexFilename = ".index"

// SyncPatch mutates only the sync-related columns of a fragment. Nil fields
// are left untouched.
type SyncPatch struct {
	Status             *constant.SyncStatus
	ProgressPct        *int
	UploadURL          *string
	UploadURLExpiresAt *int64
	LastError          *string
	ClearError         bool
	RetryCount         *int
	Deleted            *bool
}

type Store interface {
	PutRecording(ctx context.Context, recording *entities.Recording) error
	GetRecording(ctx context.Context, id uuid.UUID) (*entities.Recording, error)
	CurrentRecording(ctx context.Context) (*entities.Recording, error)
	UpdateRecordingStatus(ctx context.Context, id uuid.UUID, status constant.RecordingStatus) error
	InsertFragment(ctx context.Context, fragment *entities.Fragment) error
	UpdateFragmentSync(ctx context.Context, recordingID uuid.UUID, index int64, patch SyncPatch) error
	ListReadyForSync(ctx context.Context, limit int) ([]*entities.Fragment, error)
	FragmentsForRecording(ctx context.Context, recordingID uuid.UUID) ([]*entities.Fragment, error)
	FinalizeRecording(ctx context.Context, recordingID uuid.UUID) error
	CountUploads(ctx context.Context) (queued int64, inProgress int64, err error)
	ListDeletable(ctx context.Context, limit int) ([]*entities.Fragment, error)
	Close() error
}

type store struct {
	db    *gorm.DB
	stall time.Duration
	now   func() time.Time
}

// NewStore opens (or creates) the index file and owns the handle for the
// process lifetime. WAL mode plus synchronous=FULL keeps the last committed
// transaction intact across power loss.
func NewStore(path string, stallThreshold time.Duration) (Store, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Join(ErrStorageIO, err)
	}

	if err := db.AutoMigrate(&entities.Recording{}, &entities.Fragment{}); err != nil {
		return nil, errors.Join(ErrStorageIO, err)
	}

	return &store{
		db:    db,
		stall: stallThreshold,
		now:   time.Now,
	}, nil
}

func (s *store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return errors.Join(ErrStorageIO, err)
	}
	return sqlDB.Close()
}

func (s *store) PutRecording(ctx context.Context, recording *entities.Recording) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing := &entities.Recording{}
		err := tx.First(existing, "id = ?", recording.ID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// At most one recording is live; a new one may not be created
			// while another is still pending or recording.
			var live int64
			countErr := tx.Model(&entities.Recording{}).
				Where("status IN ?", []constant.RecordingStatus{
					constant.RecordingStatusPending, constant.RecordingStatusRecording,
				}).
				Count(&live).Error
			if countErr != nil {
				return errors.Join(ErrStorageIO, countErr)
			}
			if live > 0 {
				return fmt.Errorf("%w: another recording is still live", ErrStorageConflict)
			}
			if createErr := tx.Create(recording).Error; createErr != nil {
				return errors.Join(ErrStorageIO, createErr)
			}
			return nil
		}
		if err != nil {
			return errors.Join(ErrStorageIO, err)
		}

		if recording.Status.Rank() < existing.Status.Rank() {
			return fmt.Errorf("%w: recording %s status %s -> %s", ErrStorageConflict,
				recording.ID, existing.Status, recording.Status)
		}
		if err := tx.Save(recording).Error; err != nil {
			return errors.Join(ErrStorageIO, err)
		}
		return nil
	})
}

func (s *store) GetRecording(ctx context.Context, id uuid.UUID) (*entities.Recording, error) {
	recording := &entities.Recording{}
	err := s.db.WithContext(ctx).First(recording, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Join(ErrStorageIO, err)
	}
	return recording, nil
}

// CurrentRecording returns the recording still owning the capture pipeline
// (pending or recording), or nil when none is active.
func (s *store) CurrentRecording(ctx context.Context) (*entities.Recording, error) {
	recording := &entities.Recording{}
	err := s.db.WithContext(ctx).
		Where("status IN ?", []constant.RecordingStatus{constant.RecordingStatusPending, constant.RecordingStatusRecording}).
		Order("created_at DESC").
		First(recording).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Join(ErrStorageIO, err)
	}
	return recording, nil
}

func (s *store) UpdateRecordingStatus(ctx context.Context, id uuid.UUID, status constant.RecordingStatus) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return updateRecordingStatusTx(tx, id, status)
	})
}

func updateRecordingStatusTx(tx *gorm.DB, id uuid.UUID, status constant.RecordingStatus) error {
	recording := &entities.Recording{}
	err := tx.First(recording, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: recording %s", ErrMissingParent, id)
	}
	if err != nil {
		return errors.Join(ErrStorageIO, err)
	}
	if status.Rank() < recording.Status.Rank() {
		return fmt.Errorf("%w: recording %s status %s -> %s", ErrStorageConflict,
			id, recording.Status, status)
	}
	if err := tx.Model(recording).Update("status", status).Error; err != nil {
		return errors.Join(ErrStorageIO, err)
	}
	return nil
}

// InsertFragment appends a fragment at the next index in a single
// transaction. The parent's sequence counter enforces gap-freedom, and a
// pending recording is promoted to recording on its first fragment.
func (s *store) InsertFragment(ctx context.Context, fragment *entities.Fragment) error {
	if fragment.SizeBytes <= 0 {
		return fmt.Errorf("%w: fragment %s/%d has size %d", ErrInvariantViolation,
			fragment.RecordingID, fragment.Index, fragment.SizeBytes)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		recording := &entities.Recording{}
		err := tx.First(recording, "id = ?", fragment.RecordingID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: recording %s", ErrMissingParent, fragment.RecordingID)
		}
		if err != nil {
			return errors.Join(ErrStorageIO, err)
		}

		var count int64
		err = tx.Model(&entities.Fragment{}).
			Where("recording_id = ? AND idx = ?", fragment.RecordingID, fragment.Index).
			Count(&count).Error
		if err != nil {
			return errors.Join(ErrStorageIO, err)
		}
		if count > 0 {
			return fmt.Errorf("%w: fragment %s/%d", ErrDuplicateKey, fragment.RecordingID, fragment.Index)
		}

		if fragment.Index != recording.NextIndex {
			return fmt.Errorf("%w: fragment index %d, expected %d", ErrInvariantViolation,
				fragment.Index, recording.NextIndex)
		}

		fragment.SyncStatus = constant.SyncStatusPending
		fragment.SyncProgressPct = 0
		fragment.LastProgressAt = s.now().UnixMilli()
		if err := tx.Create(fragment).Error; err != nil {
			return errors.Join(ErrStorageIO, err)
		}

		updates := map[string]interface{}{"next_index": recording.NextIndex + 1}
		if recording.Status == constant.RecordingStatusPending {
			updates["status"] = constant.RecordingStatusRecording
		}
		if err := tx.Model(recording).Updates(updates).Error; err != nil {
			return errors.Join(ErrStorageIO, err)
		}
		return nil
	})
}

func (s *store) UpdateFragmentSync(ctx context.Context, recordingID uuid.UUID, index int64, patch SyncPatch) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fragment := &entities.Fragment{}
		err := tx.First(fragment, "recording_id = ? AND idx = ?", recordingID, index).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: fragment %s/%d", ErrMissingParent, recordingID, index)
		}
		if err != nil {
			return errors.Join(ErrStorageIO, err)
		}

		updates := map[string]interface{}{"last_progress_at": s.now().UnixMilli()}
		if patch.Status != nil {
			if patch.Status.Rank() < fragment.SyncStatus.Rank() ||
				(fragment.SyncStatus.Terminal() && *patch.Status != fragment.SyncStatus) {
				return fmt.Errorf("%w: fragment %s/%d sync %s -> %s", ErrIllegalTransition,
					recordingID, index, fragment.SyncStatus, *patch.Status)
			}
			updates["sync_status"] = *patch.Status
		}
		if patch.ProgressPct != nil {
			pct := *patch.ProgressPct
			if pct < 0 || pct > 100 {
				return fmt.Errorf("%w: progress %d%%", ErrInvariantViolation, pct)
			}
			updates["sync_progress_pct"] = pct
		}
		if patch.UploadURL != nil {
			updates["upload_url"] = *patch.UploadURL
		}
		if patch.UploadURLExpiresAt != nil {
			updates["upload_url_expires_at"] = *patch.UploadURLExpiresAt
		}
		if patch.LastError != nil {
			updates["last_error"] = *patch.LastError
		} else if patch.ClearError {
			updates["last_error"] = nil
		}
		if patch.RetryCount != nil {
			updates["retry_count"] = *patch.RetryCount
		}
		if patch.Deleted != nil {
			updates["deleted"] = *patch.Deleted
		}

		// Scope the update explicitly: gorm drops zero-valued primary keys
		// from a Model-derived WHERE, and index 0 is a legal key here.
		err = tx.Model(&entities.Fragment{}).
			Where("recording_id = ? AND idx = ?", recordingID, index).
			Updates(updates).Error
		if err != nil {
			return errors.Join(ErrStorageIO, err)
		}
		return nil
	})
}

// ListReadyForSync returns pending fragments plus in-progress fragments whose
// last progress update predates the stall threshold, ordered by
// (recording_id, index).
func (s *store) ListReadyForSync(ctx context.Context, limit int) ([]*entities.Fragment, error) {
	stallBefore := s.now().Add(-s.stall).UnixMilli()
	var fragments []*entities.Fragment
	err := s.db.WithContext(ctx).
		Where("sync_status = ?", constant.SyncStatusPending).
		Or(s.db.Where("sync_status = ? AND last_progress_at < ?", constant.SyncStatusInProgress, stallBefore)).
		Order("recording_id ASC, idx ASC").
		Limit(limit).
		Find(&fragments).Error
	if err != nil {
		return nil, errors.Join(ErrStorageIO, err)
	}
	return fragments, nil
}

func (s *store) FragmentsForRecording(ctx context.Context, recordingID uuid.UUID) ([]*entities.Fragment, error) {
	var fragments []*entities.Fragment
	err := s.db.WithContext(ctx).
		Where("recording_id = ?", recordingID).
		Order("idx ASC").
		Find(&fragments).Error
	if err != nil {
		return nil, errors.Join(ErrStorageIO, err)
	}
	return fragments, nil
}

// FinalizeRecording transitions the recording to finalized once every
// fragment reached a terminal sync state; fails with ErrStorageConflict
// otherwise.
func (s *store) FinalizeRecording(ctx context.Context, recordingID uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var open int64
		err := tx.Model(&entities.Fragment{}).
			Where("recording_id = ? AND sync_status NOT IN ?", recordingID,
				[]constant.SyncStatus{constant.SyncStatusDone, constant.SyncStatusFailed}).
			Count(&open).Error
		if err != nil {
			return errors.Join(ErrStorageIO, err)
		}
		if open > 0 {
			return fmt.Errorf("%w: recording %s has %d fragments not in a terminal sync state",
				ErrStorageConflict, recordingID, open)
		}
		return updateRecordingStatusTx(tx, recordingID, constant.RecordingStatusFinalized)
	})
}

func (s *store) CountUploads(ctx context.Context) (int64, int64, error) {
	var queued, inProgress int64
	err := s.db.WithContext(ctx).Model(&entities.Fragment{}).
		Where("sync_status = ?", constant.SyncStatusPending).
		Count(&queued).Error
	if err != nil {
		return 0, 0, errors.Join(ErrStorageIO, err)
	}
	err = s.db.WithContext(ctx).Model(&entities.Fragment{}).
		Where("sync_status = ?", constant.SyncStatusInProgress).
		Count(&inProgress).Error
	if err != nil {
		return 0, 0, errors.Join(ErrStorageIO, err)
	}
	return queued, inProgress, nil
}

// ListDeletable returns synced fragments whose local file is still present.
func (s *store) ListDeletable(ctx context.Context, limit int) ([]*entities.Fragment, error) {
	var fragments []*entities.Fragment
	err := s.db.WithContext(ctx).
		Where("sync_status = ? AND deleted = ?", constant.SyncStatusDone, false).
		Order("recording_id ASC, idx ASC").
		Limit(limit).
		Find(&fragments).Error
	if err != nil {
		return nil, errors.Join(ErrStorageIO, err)
	}
	return fragments, nil
}
