package repository

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"edge-recorder/constant"
	"edge-recorder/entities"
)

func newTestStore(t *testing.T, stall time.Duration) Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), IndexFilename), stall)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newRecording(t *testing.T, store Store) *entities.Recording {
	t.Helper()
	recording := &entities.Recording{
		ID:            uuid.New(),
		CreatedAt:     time.Now().Unix(),
		Status:        constant.RecordingStatusPending,
		BaseDirectory: "/tmp/recordings",
	}
	if err := store.PutRecording(context.Background(), recording); err != nil {
		t.Fatalf("PutRecording: %v", err)
	}
	return recording
}

func testFragment(recordingID uuid.UUID, index int64) *entities.Fragment {
	return &entities.Fragment{
		RecordingID: recordingID,
		Index:       index,
		Filename:    "/tmp/recordings/frag.mp4",
		SizeBytes:   1 << 20,
	}
}

func TestInsertFragmentSequence(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, time.Minute)
	recording := newRecording(t, store)

	for i := int64(0); i < 3; i++ {
		if err := store.InsertFragment(ctx, testFragment(recording.ID, i)); err != nil {
			t.Fatalf("InsertFragment(%d): %v", i, err)
		}
	}

	// First fragment promotes the recording.
	got, err := store.GetRecording(ctx, recording.ID)
	if err != nil {
		t.Fatalf("GetRecording: %v", err)
	}
	if got.Status != constant.RecordingStatusRecording {
		t.Fatalf("expected status RECORDING, got %s", got.Status)
	}
	if got.NextIndex != 3 {
		t.Fatalf("expected next index 3, got %d", got.NextIndex)
	}

	fragments, err := store.FragmentsForRecording(ctx, recording.ID)
	if err != nil {
		t.Fatalf("FragmentsForRecording: %v", err)
	}
	if len(fragments) != 3 {
		t.Fatalf("expected 3 fragments, got %d", len(fragments))
	}
	for i, f := range fragments {
		if f.Index != int64(i) {
			t.Fatalf("expected gap-free indices, got %d at position %d", f.Index, i)
		}
		if f.SyncStatus != constant.SyncStatusPending {
			t.Fatalf("expected new fragment pending, got %s", f.SyncStatus)
		}
	}
}

func TestInsertFragmentRejectsGap(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, time.Minute)
	recording := newRecording(t, store)

	if err := store.InsertFragment(ctx, testFragment(recording.ID, 0)); err != nil {
		t.Fatalf("InsertFragment(0): %v", err)
	}
	err := store.InsertFragment(ctx, testFragment(recording.ID, 2))
	if !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("expected ErrInvariantViolation for index gap, got %v", err)
	}
}

func TestInsertFragmentRejectsDuplicate(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, time.Minute)
	recording := newRecording(t, store)

	if err := store.InsertFragment(ctx, testFragment(recording.ID, 0)); err != nil {
		t.Fatalf("InsertFragment: %v", err)
	}
	err := store.InsertFragment(ctx, testFragment(recording.ID, 0))
	if !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}

	fragments, _ := store.FragmentsForRecording(ctx, recording.ID)
	if len(fragments) != 1 {
		t.Fatalf("expected exactly one row, got %d", len(fragments))
	}
}

func TestInsertFragmentRejectsMissingParent(t *testing.T) {
	store := newTestStore(t, time.Minute)
	err := store.InsertFragment(context.Background(), testFragment(uuid.New(), 0))
	if !errors.Is(err, ErrMissingParent) {
		t.Fatalf("expected ErrMissingParent, got %v", err)
	}
}

func TestInsertFragmentRejectsEmptyFile(t *testing.T) {
	store := newTestStore(t, time.Minute)
	recording := newRecording(t, store)

	fragment := testFragment(recording.ID, 0)
	fragment.SizeBytes = 0
	err := store.InsertFragment(context.Background(), fragment)
	if !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("expected ErrInvariantViolation for empty fragment, got %v", err)
	}
}

func syncStatus(s constant.SyncStatus) *constant.SyncStatus { return &s }

func TestSyncTransitionsFollowDAG(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, time.Minute)
	recording := newRecording(t, store)
	if err := store.InsertFragment(ctx, testFragment(recording.ID, 0)); err != nil {
		t.Fatalf("InsertFragment: %v", err)
	}

	steps := []constant.SyncStatus{constant.SyncStatusInProgress, constant.SyncStatusDone}
	for _, status := range steps {
		if err := store.UpdateFragmentSync(ctx, recording.ID, 0, SyncPatch{Status: syncStatus(status)}); err != nil {
			t.Fatalf("transition to %s: %v", status, err)
		}
	}

	// done is terminal in both directions.
	for _, status := range []constant.SyncStatus{constant.SyncStatusPending, constant.SyncStatusInProgress, constant.SyncStatusFailed} {
		err := store.UpdateFragmentSync(ctx, recording.ID, 0, SyncPatch{Status: syncStatus(status)})
		if !errors.Is(err, ErrIllegalTransition) {
			t.Fatalf("expected ErrIllegalTransition for done -> %s, got %v", status, err)
		}
	}
}

func TestListReadyForSync(t *testing.T) {
	ctx := context.Background()
	stall := 50 * time.Millisecond
	store := newTestStore(t, stall)
	recording := newRecording(t, store)

	for i := int64(0); i < 3; i++ {
		if err := store.InsertFragment(ctx, testFragment(recording.ID, i)); err != nil {
			t.Fatalf("InsertFragment(%d): %v", i, err)
		}
	}

	// Fragment 0 is freshly in progress, 1 is done, 2 stays pending.
	if err := store.UpdateFragmentSync(ctx, recording.ID, 0, SyncPatch{Status: syncStatus(constant.SyncStatusInProgress)}); err != nil {
		t.Fatalf("UpdateFragmentSync: %v", err)
	}
	if err := store.UpdateFragmentSync(ctx, recording.ID, 1, SyncPatch{Status: syncStatus(constant.SyncStatusInProgress)}); err != nil {
		t.Fatalf("UpdateFragmentSync: %v", err)
	}
	if err := store.UpdateFragmentSync(ctx, recording.ID, 1, SyncPatch{Status: syncStatus(constant.SyncStatusDone)}); err != nil {
		t.Fatalf("UpdateFragmentSync: %v", err)
	}

	ready, err := store.ListReadyForSync(ctx, 10)
	if err != nil {
		t.Fatalf("ListReadyForSync: %v", err)
	}
	if len(ready) != 1 || ready[0].Index != 2 {
		t.Fatalf("expected only pending fragment 2, got %v", indices(ready))
	}

	// After the stall threshold the in-progress fragment is recovered too.
	time.Sleep(2 * stall)
	ready, err = store.ListReadyForSync(ctx, 10)
	if err != nil {
		t.Fatalf("ListReadyForSync: %v", err)
	}
	if len(ready) != 2 || ready[0].Index != 0 || ready[1].Index != 2 {
		t.Fatalf("expected stalled fragment 0 and pending fragment 2, got %v", indices(ready))
	}
}

func indices(fragments []*entities.Fragment) []int64 {
	out := make([]int64, 0, len(fragments))
	for _, f := range fragments {
		out = append(out, f.Index)
	}
	return out
}

func TestFinalizeRecording(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, time.Minute)
	recording := newRecording(t, store)
	if err := store.InsertFragment(ctx, testFragment(recording.ID, 0)); err != nil {
		t.Fatalf("InsertFragment: %v", err)
	}

	err := store.FinalizeRecording(ctx, recording.ID)
	if !errors.Is(err, ErrStorageConflict) {
		t.Fatalf("expected ErrStorageConflict with a pending fragment, got %v", err)
	}

	if err := store.UpdateFragmentSync(ctx, recording.ID, 0, SyncPatch{Status: syncStatus(constant.SyncStatusInProgress)}); err != nil {
		t.Fatalf("UpdateFragmentSync: %v", err)
	}
	if err := store.UpdateFragmentSync(ctx, recording.ID, 0, SyncPatch{Status: syncStatus(constant.SyncStatusDone)}); err != nil {
		t.Fatalf("UpdateFragmentSync: %v", err)
	}
	if err := store.FinalizeRecording(ctx, recording.ID); err != nil {
		t.Fatalf("FinalizeRecording: %v", err)
	}

	got, _ := store.GetRecording(ctx, recording.ID)
	if got.Status != constant.RecordingStatusFinalized {
		t.Fatalf("expected FINALIZED, got %s", got.Status)
	}

	// Status may not regress.
	got.Status = constant.RecordingStatusRecording
	err = store.PutRecording(ctx, got)
	if !errors.Is(err, ErrStorageConflict) {
		t.Fatalf("expected ErrStorageConflict on finalized -> recording, got %v", err)
	}
}

func TestRecoveryAfterReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, IndexFilename)

	store, err := NewStore(path, time.Minute)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	recording := newRecording(t, store)
	if err := store.InsertFragment(ctx, testFragment(recording.ID, 0)); err != nil {
		t.Fatalf("InsertFragment: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := NewStore(path, time.Minute)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	ready, err := reopened.ListReadyForSync(ctx, 10)
	if err != nil {
		t.Fatalf("ListReadyForSync: %v", err)
	}
	if len(ready) != 1 || ready[0].Index != 0 {
		t.Fatalf("expected the pending fragment to survive reopen, got %v", indices(ready))
	}

	current, err := reopened.CurrentRecording(ctx)
	if err != nil {
		t.Fatalf("CurrentRecording: %v", err)
	}
	if current == nil || current.ID != recording.ID {
		t.Fatalf("expected active recording to survive reopen")
	}
}

func TestCountUploads(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, time.Minute)
	recording := newRecording(t, store)

	for i := int64(0); i < 3; i++ {
		if err := store.InsertFragment(ctx, testFragment(recording.ID, i)); err != nil {
			t.Fatalf("InsertFragment(%d): %v", i, err)
		}
	}
	if err := store.UpdateFragmentSync(ctx, recording.ID, 0, SyncPatch{Status: syncStatus(constant.SyncStatusInProgress)}); err != nil {
		t.Fatalf("UpdateFragmentSync: %v", err)
	}

	queued, inProgress, err := store.CountUploads(ctx)
	if err != nil {
		t.Fatalf("CountUploads: %v", err)
	}
	if queued != 2 || inProgress != 1 {
		t.Fatalf("expected 2 queued / 1 in progress, got %d / %d", queued, inProgress)
	}
}

func TestSyncUpdateTouchesOnlyTheAddressedFragment(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, time.Minute)
	recording := newRecording(t, store)

	for i := int64(0); i < 3; i++ {
		if err := store.InsertFragment(ctx, testFragment(recording.ID, i)); err != nil {
			t.Fatalf("InsertFragment(%d): %v", i, err)
		}
	}

	// Index 0 is a zero-valued key; the update must still hit one row.
	pct := 40
	msg := "connection reset"
	patch := SyncPatch{
		Status:      syncStatus(constant.SyncStatusInProgress),
		ProgressPct: &pct,
		LastError:   &msg,
	}
	if err := store.UpdateFragmentSync(ctx, recording.ID, 0, patch); err != nil {
		t.Fatalf("UpdateFragmentSync: %v", err)
	}

	fragments, err := store.FragmentsForRecording(ctx, recording.ID)
	if err != nil {
		t.Fatalf("FragmentsForRecording: %v", err)
	}
	for _, f := range fragments {
		if f.Index == 0 {
			if f.SyncStatus != constant.SyncStatusInProgress || f.SyncProgressPct != 40 || f.LastError == nil {
				t.Fatalf("fragment 0 not updated: %+v", f)
			}
			continue
		}
		if f.SyncStatus != constant.SyncStatusPending || f.SyncProgressPct != 0 || f.LastError != nil {
			t.Fatalf("sibling fragment %d was touched: %+v", f.Index, f)
		}
	}
}

func TestPutRecordingRejectsSecondLiveRecording(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, time.Minute)
	first := newRecording(t, store)

	second := &entities.Recording{
		ID:            uuid.New(),
		CreatedAt:     time.Now().Unix(),
		Status:        constant.RecordingStatusPending,
		BaseDirectory: "/tmp/recordings",
	}
	err := store.PutRecording(ctx, second)
	if !errors.Is(err, ErrStorageConflict) {
		t.Fatalf("expected ErrStorageConflict while %s is live, got %v", first.ID, err)
	}

	if err := store.UpdateRecordingStatus(ctx, first.ID, constant.RecordingStatusAborted); err != nil {
		t.Fatalf("UpdateRecordingStatus: %v", err)
	}
	if err := store.PutRecording(ctx, second); err != nil {
		t.Fatalf("PutRecording after first recording ended: %v", err)
	}
}
