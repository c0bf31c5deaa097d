package service

import (
	"context"
	"os"
	"testing"
	"time"

	"edge-recorder/constant"
	"edge-recorder/entities"
	"edge-recorder/repository"
)

func TestRetentionSweepRemovesSyncedFiles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := newTestStore(t, time.Minute)
	recording := newTestRecording(t, store, dir)

	fragment := &entities.Fragment{
		RecordingID: recording.ID,
		Index:       0,
		Filename:    writeFragmentFile(t, dir, "00000.mp4", 512),
		SizeBytes:   512,
	}
	if err := store.InsertFragment(ctx, fragment); err != nil {
		t.Fatalf("InsertFragment: %v", err)
	}

	retention := NewRetention(store, time.Minute)

	// A pending fragment is untouched.
	retention.sweep(ctx)
	if _, err := os.Stat(fragment.Filename); err != nil {
		t.Fatalf("pending fragment file must survive the sweep: %v", err)
	}

	inProgress := constant.SyncStatusInProgress
	done := constant.SyncStatusDone
	if err := store.UpdateFragmentSync(ctx, fragment.RecordingID, fragment.Index, repository.SyncPatch{Status: &inProgress}); err != nil {
		t.Fatalf("UpdateFragmentSync: %v", err)
	}
	if err := store.UpdateFragmentSync(ctx, fragment.RecordingID, fragment.Index, repository.SyncPatch{Status: &done}); err != nil {
		t.Fatalf("UpdateFragmentSync: %v", err)
	}

	retention.sweep(ctx)
	if _, err := os.Stat(fragment.Filename); !os.IsNotExist(err) {
		t.Fatalf("expected file removed, stat err: %v", err)
	}

	deletable, err := store.ListDeletable(ctx, 10)
	if err != nil {
		t.Fatalf("ListDeletable: %v", err)
	}
	if len(deletable) != 0 {
		t.Fatalf("swept fragment must not be listed again, got %d", len(deletable))
	}
}

func TestRetentionDisabledByZeroInterval(t *testing.T) {
	store := newTestStore(t, time.Minute)
	retention := NewRetention(store, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	finished := make(chan struct{})
	go func() {
		retention.Run(ctx)
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("Run with zero interval must return immediately")
	}
}
