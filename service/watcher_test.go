package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"edge-recorder/constant"
	"edge-recorder/pkg/gstpipeline"
	"edge-recorder/repository"
)

func writeFragmentFile(t *testing.T, dir string, name string, size int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func closedEvent(filename string, index int64) gstpipeline.Event {
	return gstpipeline.Event{
		Type:     gstpipeline.EventFragmentClosed,
		Fragment: gstpipeline.FragmentClosed{Filename: filename, Index: index, RunningTime: index * 60e9},
	}
}

func TestWatcherPersistsFragmentsInOrder(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := newTestStore(t, time.Minute)
	bus := &fakeBus{}
	recording := newTestRecording(t, store, dir)

	events := make(chan gstpipeline.Event, 8)
	for i := int64(0); i < 3; i++ {
		events <- closedEvent(writeFragmentFile(t, dir, fmt.Sprintf("%05d.mp4", i), 1024), i)
	}
	events <- gstpipeline.Event{Type: gstpipeline.EventEndOfStream}
	close(events)

	if err := NewWatcher(store, bus).Watch(ctx, recording.ID, events); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	fragments, err := store.FragmentsForRecording(ctx, recording.ID)
	if err != nil {
		t.Fatalf("FragmentsForRecording: %v", err)
	}
	if len(fragments) != 3 {
		t.Fatalf("expected 3 fragments, got %d", len(fragments))
	}
	for i, f := range fragments {
		if f.Index != int64(i) || f.SizeBytes != 1024 {
			t.Fatalf("unexpected fragment %d: index=%d size=%d", i, f.Index, f.SizeBytes)
		}
	}

	subjects := bus.subjects()
	want := []string{
		"recording." + recording.ID.String() + ".fragment.created",
		"recording." + recording.ID.String() + ".fragment.created",
		"recording." + recording.ID.String() + ".fragment.created",
		"recording." + recording.ID.String() + ".ended",
	}
	if len(subjects) != len(want) {
		t.Fatalf("expected %d messages, got %v", len(want), subjects)
	}
	for i := range want {
		if subjects[i] != want[i] {
			t.Fatalf("message %d: expected %s, got %s", i, want[i], subjects[i])
		}
	}
}

func TestWatcherDropsDuplicateEvents(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := newTestStore(t, time.Minute)
	bus := &fakeBus{}
	recording := newTestRecording(t, store, dir)

	path := writeFragmentFile(t, dir, "00000.mp4", 1024)
	events := make(chan gstpipeline.Event, 8)
	events <- closedEvent(path, 0)
	events <- closedEvent(path, 0)
	events <- gstpipeline.Event{Type: gstpipeline.EventEndOfStream}
	close(events)

	if err := NewWatcher(store, bus).Watch(ctx, recording.ID, events); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	fragments, _ := store.FragmentsForRecording(ctx, recording.ID)
	if len(fragments) != 1 {
		t.Fatalf("expected exactly one row, got %d", len(fragments))
	}
	if got := bus.countSuffix(".fragment.created"); got != 1 {
		t.Fatalf("expected exactly one created event, got %d", got)
	}
}

func TestWatcherDropsMissingFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := newTestStore(t, time.Minute)
	bus := &fakeBus{}
	recording := newTestRecording(t, store, dir)

	events := make(chan gstpipeline.Event, 4)
	events <- closedEvent(filepath.Join(dir, "gone.mp4"), 0)
	events <- gstpipeline.Event{Type: gstpipeline.EventEndOfStream}
	close(events)

	if err := NewWatcher(store, bus).Watch(ctx, recording.ID, events); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	fragments, _ := store.FragmentsForRecording(ctx, recording.ID)
	if len(fragments) != 0 {
		t.Fatalf("expected no rows for a lost fragment, got %d", len(fragments))
	}
	if got := bus.countSuffix(".fragment.created"); got != 0 {
		t.Fatalf("expected no created event, got %d", got)
	}
}

func TestWatcherSurfacesInvariantViolation(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := newTestStore(t, time.Minute)
	bus := &fakeBus{}
	recording := newTestRecording(t, store, dir)

	// Index 1 without index 0 is a sequence gap.
	events := make(chan gstpipeline.Event, 4)
	events <- closedEvent(writeFragmentFile(t, dir, "00001.mp4", 1024), 1)
	close(events)

	err := NewWatcher(store, bus).Watch(ctx, recording.ID, events)
	if !errors.Is(err, repository.ErrInvariantViolation) {
		t.Fatalf("expected invariant violation to surface, got %v", err)
	}
}

func TestWatcherPublishesAbortedOnPipelineError(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := newTestStore(t, time.Minute)
	bus := &fakeBus{}
	recording := newTestRecording(t, store, dir)

	pipelineErr := &gstpipeline.PipelineError{Source: "v4l2src0", Description: "could not negotiate format"}
	events := make(chan gstpipeline.Event, 4)
	events <- closedEvent(writeFragmentFile(t, dir, "00000.mp4", 1024), 0)
	events <- gstpipeline.Event{Type: gstpipeline.EventError, Err: pipelineErr}
	close(events)

	err := NewWatcher(store, bus).Watch(ctx, recording.ID, events)
	if !errors.Is(err, pipelineErr) {
		t.Fatalf("expected pipeline error to surface, got %v", err)
	}

	if got := bus.countSuffix(".aborted"); got != 1 {
		t.Fatalf("expected one aborted event, got %d", got)
	}
	// The closed fragment before the error stays eligible for upload.
	fragments, _ := store.FragmentsForRecording(ctx, recording.ID)
	if len(fragments) != 1 || fragments[0].SyncStatus != constant.SyncStatusPending {
		t.Fatalf("expected fragment 0 pending after abort, got %v", fragments)
	}
}
