package service

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"edge-recorder/constant"
	"edge-recorder/entities"
	"edge-recorder/pkg/eventbus"
	"edge-recorder/pkg/gstpipeline"
	"edge-recorder/repository"
)

type publishedMessage struct {
	subject string
	payload interface{}
}

type fakeBus struct {
	mu        sync.Mutex
	published []publishedMessage
}

func (b *fakeBus) Publish(subject string, payload interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, publishedMessage{subject: subject, payload: payload})
	return nil
}

func (b *fakeBus) Subscribe(ctx context.Context, pattern string) (<-chan eventbus.Message, error) {
	ch := make(chan eventbus.Message)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (b *fakeBus) Request(ctx context.Context, subject string, payload interface{}, timeout time.Duration) ([]byte, error) {
	return nil, eventbus.ErrNoResponder
}

func (b *fakeBus) Respond(ctx context.Context, subject string, handler func(ctx context.Context, msg eventbus.Message) (interface{}, error)) error {
	return nil
}

func (b *fakeBus) subjects() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.published))
	for _, m := range b.published {
		out = append(out, m.subject)
	}
	return out
}

func (b *fakeBus) countSuffix(suffix string) int {
	n := 0
	for _, subject := range b.subjects() {
		if strings.HasSuffix(subject, suffix) {
			n++
		}
	}
	return n
}

type fakeRun struct {
	events    chan gstpipeline.Event
	fragments int64

	mu      sync.Mutex
	stopped bool
}

func newFakeRun() *fakeRun {
	return &fakeRun{events: make(chan gstpipeline.Event, 64)}
}

func (r *fakeRun) Events() <-chan gstpipeline.Event {
	return r.events
}

func (r *fakeRun) Stop(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.stopped {
		r.stopped = true
		r.events <- gstpipeline.Event{Type: gstpipeline.EventEndOfStream}
		close(r.events)
	}
	return r.fragments, nil
}

type fakePipeline struct {
	run      *fakeRun
	startErr error

	mu        sync.Mutex
	started   []uuid.UUID
	overrides []map[string]string
}

func (p *fakePipeline) Start(ctx context.Context, recordingID uuid.UUID, baseDirectory string, overrides map[string]string) (PipelineRun, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startErr != nil {
		return nil, p.startErr
	}
	p.started = append(p.started, recordingID)
	p.overrides = append(p.overrides, overrides)
	return p.run, nil
}

func newTestStore(t *testing.T, stall time.Duration) repository.Store {
	t.Helper()
	store, err := repository.NewStore(filepath.Join(t.TempDir(), repository.IndexFilename), stall)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestRecording(t *testing.T, store repository.Store, baseDir string) *entities.Recording {
	t.Helper()
	recording := &entities.Recording{
		ID:            uuid.New(),
		CreatedAt:     time.Now().Unix(),
		Status:        constant.RecordingStatusPending,
		BaseDirectory: baseDir,
	}
	if err := store.PutRecording(context.Background(), recording); err != nil {
		t.Fatalf("PutRecording: %v", err)
	}
	return recording
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
