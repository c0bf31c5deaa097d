package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"edge-recorder/config"
	"edge-recorder/constant"
	"edge-recorder/dto"
	"edge-recorder/entities"
	"edge-recorder/pkg/eventbus"
	"edge-recorder/pkg/gstpipeline"
	"edge-recorder/repository"
)

var (
	ErrAlreadyRecording = errors.New("AlreadyRecording")
	ErrNotRecording     = errors.New("NotRecording")
)

// Pipeline abstracts the capture pipeline for the coordinator. Overrides
// carry the per-start capture parameters from the start request.
type Pipeline interface {
	Start(ctx context.Context, recordingID uuid.UUID, baseDirectory string, overrides map[string]string) (PipelineRun, error)
}

// PipelineRun is one pipeline lifetime: a finite event stream plus teardown.
type PipelineRun interface {
	Events() <-chan gstpipeline.Event
	Stop(ctx context.Context) (int64, error)
}

// GstPipeline adapts the gstreamer controller to the Pipeline seam.
type GstPipeline struct {
	Controller gstpipeline.Controller
}

func (p GstPipeline) Start(ctx context.Context, recordingID uuid.UUID, baseDirectory string, overrides map[string]string) (PipelineRun, error) {
	handle, err := p.Controller.Start(ctx, recordingID, baseDirectory, overrides)
	if err != nil {
		return nil, err
	}
	return handle, nil
}

// Coordinator is the top-level state machine: it owns recording lifecycle
// transitions and ties the pipeline, watcher, store and bus together. Only
// one recording is active at a time.
type Coordinator struct {
	cfg      *config.Config
	store    repository.Store
	bus      eventbus.Bus
	pipeline Pipeline
	watcher  *Watcher
	poll     time.Duration

	mu     sync.Mutex
	active *activeRecording
}

type activeRecording struct {
	id        uuid.UUID
	run       PipelineRun
	watchDone chan error
}

func NewCoordinator(cfg *config.Config, store repository.Store, bus eventbus.Bus, pipeline Pipeline) *Coordinator {
	return &Coordinator{
		cfg:      cfg,
		store:    store,
		bus:      bus,
		pipeline: pipeline,
		watcher:  NewWatcher(store, bus),
		poll:     defaultPollInterval,
	}
}

// Recover resumes finalization for a recording orphaned by a previous
// process: its pipeline is gone, but its fragments keep uploading and the
// recording is finalized once they all reach a terminal state.
func (c *Coordinator) Recover(ctx context.Context) error {
	current, err := c.store.CurrentRecording(ctx)
	if err != nil {
		return err
	}
	if current == nil {
		return nil
	}
	zerolog.Ctx(ctx).Info().Str("recording_id", current.ID.String()).
		Msg("recovering interrupted recording, awaiting upload drain")
	go c.finalize(ctx, current.ID)
	return nil
}

// Start creates the recording row, starts the pipeline, and spawns the
// watcher. It returns the new recording's id.
func (c *Coordinator) Start(ctx context.Context, req dto.StartRequest) (uuid.UUID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != nil {
		return uuid.Nil, ErrAlreadyRecording
	}

	// A recording orphaned by a previous process holds no active slot here
	// but is still live in the store until its uploads drain.
	current, err := c.store.CurrentRecording(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	if current != nil {
		return uuid.Nil, fmt.Errorf("%w: %s is still live", ErrAlreadyRecording, current.ID)
	}

	// Reject bad overrides before any state is created.
	if _, err := c.cfg.Pipeline.Apply(req.Config); err != nil {
		return uuid.Nil, err
	}

	baseDir := req.BaseDirectory
	if baseDir == "" {
		baseDir = c.cfg.Recording.BaseDirectory
	}

	recording := &entities.Recording{
		ID:            uuid.New(),
		CreatedAt:     time.Now().Unix(),
		Status:        constant.RecordingStatusPending,
		BaseDirectory: baseDir,
	}
	if req.GcodeLabel != "" {
		label := req.GcodeLabel
		recording.GcodeLabel = &label
	}
	if err := c.store.PutRecording(ctx, recording); err != nil {
		return uuid.Nil, err
	}

	run, err := c.pipeline.Start(ctx, recording.ID, baseDir, req.Config)
	if err != nil {
		if statusErr := c.store.UpdateRecordingStatus(ctx, recording.ID, constant.RecordingStatusAborted); statusErr != nil {
			zerolog.Ctx(ctx).Error().Err(statusErr).Msg("failed to abort recording after pipeline start failure")
		}
		return uuid.Nil, err
	}

	active := &activeRecording{
		id:        recording.ID,
		run:       run,
		watchDone: make(chan error, 1),
	}
	c.active = active
	go c.supervise(ctx, active)

	if err := c.bus.Publish("recording.started", dto.RecordingEvent{RecordingID: recording.ID}); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("failed to publish recording started")
	}
	zerolog.Ctx(ctx).Info().Str("recording_id", recording.ID.String()).Msg("recording started")
	return recording.ID, nil
}

// supervise runs the watch loop and settles the recording when it exits:
// a clean drain moves toward finalized, a pipeline or storage fault aborts
// the recording while already-closed fragments keep uploading.
func (c *Coordinator) supervise(ctx context.Context, active *activeRecording) {
	err := c.watcher.Watch(ctx, active.id, active.run.Events())
	active.watchDone <- err

	c.mu.Lock()
	if c.active == active {
		c.active = nil
	}
	c.mu.Unlock()

	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("recording_id", active.id.String()).
			Msg("recording failed")
		if statusErr := c.store.UpdateRecordingStatus(ctx, active.id, constant.RecordingStatusAborted); statusErr != nil {
			zerolog.Ctx(ctx).Error().Err(statusErr).Msg("failed to mark recording aborted")
		}
		if pubErr := c.bus.Publish("recording.failed", dto.RecordingEvent{RecordingID: active.id, Error: err.Error()}); pubErr != nil {
			zerolog.Ctx(ctx).Warn().Err(pubErr).Msg("failed to publish recording failed")
		}
		return
	}

	c.finalize(ctx, active.id)
}

// Stop drains the pipeline and waits for the watch loop to observe
// end-of-stream. Finalization completes asynchronously once every fragment
// reaches a terminal upload state.
func (c *Coordinator) Stop(ctx context.Context, id uuid.UUID) error {
	c.mu.Lock()
	active := c.active
	c.mu.Unlock()

	if active == nil || active.id != id {
		return fmt.Errorf("%w: %s", ErrNotRecording, id)
	}

	fragments, err := active.run.Stop(ctx)
	if err != nil {
		return err
	}

	select {
	case watchErr := <-active.watchDone:
		if watchErr != nil {
			return watchErr
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := c.bus.Publish("recording.stopped", dto.RecordingEvent{RecordingID: id}); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("failed to publish recording stopped")
	}
	zerolog.Ctx(ctx).Info().Str("recording_id", id.String()).
		Int64("fragments", fragments).Msg("recording stopped")
	return nil
}

// finalize polls until every fragment reached a terminal sync state, then
// transitions the recording to finalized.
func (c *Coordinator) finalize(ctx context.Context, id uuid.UUID) {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		fragments, err := c.store.FragmentsForRecording(ctx, id)
		if err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Msg("failed to read fragments during finalization")
		} else if allTerminal(fragments) {
			if err := c.store.FinalizeRecording(ctx, id); err != nil {
				zerolog.Ctx(ctx).Error().Err(err).Str("recording_id", id.String()).
					Msg("failed to finalize recording")
				return
			}
			event := dto.RecordingEvent{RecordingID: id}
			if err := c.bus.Publish(eventbus.RecordingSubject(id, "finalized"), event); err != nil {
				zerolog.Ctx(ctx).Warn().Err(err).Msg("failed to publish recording finalized")
			}
			if err := c.bus.Publish("recording.finalized", event); err != nil {
				zerolog.Ctx(ctx).Warn().Err(err).Msg("failed to publish recording finalized")
			}
			zerolog.Ctx(ctx).Info().Str("recording_id", id.String()).Msg("recording finalized")
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func allTerminal(fragments []*entities.Fragment) bool {
	for _, f := range fragments {
		if !f.SyncStatus.Terminal() {
			return false
		}
	}
	return true
}

// Status reports the active recording and the upload backlog.
func (c *Coordinator) Status(ctx context.Context) (dto.StatusReply, error) {
	queued, inProgress, err := c.store.CountUploads(ctx)
	if err != nil {
		return dto.StatusReply{}, err
	}
	current, err := c.store.CurrentRecording(ctx)
	if err != nil {
		return dto.StatusReply{}, err
	}
	return dto.StatusReply{
		CurrentRecording:  current,
		QueuedUploads:     int(queued),
		InProgressUploads: int(inProgress),
	}, nil
}
