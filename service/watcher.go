package service

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"edge-recorder/dto"
	"edge-recorder/entities"
	"edge-recorder/pkg/eventbus"
	"edge-recorder/pkg/gstpipeline"
	"edge-recorder/repository"
)

// Watcher translates pipeline events into durable fragment rows and domain
// messages. One Watch loop runs per recording; events are processed in the
// order the pipeline produced them, so fragment.created messages go out in
// ascending index order and only after the store insert committed.
type Watcher struct {
	store repository.Store
	bus   eventbus.Bus
}

func NewWatcher(store repository.Store, bus eventbus.Bus) *Watcher {
	return &Watcher{store: store, bus: bus}
}

// Watch consumes events until end-of-stream or a fatal pipeline error. It
// returns nil on a clean drain and the pipeline's error otherwise; storage
// invariant violations are returned as well and abort the recording.
func (w *Watcher) Watch(ctx context.Context, recordingID uuid.UUID, events <-chan gstpipeline.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch ev.Type {
			case gstpipeline.EventFragmentClosed:
				if err := w.onFragmentClosed(ctx, recordingID, ev.Fragment); err != nil {
					return err
				}

			case gstpipeline.EventEndOfStream:
				if err := w.bus.Publish(eventbus.RecordingSubject(recordingID, "ended"),
					dto.RecordingEvent{RecordingID: recordingID}); err != nil {
					zerolog.Ctx(ctx).Error().Err(err).Msg("failed to publish recording ended")
				}
				return nil

			case gstpipeline.EventError:
				if err := w.bus.Publish(eventbus.RecordingSubject(recordingID, "aborted"),
					dto.RecordingEvent{RecordingID: recordingID, Error: ev.Err.Description}); err != nil {
					zerolog.Ctx(ctx).Error().Err(err).Msg("failed to publish recording aborted")
				}
				return ev.Err
			}
		}
	}
}

func (w *Watcher) onFragmentClosed(ctx context.Context, recordingID uuid.UUID, frag gstpipeline.FragmentClosed) error {
	info, err := os.Stat(frag.Filename)
	if err != nil {
		// The pipeline lost the fragment before we observed it; nothing to
		// persist.
		zerolog.Ctx(ctx).Warn().Err(err).Str("filename", frag.Filename).
			Int64("index", frag.Index).Msg("closed fragment missing on disk, dropping")
		return nil
	}

	fragment := &entities.Fragment{
		RecordingID:       recordingID,
		Index:             frag.Index,
		Filename:          frag.Filename,
		SizeBytes:         info.Size(),
		BufferTimestamp:   frag.Timestamp,
		BufferRunningTime: frag.RunningTime,
		BufferStreamTime:  frag.StreamTime,
		BufferDuration:    frag.Duration,
		BufferOffset:      frag.Offset,
		BufferOffsetEnd:   frag.OffsetEnd,
	}

	err = w.store.InsertFragment(ctx, fragment)
	if errors.Is(err, repository.ErrDuplicateKey) {
		// Replay of an event we already persisted; no duplicate bus message.
		zerolog.Ctx(ctx).Debug().Str("recording_id", recordingID.String()).
			Int64("index", frag.Index).Msg("duplicate fragment event, dropping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("persist fragment %s/%d: %w", recordingID, frag.Index, err)
	}

	if err := w.bus.Publish(eventbus.FragmentSubject(recordingID, "created"), dto.FragmentEventOf(fragment)); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Int64("index", frag.Index).
			Msg("failed to publish fragment created")
	}

	zerolog.Ctx(ctx).Info().Str("recording_id", recordingID.String()).
		Int64("index", frag.Index).Int64("size_bytes", fragment.SizeBytes).
		Msg("fragment recorded")
	return nil
}
