package gstpipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tinyzimmer/go-gst/gst"

	"edge-recorder/config"
)

var (
	ErrAlreadyRunning = errors.New("a different recording is already running")
	ErrInvalidState   = errors.New("invalid pipeline state for operation")
)

// State tracks the controller's lifecycle:
// Idle → Starting → Playing → (Paused ↔ Playing) → Stopping → Stopped,
// with Error terminal from any state.
type State int

const (
	StateIdle State = iota
	StateStarting
	StatePlaying
	StatePaused
	StateStopping
	StateStopped
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Handle is a single pipeline run. Events terminates on end-of-stream or a
// fatal error and is not restartable.
type Handle struct {
	RecordingID uuid.UUID
	Dir         string

	ctrl     *controller
	pipeline *gst.Pipeline
	events   chan Event
	done     chan struct{}
	cancel   context.CancelFunc

	mu        sync.Mutex
	state     State
	fragments int64
}

func (h *Handle) Events() <-chan Event {
	return h.events
}

// Stop drains and tears down this handle's pipeline.
func (h *Handle) Stop(ctx context.Context) (int64, error) {
	return h.ctrl.Stop(ctx, h)
}

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) setState(s State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateError && s != StateStopped {
		return
	}
	h.state = s
}

// Controller owns the lifetime of the segmented capture pipeline. At most
// one recording runs at a time; Start is idempotent for the active id.
// Overrides adjust the configured capture parameters for a single recording.
type Controller interface {
	Start(ctx context.Context, recordingID uuid.UUID, baseDirectory string, overrides map[string]string) (*Handle, error)
	Stop(ctx context.Context, h *Handle) (int64, error)
	Pause(h *Handle) error
	Resume(h *Handle) error
}

type controller struct {
	cfg config.Pipeline

	mu     sync.Mutex
	active *Handle
}

func NewController(cfg config.Pipeline) Controller {
	return &controller{cfg: cfg}
}

func (c *controller) Start(ctx context.Context, recordingID uuid.UUID, baseDirectory string, overrides map[string]string) (*Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != nil {
		if c.active.RecordingID == recordingID {
			return c.active, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, c.active.RecordingID)
	}

	cfg, err := c.cfg.Apply(overrides)
	if err != nil {
		return nil, err
	}

	dir := filepath.Join(baseDirectory, recordingID.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	pipeline, err := buildPipeline(cfg, dir)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &Handle{
		RecordingID: recordingID,
		Dir:         dir,
		ctrl:        c,
		pipeline:    pipeline,
		events:      make(chan Event, 64),
		done:        make(chan struct{}),
		cancel:      cancel,
		state:       StateStarting,
	}

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		cancel()
		_ = pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("failed to start pipeline: %w", err)
	}
	h.setState(StatePlaying)

	go c.monitor(runCtx, h)

	c.active = h
	zerolog.Ctx(ctx).Info().Str("recording_id", recordingID.String()).Str("dir", dir).
		Msg("capture pipeline started")
	return h, nil
}

// Stop requests end-of-stream, waits for the pipeline to drain, and returns
// the number of fragments produced.
func (c *controller) Stop(ctx context.Context, h *Handle) (int64, error) {
	switch h.State() {
	case StatePlaying, StatePaused, StateError:
	default:
		return 0, fmt.Errorf("%w: stop from %s", ErrInvalidState, h.State())
	}

	if h.State() != StateError {
		h.setState(StateStopping)
		// EOS drains the muxer so the open fragment is closed before teardown.
		h.pipeline.SendEvent(gst.NewEOSEvent())
	}

	select {
	case <-h.done:
	case <-ctx.Done():
		h.cancel()
		<-h.done
	}

	_ = h.pipeline.SetState(gst.StateNull)
	h.cancel()
	h.setState(StateStopped)

	c.mu.Lock()
	if c.active == h {
		c.active = nil
	}
	c.mu.Unlock()

	h.mu.Lock()
	n := h.fragments
	h.mu.Unlock()
	return n, nil
}

func (c *controller) Pause(h *Handle) error {
	if h.State() != StatePlaying {
		return fmt.Errorf("%w: pause from %s", ErrInvalidState, h.State())
	}
	if err := h.pipeline.SetState(gst.StatePaused); err != nil {
		return err
	}
	h.setState(StatePaused)
	return nil
}

func (c *controller) Resume(h *Handle) error {
	if h.State() != StatePaused {
		return fmt.Errorf("%w: resume from %s", ErrInvalidState, h.State())
	}
	if err := h.pipeline.SetState(gst.StatePlaying); err != nil {
		return err
	}
	h.setState(StatePlaying)
	return nil
}

// monitor polls the pipeline bus, translating gst messages into Events. It
// exits on EOS, fatal error, or cancellation, and always closes the event
// channel.
func (c *controller) monitor(ctx context.Context, h *Handle) {
	defer close(h.done)
	defer close(h.events)

	bus := h.pipeline.GetPipelineBus()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg := bus.TimedPop(100 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageElement:
			s := msg.GetStructure()
			if s == nil || s.Name() != "splitmuxsink-fragment-closed" {
				continue
			}
			frag := h.parseFragmentClosed(s)
			c.emit(ctx, h, Event{Type: EventFragmentClosed, Fragment: frag})

		case gst.MessageEOS:
			zerolog.Ctx(ctx).Info().Str("recording_id", h.RecordingID.String()).
				Int64("fragments", h.fragments).Msg("pipeline drained")
			c.emit(ctx, h, Event{Type: EventEndOfStream})
			return

		case gst.MessageError:
			gerr := msg.ParseError()
			h.setState(StateError)
			zerolog.Ctx(ctx).Error().Str("recording_id", h.RecordingID.String()).
				Str("source", msg.Source()).Str("debug", gerr.DebugString()).
				Msg(gerr.Error())
			c.emit(ctx, h, Event{Type: EventError, Err: &PipelineError{
				Source:      msg.Source(),
				Description: gerr.Error(),
				Debug:       gerr.DebugString(),
			}})
			return

		case gst.MessageWarning:
			// Transient source hiccups are absorbed; only log them.
			gerr := msg.ParseWarning()
			if gerr != nil {
				zerolog.Ctx(ctx).Warn().Str("source", msg.Source()).Msg(gerr.Error())
			}
		}
	}
}

// emit delivers an event to the consumer. When the consumer falls behind and
// the queue fills, the pipeline is paused until the event is accepted.
func (c *controller) emit(ctx context.Context, h *Handle, ev Event) {
	select {
	case h.events <- ev:
		return
	default:
	}

	paused := false
	if h.State() == StatePlaying {
		if err := c.Pause(h); err == nil {
			paused = true
		}
	}
	select {
	case h.events <- ev:
	case <-ctx.Done():
	}
	if paused {
		_ = c.Resume(h)
	}
}

func (h *Handle) parseFragmentClosed(s *gst.Structure) FragmentClosed {
	h.mu.Lock()
	index := h.fragments
	h.fragments++
	h.mu.Unlock()

	frag := FragmentClosed{Index: index}
	if v, err := s.GetValue("location"); err == nil {
		if location, ok := v.(string); ok {
			frag.Filename = location
			// The location template is zero-padded; trust it over the local
			// counter when they disagree (e.g. after a controller restart).
			base := strings.TrimSuffix(filepath.Base(location), filepath.Ext(location))
			if parsed, parseErr := strconv.ParseInt(base, 10, 64); parseErr == nil {
				frag.Index = parsed
			}
		}
	}
	if v, err := s.GetValue("running-time"); err == nil {
		if rt, ok := v.(uint64); ok {
			frag.RunningTime = int64(rt)
			frag.Timestamp = int64(rt)
		}
	}
	return frag
}
