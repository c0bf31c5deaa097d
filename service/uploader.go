package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"edge-recorder/config"
	"edge-recorder/constant"
	"edge-recorder/dto"
	"edge-recorder/entities"
	"edge-recorder/pkg/eventbus"
	"edge-recorder/repository"
)

// ErrNonRetryable marks upload failures that must not be attempted again
// (4xx responses, vanished local files).
var ErrNonRetryable = errors.New("non-retryable error")

const (
	defaultPollInterval = 2 * time.Second
	// urlExpiryGrace renews an upload URL when it would expire this close to
	// the attempt.
	urlExpiryGrace = time.Minute
	// minThroughput sizes the PUT deadline from the fragment size.
	minThroughput = 32 << 10 // bytes/sec
	maxPutTimeout = 30 * time.Minute
)

type claimKey struct {
	recordingID uuid.UUID
	index       int64
}

// Uploader drives fragments to a terminal sync state: a single dispatcher
// polls the store for ready work and hands fragments to a bounded pool of
// upload workers. Recovery after restart needs no persisted task state; the
// claim set starts empty and stalled in_progress rows are re-listed by the
// store.
type Uploader struct {
	store   repository.Store
	bus     eventbus.Bus
	urls    URLSource
	cfg     config.Upload
	client  *http.Client
	limiter *rate.Limiter
	sem     chan struct{}
	poll    time.Duration

	mu     sync.Mutex
	claims map[claimKey]struct{}
}

func NewUploader(store repository.Store, bus eventbus.Bus, urls URLSource, cfg config.Upload) *Uploader {
	var limiter *rate.Limiter
	if cfg.ByteBudget > 0 {
		burst := int(cfg.ByteBudget)
		if burst < 64<<10 {
			burst = 64 << 10
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.ByteBudget), burst)
	}
	return &Uploader{
		store:   store,
		bus:     bus,
		urls:    urls,
		cfg:     cfg,
		client:  &http.Client{},
		limiter: limiter,
		sem:     make(chan struct{}, cfg.WorkerCount),
		poll:    defaultPollInterval,
		claims:  make(map[claimKey]struct{}),
	}
}

// Run polls for ready fragments until ctx is cancelled. It blocks.
func (u *Uploader) Run(ctx context.Context) {
	ticker := time.NewTicker(u.poll)
	defer ticker.Stop()

	for {
		u.dispatch(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (u *Uploader) dispatch(ctx context.Context) {
	fragments, err := u.store.ListReadyForSync(ctx, 2*u.cfg.WorkerCount)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to list fragments ready for sync")
		return
	}

	for _, fragment := range fragments {
		if !u.claim(fragment) {
			continue
		}
		select {
		case u.sem <- struct{}{}:
		case <-ctx.Done():
			u.release(fragment)
			return
		}

		go func(f *entities.Fragment) {
			defer func() {
				<-u.sem
				u.release(f)
			}()
			u.uploadOne(ctx, f)
		}(fragment)
	}
}

// claim reserves (recording_id, index); at most one in-flight upload exists
// per fragment.
func (u *Uploader) claim(f *entities.Fragment) bool {
	key := claimKey{recordingID: f.RecordingID, index: f.Index}
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok := u.claims[key]; ok {
		return false
	}
	u.claims[key] = struct{}{}
	return true
}

func (u *Uploader) release(f *entities.Fragment) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.claims, claimKey{recordingID: f.RecordingID, index: f.Index})
}

func (u *Uploader) uploadOne(ctx context.Context, f *entities.Fragment) {
	if f.SyncStatus.Terminal() {
		return
	}
	log := zerolog.Ctx(ctx).With().
		Str("recording_id", f.RecordingID.String()).
		Int64("index", f.Index).Logger()

	uploadURL, err := u.ensureUploadURL(ctx, f)
	if err != nil {
		log.Error().Err(err).Msg("failed to obtain upload url")
		u.recordFailure(ctx, f, err)
		return
	}

	inProgress := constant.SyncStatusInProgress
	if err := u.store.UpdateFragmentSync(ctx, f.RecordingID, f.Index, repository.SyncPatch{Status: &inProgress}); err != nil {
		log.Error().Err(err).Msg("failed to mark fragment in progress")
		return
	}

	err = u.put(ctx, f, uploadURL)
	switch {
	case err == nil:
		u.finish(ctx, f)
		log.Info().Int64("size_bytes", f.SizeBytes).Msg("fragment uploaded")
	case errors.Is(err, ErrNonRetryable):
		log.Error().Err(err).Msg("upload failed permanently")
		u.fail(ctx, f, err)
	default:
		log.Warn().Err(err).Msg("upload attempt failed")
		u.recordFailure(ctx, f, err)
	}
}

func (u *Uploader) ensureUploadURL(ctx context.Context, f *entities.Fragment) (string, error) {
	if f.UploadURL != nil && *f.UploadURL != "" &&
		time.Unix(f.UploadURLExpiresAt, 0).After(time.Now().Add(urlExpiryGrace)) {
		return *f.UploadURL, nil
	}

	operation := func() (string, error) {
		reqCtx, cancel := context.WithTimeout(ctx, urlRequestTimeout)
		defer cancel()
		uploadURL, expiresAt, err := u.urls.UploadURL(reqCtx, f)
		if err != nil {
			return "", err
		}
		expiry := expiresAt.Unix()
		patch := repository.SyncPatch{UploadURL: &uploadURL, UploadURLExpiresAt: &expiry}
		if err := u.store.UpdateFragmentSync(ctx, f.RecordingID, f.Index, patch); err != nil {
			return "", backoff.Permanent(err)
		}
		return uploadURL, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 10 * time.Second
	return backoff.Retry(ctx, operation, backoff.WithBackOff(bo), backoff.WithMaxTries(3))
}

// put streams the fragment file as the body of a single HTTP PUT. Progress
// is committed to the store and published whenever the uploaded percentage
// advances by the configured step.
func (u *Uploader) put(ctx context.Context, f *entities.Fragment, uploadURL string) error {
	file, err := os.Open(f.Filename)
	if err != nil {
		return errors.Join(ErrNonRetryable, err)
	}
	defer file.Close()

	putCtx, cancel := context.WithTimeout(ctx, putTimeout(f.SizeBytes))
	defer cancel()

	body := &countingReader{
		reader:  file,
		limiter: u.limiter,
		ctx:     putCtx,
		total:   f.SizeBytes,
		step:    u.cfg.ProgressStepPct,
		onStep: func(pct int) {
			u.progress(ctx, f, pct)
		},
	}

	req, err := http.NewRequestWithContext(putCtx, http.MethodPut, uploadURL, body)
	if err != nil {
		return errors.Join(ErrNonRetryable, err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.ContentLength = f.SizeBytes

	resp, err := u.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if body.count < f.SizeBytes {
			return fmt.Errorf("short upload: sent %d of %d bytes", body.count, f.SizeBytes)
		}
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("%w: object store returned %d", ErrNonRetryable, resp.StatusCode)
	default:
		return fmt.Errorf("object store returned %d", resp.StatusCode)
	}
}

func (u *Uploader) progress(ctx context.Context, f *entities.Fragment, pct int) {
	patch := repository.SyncPatch{ProgressPct: &pct}
	if err := u.store.UpdateFragmentSync(ctx, f.RecordingID, f.Index, patch); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("failed to persist upload progress")
		return
	}
	event := dto.FragmentEvent{RecordingID: f.RecordingID, Index: f.Index, ProgressPct: pct}
	if err := u.bus.Publish(eventbus.FragmentSubject(f.RecordingID, "progress"), event); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("failed to publish upload progress")
	}
}

func (u *Uploader) finish(ctx context.Context, f *entities.Fragment) {
	done := constant.SyncStatusDone
	pct := 100
	patch := repository.SyncPatch{Status: &done, ProgressPct: &pct, ClearError: true}
	if err := u.store.UpdateFragmentSync(ctx, f.RecordingID, f.Index, patch); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to mark fragment done")
		return
	}
	event := dto.FragmentEvent{RecordingID: f.RecordingID, Index: f.Index, SizeBytes: f.SizeBytes, ProgressPct: 100}
	if err := u.bus.Publish(eventbus.FragmentSubject(f.RecordingID, "done"), event); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("failed to publish fragment done")
	}
}

func (u *Uploader) fail(ctx context.Context, f *entities.Fragment, cause error) {
	failed := constant.SyncStatusFailed
	msg := cause.Error()
	patch := repository.SyncPatch{Status: &failed, LastError: &msg}
	if err := u.store.UpdateFragmentSync(ctx, f.RecordingID, f.Index, patch); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to mark fragment failed")
		return
	}
	event := dto.FragmentEvent{RecordingID: f.RecordingID, Index: f.Index, Error: msg}
	if err := u.bus.Publish(eventbus.FragmentSubject(f.RecordingID, "failed"), event); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("failed to publish fragment failed")
	}
}

// recordFailure notes a transient failure. The fragment stays in_progress so
// stall recovery re-lists it after the threshold, until the retry ceiling.
func (u *Uploader) recordFailure(ctx context.Context, f *entities.Fragment, cause error) {
	retries := f.RetryCount + 1
	if retries >= u.cfg.RetryCeiling {
		u.fail(ctx, f, fmt.Errorf("retry ceiling reached: %w", cause))
		return
	}
	msg := cause.Error()
	patch := repository.SyncPatch{LastError: &msg, RetryCount: &retries}
	if err := u.store.UpdateFragmentSync(ctx, f.RecordingID, f.Index, patch); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to record upload error")
	}
}

func putTimeout(sizeBytes int64) time.Duration {
	timeout := time.Duration(sizeBytes/minThroughput) * time.Second
	if timeout < time.Minute {
		timeout = time.Minute
	}
	if timeout > maxPutTimeout {
		timeout = maxPutTimeout
	}
	return timeout
}

// countingReader counts uploaded bytes, applies the shared byte budget, and
// reports step-wise progress.
type countingReader struct {
	reader  io.Reader
	limiter *rate.Limiter
	ctx     context.Context
	total   int64
	count   int64
	step    int
	lastPct int
	onStep  func(pct int)
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	if n > 0 {
		if r.limiter != nil {
			if waitErr := r.limiter.WaitN(r.ctx, n); waitErr != nil {
				return n, waitErr
			}
		}
		r.count += n64(n)
		if r.total > 0 && r.onStep != nil {
			pct := int(r.count * 100 / r.total)
			if pct > 100 {
				pct = 100
			}
			if pct-r.lastPct >= r.step {
				r.lastPct = pct
				r.onStep(pct)
			}
		}
	}
	return n, err
}

func n64(n int) int64 { return int64(n) }
