package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"loraframe/studio/internal/config"
	"loraframe/studio/internal/model"
	"loraframe/studio/internal/telemetry"
)

const (
	DefaultMaxAttempts = 60
	DefaultInterval    = 3 * time.Second
)

var ErrPollTimeout = errors.New("job did not finish in time")

// JobFailedError is returned when the server reports a job as failed. Its
// message is the server's error message, unchanged.
type JobFailedError struct {
	JobID   string
	Message string
}

func (e *JobFailedError) Error() string {
	return e.Message
}

// StatusFetcher reads the current state of a remote job.
type StatusFetcher interface {
	JobStatus(ctx context.Context, jobID string) (model.JobStatus, error)
}

// WaitFunc blocks for d or until ctx is done.
type WaitFunc func(ctx context.Context, d time.Duration) error

type Progress struct {
	JobID   string
	Attempt int
	Elapsed time.Duration
	Status  model.JobState
}

// Messages are the user-facing texts for a failed job without a server
// message and for a poll that ran out of attempts.
type Messages struct {
	Failed  string
	Timeout string
}

type Poller struct {
	fetch       StatusFetcher
	interval    time.Duration
	maxAttempts int
	strict      bool
	wait        WaitFunc
	metrics     *telemetry.Metrics
	log         *zap.Logger
}

func NewPoller(fetch StatusFetcher, cfg config.PollConfig, metrics *telemetry.Metrics, logger *zap.Logger) *Poller {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		fetch:       fetch,
		interval:    interval,
		maxAttempts: maxAttempts,
		strict:      cfg.StrictTransport,
		wait:        sleep,
		metrics:     metrics,
		log:         logger.Named("poller"),
	}
}

// SetWait replaces the wait between attempts. Tests use it to run a full
// poll window without sleeping.
func (p *Poller) SetWait(fn WaitFunc) {
	if fn != nil {
		p.wait = fn
	}
}

func (p *Poller) Interval() time.Duration { return p.interval }

func (p *Poller) MaxAttempts() int { return p.maxAttempts }

// Poll waits for jobID to reach a terminal state. Each attempt waits one
// interval before fetching. Transport failures, non-2xx answers and fetches
// slower than one interval count as still pending unless the poller is
// strict. The whole poll is bounded by maxAttempts+1 intervals: maxAttempts
// waits plus a last fetch.
func (p *Poller) Poll(ctx context.Context, jobID string, msgs Messages, onProgress func(Progress)) (model.JobStatus, error) {
	log := p.log.With(zap.String("job_id", jobID))

	pollCtx, cancel := context.WithTimeout(ctx, p.Budget())
	defer cancel()

	attempt := 0
	for attempt < p.maxAttempts {
		if err := p.wait(pollCtx, p.interval); err != nil {
			if ctx.Err() != nil {
				return model.JobStatus{}, ctx.Err()
			}
			break
		}
		attempt++

		status, err := p.fetchWithin(pollCtx, jobID)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return model.JobStatus{}, ctxErr
			}
			p.observe("transport_error")
			if p.strict {
				return model.JobStatus{}, fmt.Errorf("poll job %s: %w", jobID, err)
			}
			log.Warn("job status unavailable, still waiting", zap.Int("attempt", attempt), zap.Error(err))
			if pollCtx.Err() != nil {
				break
			}
			continue
		}

		switch status.Status {
		case model.JobSuccess:
			p.observe("success")
			log.Debug("job succeeded", zap.Int("attempt", attempt))
			return status, nil
		case model.JobFailed:
			p.observe("failed")
			msg := status.ErrorMessage
			if msg == "" {
				msg = msgs.Failed
			}
			log.Info("job failed", zap.Int("attempt", attempt), zap.String("error_message", msg))
			return status, &JobFailedError{JobID: jobID, Message: msg}
		}

		p.observe("pending")
		if onProgress != nil {
			onProgress(Progress{
				JobID:   jobID,
				Attempt: attempt,
				Elapsed: time.Duration(attempt) * p.interval,
				Status:  status.Status,
			})
		}
	}

	msg := msgs.Timeout
	if msg == "" {
		msg = "job timed out"
	}
	log.Warn("job poll exhausted", zap.Int("attempts", attempt), zap.Duration("budget", p.Budget()))
	return model.JobStatus{}, fmt.Errorf("%s after %d attempts: %w", msg, attempt, ErrPollTimeout)
}

// Budget is the wall-clock limit of one Poll.
func (p *Poller) Budget() time.Duration {
	return time.Duration(p.maxAttempts+1) * p.interval
}

// fetchWithin gives one status fetch at most one interval. A fetcher that
// ignores its context is abandoned; its result is dropped.
func (p *Poller) fetchWithin(ctx context.Context, jobID string) (model.JobStatus, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, p.interval)
	defer cancel()

	type result struct {
		status model.JobStatus
		err    error
	}
	done := make(chan result, 1)
	go func() {
		st, err := p.fetch.JobStatus(fetchCtx, jobID)
		done <- result{st, err}
	}()

	select {
	case r := <-done:
		return r.status, r.err
	case <-fetchCtx.Done():
		return model.JobStatus{}, fmt.Errorf("job status: %w", fetchCtx.Err())
	}
}

func (p *Poller) observe(outcome string) {
	if p.metrics != nil {
		p.metrics.PollAttempts.WithLabelValues(outcome).Inc()
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
