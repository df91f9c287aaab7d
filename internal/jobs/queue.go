package jobs

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coah80/hoist/internal/config"
	"github.com/coah80/hoist/internal/status"
	"github.com/coah80/hoist/internal/util"
)

const (
	JobQueued         = "queued"
	JobProcessing     = "processing"
	JobRetryScheduled = "retry_scheduled"
	JobCompleted      = "completed"
	JobFailed         = "failed"
)

type Job struct {
	ID          string
	Type        string
	Status      string
	UploadID    string
	Payload     interface{}
	Attempts    int
	MaxAttempts int
	CreatedAt   time.Time
	FinishedAt  time.Time
	Err         string
}

// Handler runs one job attempt. The queue owns retry; handlers just
// return the error.
type Handler func(ctx context.Context, job *Job) error

// Options override the config defaults, mainly for tests.
type Options struct {
	MaxConcurrent     int
	MaxAttempts       int
	PollInterval      time.Duration
	RetryDelay        time.Duration
	TerminalRetention time.Duration
}

// Queue decouples post-processing from the upload critical path: a
// polling loop with bounded concurrency, per-job retry, and a bounded
// retention window for terminal jobs. Job outcomes are mirrored into
// the status registry under the originating upload ID so subscribers
// see derivative-step progress without polling the queue.
type Queue struct {
	mu      sync.Mutex
	pending []*Job
	active  int
	jobs    map[string]*Job

	handlers map[string]Handler
	registry *status.Registry

	maxConcurrent     int
	maxAttempts       int
	pollInterval      time.Duration
	retryDelay        time.Duration
	terminalRetention time.Duration

	stop chan struct{}
}

func New(registry *status.Registry, opts Options) *Queue {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = config.JobMaxConcurrent
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = config.JobMaxAttempts
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = config.JobPollInterval
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = config.JobRetryDelay
	}
	if opts.TerminalRetention <= 0 {
		opts.TerminalRetention = config.JobRetention
	}
	return &Queue{
		jobs:              make(map[string]*Job),
		handlers:          make(map[string]Handler),
		registry:          registry,
		maxConcurrent:     opts.MaxConcurrent,
		maxAttempts:       opts.MaxAttempts,
		pollInterval:      opts.PollInterval,
		retryDelay:        opts.RetryDelay,
		terminalRetention: opts.TerminalRetention,
		stop:              make(chan struct{}),
	}
}

func (q *Queue) Register(jobType string, h Handler) {
	q.mu.Lock()
	q.handlers[jobType] = h
	q.mu.Unlock()
}

func (q *Queue) Enqueue(jobType, uploadID string, payload interface{}) string {
	job := &Job{
		ID:          uuid.New().String(),
		Type:        jobType,
		Status:      JobQueued,
		UploadID:    uploadID,
		Payload:     payload,
		MaxAttempts: q.maxAttempts,
		CreatedAt:   time.Now(),
	}

	q.mu.Lock()
	q.jobs[job.ID] = job
	q.pending = append(q.pending, job)
	q.mu.Unlock()

	log.Printf("[Jobs] [%s] Queued %s job for upload %s", util.ShortID(job.ID), jobType, util.ShortID(uploadID))
	return job.ID
}

func (q *Queue) Get(jobID string) (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[jobID]
	return job, ok
}

func (q *Queue) Start() {
	go func() {
		poll := time.NewTicker(q.pollInterval)
		purge := time.NewTicker(q.terminalRetention / 2)
		defer poll.Stop()
		defer purge.Stop()
		for {
			select {
			case <-poll.C:
				q.tick()
			case <-purge.C:
				q.purgeTerminal(time.Now())
			case <-q.stop:
				return
			}
		}
	}()
}

func (q *Queue) Stop() {
	close(q.stop)
}

// tick dequeues at most maxConcurrent-active jobs and runs them.
func (q *Queue) tick() {
	q.mu.Lock()
	var batch []*Job
	for len(q.pending) > 0 && q.active < q.maxConcurrent {
		job := q.pending[0]
		q.pending = q.pending[1:]
		q.active++
		batch = append(batch, job)
	}
	q.mu.Unlock()

	for _, job := range batch {
		go q.run(job)
	}
}

func (q *Queue) run(job *Job) {
	defer func() {
		q.mu.Lock()
		q.active--
		q.mu.Unlock()
	}()

	q.mu.Lock()
	handler := q.handlers[job.Type]
	job.Status = JobProcessing
	job.Attempts++
	attempt := job.Attempts
	q.mu.Unlock()

	if handler == nil {
		q.finishFailed(job, fmt.Errorf("no handler registered for job type %q", job.Type))
		return
	}

	q.registry.Update(job.UploadID, status.Record{
		"stage":      fmt.Sprintf("%s: attempt %d of %d", job.Type, attempt, job.MaxAttempts),
		"jobStatus":  JobProcessing,
		"jobAttempt": attempt,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	err := handler(ctx, job)
	if err == nil {
		q.mu.Lock()
		job.Status = JobCompleted
		job.FinishedAt = time.Now()
		job.Err = ""
		q.mu.Unlock()
		q.registry.Update(job.UploadID, status.Record{"jobStatus": JobCompleted})
		log.Printf("[Jobs] [%s] Completed after %d attempt(s)", util.ShortID(job.ID), attempt)
		return
	}

	if attempt < job.MaxAttempts {
		q.mu.Lock()
		job.Status = JobRetryScheduled
		job.Err = err.Error()
		q.mu.Unlock()

		q.registry.Update(job.UploadID, status.Record{
			"stage":     fmt.Sprintf("%s failed, retrying", job.Type),
			"jobStatus": JobRetryScheduled,
		})
		log.Printf("[Jobs] [%s] Attempt %d failed: %v (retry in %s)", util.ShortID(job.ID), attempt, err, q.retryDelay)

		// Retries jump the line: re-enqueue at the front.
		time.AfterFunc(q.retryDelay, func() {
			q.mu.Lock()
			job.Status = JobQueued
			q.pending = append([]*Job{job}, q.pending...)
			q.mu.Unlock()
		})
		return
	}

	q.finishFailed(job, err)
}

func (q *Queue) finishFailed(job *Job, err error) {
	q.mu.Lock()
	job.Status = JobFailed
	job.FinishedAt = time.Now()
	job.Err = err.Error()
	attempts := job.Attempts
	q.mu.Unlock()

	q.registry.Update(job.UploadID, status.Record{
		"stage":     fmt.Sprintf("%s failed permanently", job.Type),
		"jobStatus": JobFailed,
		"jobError":  err.Error(),
	})
	log.Printf("[Jobs] [%s] Failed permanently after %d attempt(s): %v", util.ShortID(job.ID), attempts, err)
}

func (q *Queue) purgeTerminal(now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, job := range q.jobs {
		if job.Status != JobCompleted && job.Status != JobFailed {
			continue
		}
		if now.Sub(job.FinishedAt) > q.terminalRetention {
			delete(q.jobs, id)
		}
	}
}
