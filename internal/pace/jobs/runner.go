// Package jobs runs long training jobs off the request path on a bounded
// worker pool, with at most one job per user in flight.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/pace.report/internal/monitoring"
	"github.com/banshee-data/pace.report/internal/pace"
	"github.com/banshee-data/pace.report/internal/timeutil"
)

var (
	// ErrJobInFlight rejects a submission while the user's previous job is
	// queued or running.
	ErrJobInFlight = errors.New("training job already in flight")
	// ErrQueueFull rejects a submission when the queue has no room.
	ErrQueueFull = errors.New("training queue full")
	// ErrClosed rejects submissions after Close.
	ErrClosed = errors.New("job runner closed")
)

var logf = monitoring.Component("TrainingRunner")

// Step names reported before a job body runs.
const (
	StepQueued   = "queued"
	StepStarting = "starting"
)

// Reporter publishes a running job's progress.
type Reporter func(step string, percent int)

// Job is the body of a training job. It must honour ctx cancellation.
type Job func(ctx context.Context, report Reporter) (message string, err error)

// StatusSink mirrors status changes, e.g. into the artifact store.
type StatusSink interface {
	SaveTrainingStatus(ctx context.Context, st *pace.TrainingStatus) error
}

type task struct {
	userID   string
	jobID    string
	job      Job
	queuedAt time.Time
}

// Runner owns every user's training status. Only the goroutine running a
// user's job writes that user's status; readers get copies.
type Runner struct {
	mu       sync.RWMutex
	statuses map[string]*pace.TrainingStatus
	inflight map[string]bool
	closed   bool

	queue  chan task
	sink   StatusSink
	clock  timeutil.Clock
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunner starts workers goroutines serving a queue of queueSize jobs.
// sink and clock may be nil.
func NewRunner(workers, queueSize int, sink StatusSink, clock timeutil.Clock) *Runner {
	workers = max(workers, 1)
	queueSize = max(queueSize, workers)
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		statuses: make(map[string]*pace.TrainingStatus),
		inflight: make(map[string]bool),
		queue:    make(chan task, queueSize),
		sink:     sink,
		clock:    clock,
		ctx:      ctx,
		cancel:   cancel,
	}
	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	return r
}

// Submit queues job for userID and returns its id.
func (r *Runner) Submit(userID string, job Job) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return "", ErrClosed
	}
	if r.inflight[userID] {
		return "", fmt.Errorf("%w: user %s", ErrJobInFlight, userID)
	}

	t := task{userID: userID, jobID: uuid.New().String(), job: job, queuedAt: r.clock.Now()}
	select {
	case r.queue <- t:
	default:
		return "", ErrQueueFull
	}

	r.inflight[userID] = true
	st := &pace.TrainingStatus{
		UserID:      userID,
		JobID:       t.jobID,
		Status:      pace.JobRunning,
		CurrentStep: StepQueued,
	}
	r.statuses[userID] = st
	r.mirror(*st)
	logf("queued job %s for user=%s", t.jobID, userID)
	return t.jobID, nil
}

// Acquire claims userID's slot for work run outside the pool, such as a
// synchronous training call. It fails with ErrJobInFlight while a job for
// the user is queued or running. The returned release frees the slot and is
// safe to call more than once.
func (r *Runner) Acquire(userID string) (release func(), err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	if r.inflight[userID] {
		return nil, fmt.Errorf("%w: user %s", ErrJobInFlight, userID)
	}
	r.inflight[userID] = true

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.inflight, userID)
			r.mu.Unlock()
		})
	}, nil
}

// Status returns a copy of the user's latest status, or an idle status if
// no job has been submitted in this process.
func (r *Runner) Status(userID string) (pace.TrainingStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.statuses[userID]
	if !ok {
		return pace.TrainingStatus{UserID: userID, Status: pace.JobIdle}, false
	}
	return copyStatus(st), true
}

// InFlight reports whether userID has a queued or running job.
func (r *Runner) InFlight(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.inflight[userID]
}

// Close stops accepting jobs, cancels running ones, marks queued ones as
// cancelled and waits for the workers to exit.
func (r *Runner) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
}

func (r *Runner) worker() {
	defer r.wg.Done()
	for t := range r.queue {
		r.run(t)
	}
}

func (r *Runner) run(t task) {
	if err := r.ctx.Err(); err != nil {
		r.finish(t, "", fmt.Errorf("cancelled before start: %w", err))
		return
	}

	started := r.clock.Now().UTC()
	r.update(t.userID, func(st *pace.TrainingStatus) {
		st.CurrentStep = StepStarting
		st.StartedAt = &started
	})

	report := func(step string, percent int) {
		percent = min(max(percent, 0), 100)
		r.update(t.userID, func(st *pace.TrainingStatus) {
			st.CurrentStep = step
			st.ProgressPercent = percent
		})
	}

	msg, err := r.invoke(t, report)
	r.finish(t, msg, err)
}

// invoke runs the job body, turning a panic into an error so that the
// user's slot is always released.
func (r *Runner) invoke(t task, report Reporter) (msg string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("job panicked: %v", p)
		}
	}()
	return t.job(r.ctx, report)
}

func (r *Runner) finish(t task, msg string, err error) {
	finished := r.clock.Now().UTC()
	r.update(t.userID, func(st *pace.TrainingStatus) {
		st.FinishedAt = &finished
		if err != nil {
			st.Status = pace.JobError
			st.Message = err.Error()
			return
		}
		st.Status = pace.JobCompleted
		st.CurrentStep = "done"
		st.ProgressPercent = 100
		st.Message = msg
	})

	r.mu.Lock()
	delete(r.inflight, t.userID)
	r.mu.Unlock()

	if err != nil {
		logf("job %s for user=%s failed after %s: %v", t.jobID, t.userID, r.clock.Since(t.queuedAt), err)
	} else {
		logf("job %s for user=%s completed in %s: %s", t.jobID, t.userID, r.clock.Since(t.queuedAt), msg)
	}
}

func (r *Runner) update(userID string, fn func(st *pace.TrainingStatus)) {
	r.mu.Lock()
	st, ok := r.statuses[userID]
	if !ok {
		r.mu.Unlock()
		return
	}
	fn(st)
	snapshot := copyStatus(st)
	r.mu.Unlock()
	r.mirror(snapshot)
}

func (r *Runner) mirror(st pace.TrainingStatus) {
	if r.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.sink.SaveTrainingStatus(ctx, &st); err != nil {
		logf("failed to persist status for user=%s: %v", st.UserID, err)
	}
}

func copyStatus(st *pace.TrainingStatus) pace.TrainingStatus {
	out := *st
	if st.StartedAt != nil {
		t := *st.StartedAt
		out.StartedAt = &t
	}
	if st.FinishedAt != nil {
		t := *st.FinishedAt
		out.FinishedAt = &t
	}
	return out
}
