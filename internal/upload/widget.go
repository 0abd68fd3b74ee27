package upload

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/MarkHenton/n8n-med-scribe/internal/domain"
)

// MaxFileBytes is the largest audio file a widget accepts.
const MaxFileBytes = 100 * 1024 * 1024

const (
	DefaultPollInterval    = 2 * time.Second
	DefaultCompletionGrace = 3 * time.Second
	DefaultMaxPollAttempts = 1800
)

var (
	ErrUnsupportedType       = errors.New("selected file is not an audio file")
	ErrFileTooLarge          = errors.New("selected file exceeds the 100 MB limit")
	ErrBusy                  = errors.New("an upload is already in progress")
	ErrNoFile                = errors.New("no audio file selected")
	ErrMissingTaskID         = errors.New("backend response carries no task id")
	ErrTaskFailed            = errors.New("backend reported a processing error")
	ErrPollAttemptsExhausted = errors.New("gave up waiting for transcription")
	ErrClosed                = errors.New("upload widget closed")
)

// Backend is the remote job API a widget drives.
type Backend interface {
	Submit(ctx context.Context, file domain.AudioFile, disciplineID, disciplineName string, progress func(sent, total int64)) (domain.SubmitReceipt, error)
	Status(ctx context.Context, taskID string) (domain.TaskStatus, error)
}

// Options tunes timing and hooks. Zero durations fall back to the defaults;
// a negative MaxPollAttempts disables the ceiling.
type Options struct {
	PollInterval    time.Duration
	CompletionGrace time.Duration
	MaxPollAttempts int

	// OnChange receives a snapshot after every state change. Calls are
	// serialized and arrive in Seq order; a snapshot overtaken by a newer one
	// is dropped. OnChange must not call Select or Submit.
	OnChange func(job domain.UploadJob)
	// OnComplete fires once per completed job with the final status payload.
	OnComplete func(job domain.UploadJob, result domain.TranscriptionResult)
}

// Widget drives one audio file at a time through submission and completion
// tracking.
type Widget struct {
	backend Backend
	opts    Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	job    domain.UploadJob
	cycle  uint64
	seq    uint64
	grace  *time.Timer
	closed bool

	deliverMu sync.Mutex
	delivered uint64
}

// NewWidget creates an idle widget whose background work stops when ctx is
// done or Close is called.
func NewWidget(ctx context.Context, backend Backend, opts Options) *Widget {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.CompletionGrace <= 0 {
		opts.CompletionGrace = DefaultCompletionGrace
	}
	if opts.MaxPollAttempts == 0 {
		opts.MaxPollAttempts = DefaultMaxPollAttempts
	}

	wctx, cancel := context.WithCancel(ctx)
	return &Widget{
		backend: backend,
		opts:    opts,
		ctx:     wctx,
		cancel:  cancel,
		job:     domain.UploadJob{Status: domain.UploadStatusIdle},
	}
}

// ValidateFile checks the type and size constraints for a selection.
func ValidateFile(file domain.AudioFile) error {
	if !strings.HasPrefix(strings.ToLower(file.ContentType), "audio/") {
		return fmt.Errorf("%w: %q", ErrUnsupportedType, file.ContentType)
	}
	if file.Size > MaxFileBytes {
		return ErrFileTooLarge
	}
	return nil
}

// State returns a snapshot of the current job.
func (w *Widget) State() domain.UploadJob {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snapshotLocked()
}

// Select replaces the selected file. It is accepted while idle, or after an
// error, which starts a fresh cycle. Rejections leave the state untouched.
func (w *Widget) Select(file domain.AudioFile) error {
	if err := ValidateFile(file); err != nil {
		return err
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}

	switch w.job.Status {
	case domain.UploadStatusIdle:
	case domain.UploadStatusError:
		w.job = domain.UploadJob{Status: domain.UploadStatusIdle}
	default:
		w.mu.Unlock()
		return ErrBusy
	}

	selected := file
	w.job.File = &selected
	snapshot := w.changedLocked()
	w.mu.Unlock()

	w.notify(snapshot)
	return nil
}

// Submit uploads the selected file and tracks the job in the background.
// There is no way to abort a submitted job short of closing the widget.
func (w *Widget) Submit(disciplineID, disciplineName string) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	if w.job.Status != domain.UploadStatusIdle {
		w.mu.Unlock()
		return ErrBusy
	}
	if w.job.File == nil {
		w.mu.Unlock()
		return ErrNoFile
	}

	file := *w.job.File
	w.cycle++
	cycle := w.cycle
	w.job = domain.UploadJob{
		File:                &file,
		DisciplineID:        disciplineID,
		DisciplineName:      disciplineName,
		Status:              domain.UploadStatusUploading,
		UploadIndeterminate: file.Size <= 0,
	}
	snapshot := w.changedLocked()
	w.wg.Add(1)
	w.mu.Unlock()

	w.notify(snapshot)
	go w.run(cycle, file, disciplineID, disciplineName)
	return nil
}

// Wait blocks until the in-flight upload and poll loop have returned.
func (w *Widget) Wait() {
	w.wg.Wait()
}

// Close stops polling and pending timers and waits for background work.
func (w *Widget) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	if w.grace != nil {
		w.grace.Stop()
		w.grace = nil
	}
	w.mu.Unlock()

	w.cancel()
	w.wg.Wait()
}

func (w *Widget) run(cycle uint64, file domain.AudioFile, disciplineID, disciplineName string) {
	defer w.wg.Done()

	receipt, err := w.backend.Submit(w.ctx, file, disciplineID, disciplineName, func(sent, total int64) {
		w.reportUpload(cycle, sent, total)
	})
	if err != nil {
		if w.ctx.Err() != nil {
			log.Printf("stopped uploading %s: %v", file.Name, w.ctx.Err())
			return
		}
		w.fail(cycle, fmt.Errorf("submit audio: %w", err))
		return
	}
	if strings.EqualFold(receipt.Status, domain.TaskStatusError) {
		w.fail(cycle, taskError(receipt.Message))
		return
	}
	if receipt.TaskID == "" {
		w.fail(cycle, ErrMissingTaskID)
		return
	}

	log.Printf("audio %s submitted for discipline %s, task %s", file.Name, disciplineID, receipt.TaskID)

	w.update(cycle, func(job *domain.UploadJob) bool {
		job.Status = domain.UploadStatusTranscribing
		if !job.UploadIndeterminate {
			job.UploadProgress = 100
		}
		job.TaskID = receipt.TaskID
		job.TranscriptionProgress = 0
		return true
	})

	w.poll(cycle, receipt.TaskID)
}

func (w *Widget) poll(cycle uint64, taskID string) {
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	attempts := 0
	for {
		select {
		case <-w.ctx.Done():
			log.Printf("stopped polling task %s: %v", taskID, w.ctx.Err())
			return
		case <-ticker.C:
		}

		attempts++
		status, err := w.backend.Status(w.ctx, taskID)
		switch {
		case err != nil:
			if w.ctx.Err() != nil {
				log.Printf("stopped polling task %s: %v", taskID, w.ctx.Err())
				return
			}
			log.Printf("poll task %s: %v", taskID, err)
		case strings.EqualFold(status.Status, domain.TaskStatusCompleted):
			w.complete(cycle, status)
			return
		case strings.EqualFold(status.Status, domain.TaskStatusError):
			w.fail(cycle, taskError(status.Message))
			return
		default:
			w.reportTranscription(cycle, status.Progress)
		}

		if w.opts.MaxPollAttempts > 0 && attempts >= w.opts.MaxPollAttempts {
			w.fail(cycle, fmt.Errorf("%w after %d attempts", ErrPollAttemptsExhausted, attempts))
			return
		}
	}
}

func (w *Widget) reportUpload(cycle uint64, sent, total int64) {
	if total <= 0 {
		return
	}
	pct := clampPercent(int(sent * 100 / total))
	w.update(cycle, func(job *domain.UploadJob) bool {
		if job.Status != domain.UploadStatusUploading || pct <= job.UploadProgress {
			return false
		}
		job.UploadProgress = pct
		return true
	})
}

func (w *Widget) reportTranscription(cycle uint64, progress int) {
	pct := clampPercent(progress)
	w.update(cycle, func(job *domain.UploadJob) bool {
		if job.Status != domain.UploadStatusTranscribing || pct <= job.TranscriptionProgress {
			return false
		}
		job.TranscriptionProgress = pct
		return true
	})
}

func (w *Widget) complete(cycle uint64, status domain.TaskStatus) {
	w.mu.Lock()
	if cycle != w.cycle {
		w.mu.Unlock()
		return
	}
	w.job.Status = domain.UploadStatusCompleted
	w.job.TranscriptionProgress = 100
	snapshot := w.changedLocked()
	w.mu.Unlock()

	log.Printf("task %s completed", snapshot.TaskID)
	w.notify(snapshot)

	if w.opts.OnComplete != nil {
		w.opts.OnComplete(snapshot, domain.TranscriptionResult(status.Payload))
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || cycle != w.cycle {
		return
	}
	w.grace = time.AfterFunc(w.opts.CompletionGrace, func() {
		w.resetAfterGrace(cycle)
	})
}

func (w *Widget) resetAfterGrace(cycle uint64) {
	w.mu.Lock()
	if w.closed || cycle != w.cycle || w.job.Status != domain.UploadStatusCompleted {
		w.mu.Unlock()
		return
	}
	w.grace = nil
	w.job = domain.UploadJob{Status: domain.UploadStatusIdle}
	snapshot := w.changedLocked()
	w.mu.Unlock()

	w.notify(snapshot)
}

func (w *Widget) fail(cycle uint64, err error) {
	log.Printf("upload failed: %v", err)
	w.update(cycle, func(job *domain.UploadJob) bool {
		job.Status = domain.UploadStatusError
		job.Error = err.Error()
		return true
	})
}

// update applies fn to the job of the given cycle and notifies observers
// when fn reports a change.
func (w *Widget) update(cycle uint64, fn func(job *domain.UploadJob) bool) {
	w.mu.Lock()
	if cycle != w.cycle || !fn(&w.job) {
		w.mu.Unlock()
		return
	}
	snapshot := w.changedLocked()
	w.mu.Unlock()

	w.notify(snapshot)
}

// notify delivers job to OnChange unless a newer snapshot got there first.
func (w *Widget) notify(job domain.UploadJob) {
	if w.opts.OnChange == nil {
		return
	}

	w.deliverMu.Lock()
	defer w.deliverMu.Unlock()
	if job.Seq <= w.delivered {
		return
	}
	w.delivered = job.Seq
	w.opts.OnChange(job)
}

// changedLocked stamps the job as a new state and returns its snapshot.
func (w *Widget) changedLocked() domain.UploadJob {
	w.seq++
	w.job.Seq = w.seq
	w.job.UpdatedAt = time.Now().UTC()
	return w.snapshotLocked()
}

func (w *Widget) snapshotLocked() domain.UploadJob {
	job := w.job
	if job.File != nil {
		file := *job.File
		job.File = &file
	}
	return job
}

func taskError(message string) error {
	if message = strings.TrimSpace(message); message != "" {
		return fmt.Errorf("%w: %s", ErrTaskFailed, message)
	}
	return ErrTaskFailed
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
