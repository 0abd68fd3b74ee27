package events

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/MarkHenton/n8n-med-scribe/internal/domain"
)

// UploadEvent is published whenever a discipline's upload changes status.
type UploadEvent struct {
	DisciplineID string              `json:"disciplineId"`
	TaskID       string              `json:"taskId,omitempty"`
	FileName     string              `json:"fileName,omitempty"`
	Status       domain.UploadStatus `json:"status"`
	Progress     int                 `json:"progress"`
	Error        string              `json:"error,omitempty"`
	At           time.Time           `json:"at"`
}

// StatusPublisher turns widget snapshots into events. Progress-only changes
// are not published.
type StatusPublisher struct {
	publisher Publisher
	queue     string

	mu   sync.Mutex
	last map[string]domain.UploadStatus
}

func NewStatusPublisher(publisher Publisher, queue string) *StatusPublisher {
	return &StatusPublisher{
		publisher: publisher,
		queue:     queue,
		last:      map[string]domain.UploadStatus{},
	}
}

// Observe records a snapshot for disciplineID and publishes it when the
// status differs from the previous one.
func (s *StatusPublisher) Observe(disciplineID string, job domain.UploadJob) {
	s.mu.Lock()
	prev, seen := s.last[disciplineID]
	s.last[disciplineID] = job.Status
	if prev == job.Status || (!seen && job.Status == domain.UploadStatusIdle) {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	event := UploadEvent{
		DisciplineID: disciplineID,
		TaskID:       job.TaskID,
		Status:       job.Status,
		Progress:     progressOf(job),
		Error:        job.Error,
		At:           job.UpdatedAt,
	}
	if job.File != nil {
		event.FileName = job.File.Name
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	body, err := json.Marshal(event)
	if err != nil {
		log.Printf("encode upload event: %v", err)
		return
	}
	if err := s.publisher.Publish(s.queue, body); err != nil {
		log.Printf("publish upload event for discipline %s: %v", disciplineID, err)
	}
}

// Forget drops the remembered status of a discipline.
func (s *StatusPublisher) Forget(disciplineID string) {
	s.mu.Lock()
	delete(s.last, disciplineID)
	s.mu.Unlock()
}

func progressOf(job domain.UploadJob) int {
	switch job.Status {
	case domain.UploadStatusUploading:
		return job.UploadProgress
	case domain.UploadStatusTranscribing, domain.UploadStatusCompleted:
		return job.TranscriptionProgress
	default:
		return 0
	}
}
