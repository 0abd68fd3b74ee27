package domain

import (
	"encoding/json"
	"time"
)

type Discipline struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	CreatedAt  int64    `json:"createdAt"`
	UpdatedAt  int64    `json:"updatedAt"`
	LectureIDs []string `json:"lectureIds"`
}

type Lecture struct {
	ID               string    `json:"id"`
	DisciplineID     string    `json:"disciplineId"`
	Title            string    `json:"title"`
	Transcription    string    `json:"transcription"`
	Segments         []Segment `json:"segments,omitempty"`
	Summary          string    `json:"summary"`
	AudioPath        string    `json:"audioPath"`
	AudioHash        string    `json:"audioHash,omitempty"`
	TaskID           string    `json:"taskId,omitempty"`
	DurationMs       int64     `json:"durationMs,omitempty"`
	Language         string    `json:"language,omitempty"`
	ProcessingStatus string    `json:"processingStatus"`
	ProcessingError  string    `json:"processingError,omitempty"`
	PDFPath          string    `json:"pdfPath,omitempty"`
	CreatedAt        int64     `json:"createdAt"`
	UpdatedAt        int64     `json:"updatedAt"`
}

// Segment is a timed piece of a transcription.
type Segment struct {
	Text    string `json:"text"`
	StartMs int64  `json:"startMs"`
	EndMs   int64  `json:"endMs"`
}

const (
	ProcessingStatusPending    = "pending"
	ProcessingStatusProcessing = "processing"
	ProcessingStatusCompleted  = "completed"
	ProcessingStatusFailed     = "failed"
)

// UploadStatus is the lifecycle stage of an upload widget.
type UploadStatus string

const (
	UploadStatusIdle         UploadStatus = "idle"
	UploadStatusUploading    UploadStatus = "uploading"
	UploadStatusTranscribing UploadStatus = "transcribing"
	UploadStatusCompleted    UploadStatus = "completed"
	UploadStatusError        UploadStatus = "error"
)

// AudioFile describes a local file selected for upload.
type AudioFile struct {
	Name        string `json:"name"`
	Path        string `json:"-"`
	Size        int64  `json:"size"`
	ContentType string `json:"contentType"`
}

// UploadJob is a snapshot of the single job tracked by an upload widget.
type UploadJob struct {
	File                  *AudioFile   `json:"file,omitempty"`
	DisciplineID          string       `json:"disciplineId,omitempty"`
	DisciplineName        string       `json:"disciplineName,omitempty"`
	Status                UploadStatus `json:"status"`
	UploadProgress        int          `json:"uploadProgress"`
	UploadIndeterminate   bool         `json:"uploadIndeterminate,omitempty"`
	TranscriptionProgress int          `json:"transcriptionProgress"`
	TaskID                string       `json:"taskId,omitempty"`
	Error                 string       `json:"error,omitempty"`
	// Seq increases with every state change of a widget.
	Seq       uint64    `json:"seq"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TranscriptionResult is the raw status payload the backend returned when
// the job completed.
type TranscriptionResult json.RawMessage

func (r TranscriptionResult) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return json.RawMessage(r).MarshalJSON()
}

const (
	TaskStatusCompleted = "completed"
	TaskStatusError     = "error"
)

// SubmitReceipt is the backend's answer to a job submission.
type SubmitReceipt struct {
	TaskID  string `json:"taskId"`
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
}

// TaskStatus is one answer of the job status endpoint. Payload keeps the
// full response body.
type TaskStatus struct {
	Status   string          `json:"status"`
	Progress int             `json:"progress"`
	Message  string          `json:"message,omitempty"`
	Payload  json.RawMessage `json:"-"`
}
