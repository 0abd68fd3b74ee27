package events

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/MarkHenton/n8n-med-scribe/internal/domain"
)

type fakePublisher struct {
	mu     sync.Mutex
	queues []string
	bodies [][]byte
	err    error
}

func (f *fakePublisher) Publish(queue string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queues = append(f.queues, queue)
	f.bodies = append(f.bodies, body)
	return f.err
}

func (f *fakePublisher) Close() error { return nil }

func (f *fakePublisher) events(t *testing.T) []UploadEvent {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]UploadEvent, 0, len(f.bodies))
	for _, body := range f.bodies {
		var event UploadEvent
		if err := json.Unmarshal(body, &event); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		out = append(out, event)
	}
	return out
}

func TestStatusPublisherPublishesTransitionsOnly(t *testing.T) {
	pub := &fakePublisher{}
	sp := NewStatusPublisher(pub, "medscribe.upload.events")

	file := &domain.AudioFile{Name: "aula.mp3", Size: 10, ContentType: "audio/mpeg"}
	sp.Observe("d1", domain.UploadJob{Status: domain.UploadStatusIdle, File: file})
	sp.Observe("d1", domain.UploadJob{Status: domain.UploadStatusUploading, File: file})
	sp.Observe("d1", domain.UploadJob{Status: domain.UploadStatusUploading, File: file, UploadProgress: 50})
	sp.Observe("d1", domain.UploadJob{Status: domain.UploadStatusTranscribing, File: file, TaskID: "t1"})
	sp.Observe("d1", domain.UploadJob{Status: domain.UploadStatusTranscribing, File: file, TaskID: "t1", TranscriptionProgress: 40})
	sp.Observe("d1", domain.UploadJob{Status: domain.UploadStatusCompleted, File: file, TaskID: "t1", TranscriptionProgress: 100})
	sp.Observe("d1", domain.UploadJob{Status: domain.UploadStatusIdle})

	got := pub.events(t)
	want := []domain.UploadStatus{
		domain.UploadStatusUploading,
		domain.UploadStatusTranscribing,
		domain.UploadStatusCompleted,
		domain.UploadStatusIdle,
	}
	if len(got) != len(want) {
		t.Fatalf("published %d events, want %d: %+v", len(got), len(want), got)
	}
	for i, status := range want {
		if got[i].Status != status || got[i].DisciplineID != "d1" {
			t.Fatalf("event %d = %+v, want status %s", i, got[i], status)
		}
	}
	if got[2].Progress != 100 || got[2].TaskID != "t1" || got[2].FileName != "aula.mp3" {
		t.Fatalf("completed event = %+v", got[2])
	}
	for _, q := range pub.queues {
		if q != "medscribe.upload.events" {
			t.Fatalf("queue = %q", q)
		}
	}
}

func TestStatusPublisherTracksDisciplinesSeparately(t *testing.T) {
	pub := &fakePublisher{}
	sp := NewStatusPublisher(pub, "q")

	sp.Observe("a", domain.UploadJob{Status: domain.UploadStatusUploading})
	sp.Observe("b", domain.UploadJob{Status: domain.UploadStatusUploading})
	sp.Observe("a", domain.UploadJob{Status: domain.UploadStatusError, Error: "boom"})

	got := pub.events(t)
	if len(got) != 3 {
		t.Fatalf("published %d events, want 3", len(got))
	}
	if got[2].Error != "boom" || got[2].DisciplineID != "a" {
		t.Fatalf("error event = %+v", got[2])
	}

	sp.Forget("a")
	sp.Observe("a", domain.UploadJob{Status: domain.UploadStatusError})
	if n := len(pub.events(t)); n != 4 {
		t.Fatalf("after Forget published %d events, want 4", n)
	}
}

func TestStatusPublisherSurvivesPublishErrors(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker down")}
	sp := NewStatusPublisher(pub, "q")

	sp.Observe("d", domain.UploadJob{Status: domain.UploadStatusUploading})
	sp.Observe("d", domain.UploadJob{Status: domain.UploadStatusTranscribing})

	if n := len(pub.events(t)); n != 2 {
		t.Fatalf("attempted %d publishes, want 2", n)
	}
}

func TestNoopPublisher(t *testing.T) {
	p := NewNoopPublisher()
	if err := p.Publish("q", []byte("{}")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}
