package http

import (
	"context"
	"errors"
	"log"
	"net/http"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/MarkHenton/n8n-med-scribe/internal/domain"
	"github.com/MarkHenton/n8n-med-scribe/internal/services"
	"github.com/MarkHenton/n8n-med-scribe/internal/storage"
	"github.com/MarkHenton/n8n-med-scribe/internal/upload"
)

type stagedAudio struct {
	audio domain.AudioFile
	hash  string
}

// stagingArea remembers the stored audio of each discipline's in-flight job
// until it completes or fails.
type stagingArea struct {
	mu     sync.Mutex
	byDisc map[string]stagedAudio
}

func newStagingArea() *stagingArea {
	return &stagingArea{byDisc: map[string]stagedAudio{}}
}

func (s *stagingArea) put(disciplineID string, staged stagedAudio) {
	s.mu.Lock()
	s.byDisc[disciplineID] = staged
	s.mu.Unlock()
}

func (s *stagingArea) take(disciplineID string) (stagedAudio, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	staged, ok := s.byDisc[disciplineID]
	delete(s.byDisc, disciplineID)
	return staged, ok
}

func (s *stagingArea) hasHash(hash string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, staged := range s.byDisc {
		if staged.hash == hash {
			return true
		}
	}
	return false
}

func (a *API) newWidget(backend upload.Backend, disciplineID string) *upload.Widget {
	return upload.NewWidget(context.Background(), backend, upload.Options{
		PollInterval:    a.cfg.PollInterval,
		CompletionGrace: a.cfg.CompletionGrace,
		MaxPollAttempts: a.cfg.MaxPollAttempts,
		OnChange: func(job domain.UploadJob) {
			a.events.Observe(disciplineID, job)
			if job.Status == domain.UploadStatusError {
				a.discardStaged(disciplineID)
			}
		},
		OnComplete: func(job domain.UploadJob, result domain.TranscriptionResult) {
			a.saveLecture(disciplineID, job, result)
		},
	})
}

func (a *API) handleUploadAudio(c *gin.Context) {
	disciplineID := c.Param("id")
	discipline, err := a.repo.GetDiscipline(disciplineID)
	if err != nil {
		respondRepoError(c, err)
		return
	}

	fileHeader, err := c.FormFile("audio")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondMessage(c, http.StatusRequestEntityTooLarge, "audio file exceeds maximum size")
			return
		}
		respondMessage(c, http.StatusBadRequest, "missing audio file")
		return
	}
	log.Printf("received upload: discipline=%s filename=%s size=%d", disciplineID, fileHeader.Filename, fileHeader.Size)

	src, err := fileHeader.Open()
	if err != nil {
		log.Printf("error opening upload: %v", err)
		respondMessage(c, http.StatusInternalServerError, "unable to read uploaded file")
		return
	}
	defer src.Close()

	audio, hash, err := a.files.SaveUploadedAudio(src, fileHeader.Filename, fileHeader.Header.Get("Content-Type"))
	if err != nil {
		if errors.Is(err, storage.ErrFileTooLarge) {
			respondMessage(c, http.StatusBadRequest, upload.ErrFileTooLarge.Error())
			return
		}
		log.Printf("error saving uploaded audio: %v", err)
		respondMessage(c, http.StatusInternalServerError, "unable to store uploaded file")
		return
	}

	if err := upload.ValidateFile(audio); err != nil {
		a.files.Remove(audio.Path)
		respondError(c, http.StatusBadRequest, err)
		return
	}

	if a.isDuplicate(hash) {
		a.files.Remove(audio.Path)
		respondMessage(c, http.StatusConflict, "this audio was already uploaded")
		return
	}

	widget := a.uploads.Get(disciplineID)
	if err := a.startUpload(widget, discipline, stagedAudio{audio: audio, hash: hash}); err != nil {
		a.files.Remove(audio.Path)
		switch {
		case errors.Is(err, upload.ErrBusy):
			respondError(c, http.StatusConflict, err)
		case errors.Is(err, upload.ErrUnsupportedType), errors.Is(err, upload.ErrFileTooLarge):
			respondError(c, http.StatusBadRequest, err)
		default:
			respondError(c, http.StatusServiceUnavailable, err)
		}
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"upload": widget.State()})
}

// startUpload selects and submits the staged audio. The staging entry is
// recorded before submission so that completion always finds it.
func (a *API) startUpload(widget *upload.Widget, discipline domain.Discipline, staged stagedAudio) error {
	a.staging.mu.Lock()
	if _, busy := a.staging.byDisc[discipline.ID]; busy {
		a.staging.mu.Unlock()
		return upload.ErrBusy
	}
	a.staging.byDisc[discipline.ID] = staged
	a.staging.mu.Unlock()

	err := widget.Select(staged.audio)
	if err == nil {
		err = widget.Submit(discipline.ID, discipline.Name)
	}
	if err != nil {
		a.staging.take(discipline.ID)
		return err
	}
	return nil
}

func (a *API) handleUploadState(c *gin.Context) {
	disciplineID := c.Param("id")
	if _, err := a.repo.GetDiscipline(disciplineID); err != nil {
		respondRepoError(c, err)
		return
	}

	state := domain.UploadJob{Status: domain.UploadStatusIdle}
	if widget, ok := a.uploads.Lookup(disciplineID); ok {
		state = widget.State()
	}
	c.JSON(http.StatusOK, gin.H{"upload": state})
}

func (a *API) isDuplicate(hash string) bool {
	if a.staging.hasHash(hash) {
		return true
	}
	_, err := a.repo.FindLectureByHash(hash)
	return err == nil
}

func (a *API) discardStaged(disciplineID string) {
	if staged, ok := a.staging.take(disciplineID); ok {
		a.files.Remove(staged.audio.Path)
	}
}

// saveLecture stores the lecture produced by a completed job.
func (a *API) saveLecture(disciplineID string, job domain.UploadJob, result domain.TranscriptionResult) {
	staged, ok := a.staging.take(disciplineID)
	if !ok && job.File != nil {
		staged.audio = *job.File
	}

	transcript, err := services.ParseTranscript(result)
	if err != nil {
		log.Printf("task %s: %v", job.TaskID, err)
	}

	lecture := domain.Lecture{
		DisciplineID:     disciplineID,
		Title:            lectureTitle(staged.audio.Name),
		Transcription:    transcript.Text,
		Segments:         transcript.Segments,
		Summary:          transcript.Summary,
		Language:         transcript.Language,
		DurationMs:       transcript.DurationMs,
		AudioPath:        staged.audio.Path,
		AudioHash:        staged.hash,
		TaskID:           job.TaskID,
		ProcessingStatus: domain.ProcessingStatusCompleted,
	}

	saved, err := a.repo.CreateLecture(lecture)
	if err != nil {
		log.Printf("save lecture for task %s: %v", job.TaskID, err)
		a.files.Remove(staged.audio.Path)
		return
	}
	log.Printf("lecture %s created for discipline %s", saved.ID, disciplineID)
}

func lectureTitle(filename string) string {
	title := strings.TrimSpace(strings.TrimSuffix(filename, filepath.Ext(filename)))
	if title == "" {
		return "Aula"
	}
	return title
}
