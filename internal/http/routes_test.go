package http

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/MarkHenton/n8n-med-scribe/internal/config"
	"github.com/MarkHenton/n8n-med-scribe/internal/domain"
	"github.com/MarkHenton/n8n-med-scribe/internal/events"
	"github.com/MarkHenton/n8n-med-scribe/internal/services"
	"github.com/MarkHenton/n8n-med-scribe/internal/storage"
)

// fakeVPS accepts every submission and reports the configured final status
// on the first poll.
type fakeVPS struct {
	mu          sync.Mutex
	submissions []map[string]string
	finalStatus string
}

func (f *fakeVPS) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/whisperx/transcribe", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if _, _, err := r.FormFile("audio"); err != nil {
			http.Error(w, "missing audio", http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.submissions = append(f.submissions, map[string]string{
			"discipline_id":   r.FormValue("discipline_id"),
			"discipline_name": r.FormValue("discipline_name"),
			"filename":        r.FormValue("filename"),
		})
		f.mu.Unlock()
		w.Write([]byte(`{"task_id":"task-1","status":"processing"}`))
	})
	mux.HandleFunc("/api/whisperx/status/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		final := f.finalStatus
		f.mu.Unlock()
		if final == domain.TaskStatusError {
			w.Write([]byte(`{"status":"error","error":"whisperx crashed"}`))
			return
		}
		w.Write([]byte(`{"status":"completed","progress":100,"transcription":"O coração tem quatro câmaras.","summary":["Câmaras cardíacas"],"language":"pt","duration":61.5,"segments":[{"text":"O coração","start":0.0,"end":2.5},{"text":"tem quatro câmaras.","start":45.25,"end":61.5}]}`))
	})
	return mux
}

type testEnv struct {
	engine *gin.Engine
	repo   storage.Repository
	api    *API
	vps    *fakeVPS
	cfg    config.Config
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	vps := &fakeVPS{finalStatus: domain.TaskStatusCompleted}
	backend := httptest.NewServer(vps.handler())
	t.Cleanup(backend.Close)

	cfg := config.Config{
		Port:            "8080",
		BaseURL:         "http://localhost:8080",
		ShareSecret:     "secret",
		ShareTTL:        time.Minute,
		MaxUploadBytes:  1 * 1024 * 1024,
		DataDir:         t.TempDir(),
		VPSBaseURL:      backend.URL,
		VPSSubmitPath:   "/api/whisperx/transcribe",
		VPSStatusPath:   "/api/whisperx/status",
		VPSTimeout:      5 * time.Second,
		PollInterval:    10 * time.Millisecond,
		CompletionGrace: 20 * time.Millisecond,
		MaxPollAttempts: 50,
		EventsQueue:     "test.events",
	}

	fm, err := storage.NewFileManager(cfg.DataDir, cfg.MaxUploadBytes)
	if err != nil {
		t.Fatalf("file manager: %v", err)
	}

	repo, err := storage.NewStore(cfg.DataDir)
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	statusEvents := events.NewStatusPublisher(events.NewNoopPublisher(), cfg.EventsQueue)
	api := NewAPI(cfg, fm, repo, services.NewVPSClient(cfg), services.NewPDFService(), services.NewShareService(cfg), statusEvents)
	t.Cleanup(api.Close)

	engine := gin.New()
	engine.Use(gin.Recovery())
	registerRoutes(engine, api)

	return &testEnv{engine: engine, repo: repo, api: api, vps: vps, cfg: cfg}
}

func (e *testEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	e.engine.ServeHTTP(rec, req)
	return rec
}

func uploadRequest(t *testing.T, disciplineID, filename string, content []byte) *http.Request {
	t.Helper()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("audio", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	part.Write(content)
	writer.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/disciplines/"+disciplineID+"/upload", &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
}

func TestHealthHandler(t *testing.T) {
	env := setupTestServer(t)

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]any
	decodeBody(t, rec, &body)
	if ok, exists := body["ok"].(bool); !exists || !ok {
		t.Fatalf("expected ok=true, body=%v", body)
	}
}

func TestDisciplineCRUD(t *testing.T) {
	env := setupTestServer(t)

	create := httptest.NewRequest(http.MethodPost, "/api/disciplines", strings.NewReader(`{"name":" Cardiologia "}`))
	create.Header.Set("Content-Type", "application/json")
	rec := env.do(t, create)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d", rec.Code)
	}
	var created domain.Discipline
	decodeBody(t, rec, &created)
	if created.Name != "Cardiologia" || created.ID == "" {
		t.Fatalf("created = %+v", created)
	}

	blank := httptest.NewRequest(http.MethodPost, "/api/disciplines", strings.NewReader(`{"name":"  "}`))
	blank.Header.Set("Content-Type", "application/json")
	if rec := env.do(t, blank); rec.Code != http.StatusBadRequest {
		t.Fatalf("blank name: expected 400, got %d", rec.Code)
	}

	rename := httptest.NewRequest(http.MethodPatch, "/api/disciplines/"+created.ID, strings.NewReader(`{"name":"Cardio"}`))
	rename.Header.Set("Content-Type", "application/json")
	if rec := env.do(t, rename); rec.Code != http.StatusOK {
		t.Fatalf("rename: expected 200, got %d", rec.Code)
	}

	missing := httptest.NewRequest(http.MethodPatch, "/api/disciplines/nope", strings.NewReader(`{"name":"x"}`))
	missing.Header.Set("Content-Type", "application/json")
	if rec := env.do(t, missing); rec.Code != http.StatusNotFound {
		t.Fatalf("rename missing: expected 404, got %d", rec.Code)
	}

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/api/disciplines", nil))
	var list []domain.Discipline
	decodeBody(t, rec, &list)
	if len(list) != 1 || list[0].Name != "Cardio" {
		t.Fatalf("list = %+v", list)
	}

	if rec := env.do(t, httptest.NewRequest(http.MethodDelete, "/api/disciplines/"+created.ID, nil)); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", rec.Code)
	}
	if rec := env.do(t, httptest.NewRequest(http.MethodGet, "/api/disciplines/"+created.ID+"/lectures", nil)); rec.Code != http.StatusNotFound {
		t.Fatalf("lectures of deleted discipline: expected 404, got %d", rec.Code)
	}
}

func TestUploadMissingFile(t *testing.T) {
	env := setupTestServer(t)

	discipline, err := env.repo.CreateDiscipline("Test")
	if err != nil {
		t.Fatalf("create discipline: %v", err)
	}

	rec := env.do(t, httptest.NewRequest(http.MethodPost, "/api/disciplines/"+discipline.ID+"/upload", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	var body map[string]any
	decodeBody(t, rec, &body)
	if body["error"] == nil {
		t.Fatalf("expected error message in response")
	}
}

func TestUploadUnknownDiscipline(t *testing.T) {
	env := setupTestServer(t)

	rec := env.do(t, uploadRequest(t, "missing", "aula.mp3", []byte("audio")))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestUploadRejectsNonAudio(t *testing.T) {
	env := setupTestServer(t)

	discipline, err := env.repo.CreateDiscipline("Anatomia")
	if err != nil {
		t.Fatalf("create discipline: %v", err)
	}

	rec := env.do(t, uploadRequest(t, discipline.ID, "notes.txt", []byte("just some text")))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}

	entries, _ := os.ReadDir(filepath.Join(env.cfg.DataDir, "audio"))
	if len(entries) != 0 {
		t.Fatalf("rejected upload left %d staged files", len(entries))
	}
	if len(env.vps.submissions) != 0 {
		t.Fatalf("rejected upload reached the backend")
	}
}

func TestUploadCreatesLectureOnCompletion(t *testing.T) {
	env := setupTestServer(t)

	discipline, err := env.repo.CreateDiscipline("Cardiologia")
	if err != nil {
		t.Fatalf("create discipline: %v", err)
	}

	content := bytes.Repeat([]byte{0xff, 0xfb, 0x90, 0x00}, 256)
	rec := env.do(t, uploadRequest(t, discipline.ID, "Aula 01.mp3", content))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	var accepted struct {
		Upload domain.UploadJob `json:"upload"`
	}
	decodeBody(t, rec, &accepted)
	if accepted.Upload.Status == domain.UploadStatusIdle || accepted.Upload.File == nil {
		t.Fatalf("accepted state = %+v", accepted.Upload)
	}

	var lectures []domain.Lecture
	waitFor(t, "lecture", func() bool {
		lectures, _ = env.repo.ListLecturesByDiscipline(discipline.ID)
		return len(lectures) == 1
	})

	lecture := lectures[0]
	if lecture.Title != "Aula 01" || lecture.TaskID != "task-1" || lecture.ProcessingStatus != domain.ProcessingStatusCompleted {
		t.Fatalf("lecture = %+v", lecture)
	}
	if lecture.Transcription != "O coração tem quatro câmaras." || lecture.Summary != "Câmaras cardíacas" || lecture.DurationMs != 61500 {
		t.Fatalf("lecture content = %+v", lecture)
	}
	if lecture.AudioHash == "" || lecture.AudioPath == "" {
		t.Fatalf("lecture audio = %q %q", lecture.AudioPath, lecture.AudioHash)
	}
	if len(lecture.Segments) != 2 || lecture.Segments[1].StartMs != 45250 || lecture.Segments[1].EndMs != 61500 {
		t.Fatalf("lecture segments = %+v", lecture.Segments)
	}

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/api/lectures/"+lecture.ID, nil))
	var fetched domain.Lecture
	decodeBody(t, rec, &fetched)
	if len(fetched.Segments) != 2 || fetched.Segments[0].Text != "O coração" {
		t.Fatalf("fetched segments = %+v", fetched.Segments)
	}

	env.vps.mu.Lock()
	submitted := env.vps.submissions[0]
	env.vps.mu.Unlock()
	if submitted["discipline_id"] != discipline.ID || submitted["discipline_name"] != "Cardiologia" || submitted["filename"] != "Aula 01.mp3" {
		t.Fatalf("submission fields = %v", submitted)
	}

	waitFor(t, "idle widget", func() bool {
		rec := env.do(t, httptest.NewRequest(http.MethodGet, "/api/disciplines/"+discipline.ID+"/upload", nil))
		var state struct {
			Upload domain.UploadJob `json:"upload"`
		}
		decodeBody(t, rec, &state)
		return state.Upload.Status == domain.UploadStatusIdle
	})

	dup := env.do(t, uploadRequest(t, discipline.ID, "copia.mp3", content))
	if dup.Code != http.StatusConflict {
		t.Fatalf("duplicate upload: expected 409, got %d", dup.Code)
	}
}

func TestUploadBackendErrorDiscardsAudio(t *testing.T) {
	env := setupTestServer(t)
	env.vps.finalStatus = domain.TaskStatusError

	discipline, err := env.repo.CreateDiscipline("Patologia")
	if err != nil {
		t.Fatalf("create discipline: %v", err)
	}

	rec := env.do(t, uploadRequest(t, discipline.ID, "aula.wav", []byte("RIFF\x24\x00\x00\x00WAVEfmt ")))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	var state struct {
		Upload domain.UploadJob `json:"upload"`
	}
	waitFor(t, "error state", func() bool {
		rec := env.do(t, httptest.NewRequest(http.MethodGet, "/api/disciplines/"+discipline.ID+"/upload", nil))
		decodeBody(t, rec, &state)
		return state.Upload.Status == domain.UploadStatusError
	})
	if !strings.Contains(state.Upload.Error, "whisperx crashed") {
		t.Fatalf("error = %q", state.Upload.Error)
	}

	waitFor(t, "staged audio removal", func() bool {
		entries, _ := os.ReadDir(filepath.Join(env.cfg.DataDir, "audio"))
		return len(entries) == 0
	})
	if lectures, _ := env.repo.ListLecturesByDiscipline(discipline.ID); len(lectures) != 0 {
		t.Fatalf("failed job created lectures: %+v", lectures)
	}
}

func TestPDFAndShareLink(t *testing.T) {
	env := setupTestServer(t)

	discipline, err := env.repo.CreateDiscipline("Fisiologia")
	if err != nil {
		t.Fatalf("create discipline: %v", err)
	}
	lecture, err := env.repo.CreateLecture(domain.Lecture{
		DisciplineID:     discipline.ID,
		Title:            "Contração Cardíaca",
		Transcription:    "texto da aula",
		Summary:          "ponto um\nponto dois",
		DurationMs:       90000,
		ProcessingStatus: domain.ProcessingStatusCompleted,
	})
	if err != nil {
		t.Fatalf("create lecture: %v", err)
	}

	noPDF := env.do(t, httptest.NewRequest(http.MethodPost, "/api/lectures/"+lecture.ID+"/share", nil))
	if noPDF.Code != http.StatusBadRequest {
		t.Fatalf("share without pdf: expected 400, got %d", noPDF.Code)
	}

	if rec := env.do(t, httptest.NewRequest(http.MethodPost, "/api/lectures/"+lecture.ID+"/pdf", nil)); rec.Code != http.StatusOK {
		t.Fatalf("pdf: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec := env.do(t, httptest.NewRequest(http.MethodPost, "/api/lectures/"+lecture.ID+"/share", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("share: expected 200, got %d", rec.Code)
	}
	var body struct {
		URL string `json:"url"`
	}
	decodeBody(t, rec, &body)
	if !strings.HasPrefix(body.URL, env.cfg.BaseURL+"/pdf/"+lecture.ID+"?") {
		t.Fatalf("share url = %q", body.URL)
	}

	served := env.do(t, httptest.NewRequest(http.MethodGet, strings.TrimPrefix(body.URL, env.cfg.BaseURL), nil))
	if served.Code != http.StatusOK || served.Header().Get("Content-Type") != "application/pdf" {
		t.Fatalf("serve pdf: got %d %q", served.Code, served.Header().Get("Content-Type"))
	}
	if !bytes.HasPrefix(served.Body.Bytes(), []byte("%PDF")) {
		t.Fatalf("served body is not a pdf")
	}

	invalid := env.do(t, httptest.NewRequest(http.MethodGet, "/pdf/"+lecture.ID+"?exp=9999999999&sig=invalid", nil))
	if invalid.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for invalid signature, got %d", invalid.Code)
	}

	expired := env.do(t, httptest.NewRequest(http.MethodGet, "/pdf/"+lecture.ID+"?exp=1&sig=whatever", nil))
	if expired.Code != http.StatusGone {
		t.Fatalf("expected 410 for expired link, got %d", expired.Code)
	}

	if rec := env.do(t, httptest.NewRequest(http.MethodDelete, "/api/lectures/"+lecture.ID, nil)); rec.Code != http.StatusNoContent {
		t.Fatalf("delete lecture: expected 204, got %d", rec.Code)
	}
	if _, err := os.Stat(env.api.files.PDFPath(lecture.ID)); !os.IsNotExist(err) {
		t.Fatalf("pdf survived lecture delete: %v", err)
	}
}

func TestLectureAudioSupportsRanges(t *testing.T) {
	env := setupTestServer(t)

	discipline, err := env.repo.CreateDiscipline("Neurologia")
	if err != nil {
		t.Fatalf("create discipline: %v", err)
	}

	audio, _, err := env.api.files.SaveUploadedAudio(strings.NewReader("0123456789"), "aula.mp3", "")
	if err != nil {
		t.Fatalf("stage audio: %v", err)
	}
	lecture, err := env.repo.CreateLecture(domain.Lecture{DisciplineID: discipline.ID, Title: "Aula", AudioPath: audio.Path})
	if err != nil {
		t.Fatalf("create lecture: %v", err)
	}

	full := env.do(t, httptest.NewRequest(http.MethodGet, "/api/lectures/"+lecture.ID+"/audio", nil))
	if full.Code != http.StatusOK || full.Body.String() != "0123456789" {
		t.Fatalf("full audio: got %d %q", full.Code, full.Body.String())
	}
	if ct := full.Header().Get("Content-Type"); ct != "audio/mpeg" {
		t.Fatalf("content type = %q", ct)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/lectures/"+lecture.ID+"/audio", nil)
	req.Header.Set("Range", "bytes=2-5")
	partial := env.do(t, req)
	if partial.Code != http.StatusPartialContent || partial.Body.String() != "2345" {
		t.Fatalf("range request: got %d %q", partial.Code, partial.Body.String())
	}

	silent, err := env.repo.CreateLecture(domain.Lecture{DisciplineID: discipline.ID, Title: "Sem áudio"})
	if err != nil {
		t.Fatalf("create lecture: %v", err)
	}
	if rec := env.do(t, httptest.NewRequest(http.MethodGet, "/api/lectures/"+silent.ID+"/audio", nil)); rec.Code != http.StatusNotFound {
		t.Fatalf("lecture without audio: expected 404, got %d", rec.Code)
	}
	if rec := env.do(t, httptest.NewRequest(http.MethodGet, "/api/lectures/missing/audio", nil)); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown lecture: expected 404, got %d", rec.Code)
	}
}

func TestFailedLectureSaveRemovesAudio(t *testing.T) {
	env := setupTestServer(t)

	discipline, err := env.repo.CreateDiscipline("Farmacologia")
	if err != nil {
		t.Fatalf("create discipline: %v", err)
	}
	audio, hash, err := env.api.files.SaveUploadedAudio(strings.NewReader("audio"), "aula.mp3", "")
	if err != nil {
		t.Fatalf("stage audio: %v", err)
	}
	env.api.staging.put(discipline.ID, stagedAudio{audio: audio, hash: hash})

	if err := env.repo.DeleteDiscipline(discipline.ID); err != nil {
		t.Fatalf("delete discipline: %v", err)
	}

	env.api.saveLecture(discipline.ID, domain.UploadJob{TaskID: "task-9"}, domain.TranscriptionResult(`{"status":"completed","transcription":"x"}`))

	if _, err := os.Stat(audio.Path); !os.IsNotExist(err) {
		t.Fatalf("audio kept after failed save: %v", err)
	}
	if lectures, _ := env.repo.ListLectures(); len(lectures) != 0 {
		t.Fatalf("lectures = %+v", lectures)
	}
}

func TestShutdownKeepsInterruptedUpload(t *testing.T) {
	gin.SetMode(gin.TestMode)

	entered := make(chan struct{}, 1)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-r.Context().Done()
	}))
	t.Cleanup(backend.Close)

	cfg := config.Config{
		DataDir:         t.TempDir(),
		MaxUploadBytes:  1 << 20,
		VPSBaseURL:      backend.URL,
		VPSSubmitPath:   "/api/whisperx/transcribe",
		VPSStatusPath:   "/api/whisperx/status",
		VPSTimeout:      5 * time.Second,
		PollInterval:    10 * time.Millisecond,
		CompletionGrace: 10 * time.Millisecond,
	}
	fm, err := storage.NewFileManager(cfg.DataDir, cfg.MaxUploadBytes)
	if err != nil {
		t.Fatalf("file manager: %v", err)
	}
	repo, err := storage.NewStore(cfg.DataDir)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	api := NewAPI(cfg, fm, repo, services.NewVPSClient(cfg), services.NewPDFService(), services.NewShareService(cfg),
		events.NewStatusPublisher(events.NewNoopPublisher(), "q"))
	engine := gin.New()
	registerRoutes(engine, api)

	discipline, err := repo.CreateDiscipline("Clínica")
	if err != nil {
		t.Fatalf("create discipline: %v", err)
	}

	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, uploadRequest(t, discipline.ID, "aula.mp3", []byte("audio bytes")))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	select {
	case <-entered:
	case <-time.After(3 * time.Second):
		t.Fatal("backend never received the upload")
	}
	api.Close()

	entries, _ := os.ReadDir(filepath.Join(cfg.DataDir, "audio"))
	if len(entries) != 1 {
		t.Fatalf("audio files after shutdown = %d, want 1", len(entries))
	}
}
