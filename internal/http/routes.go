package http

import (
	"errors"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/MarkHenton/n8n-med-scribe/internal/config"
	"github.com/MarkHenton/n8n-med-scribe/internal/events"
	"github.com/MarkHenton/n8n-med-scribe/internal/services"
	"github.com/MarkHenton/n8n-med-scribe/internal/storage"
	"github.com/MarkHenton/n8n-med-scribe/internal/upload"
)

type API struct {
	cfg     config.Config
	files   *storage.FileManager
	repo    storage.Repository
	pdf     *services.PDFService
	share   *services.ShareService
	events  *events.StatusPublisher
	uploads *upload.Registry
	staging *stagingArea
}

func NewAPI(cfg config.Config, fm *storage.FileManager, repo storage.Repository, backend upload.Backend, pdf *services.PDFService, share *services.ShareService, statusEvents *events.StatusPublisher) *API {
	a := &API{
		cfg:     cfg,
		files:   fm,
		repo:    repo,
		pdf:     pdf,
		share:   share,
		events:  statusEvents,
		staging: newStagingArea(),
	}
	a.uploads = upload.NewRegistry(func(disciplineID string) *upload.Widget {
		return a.newWidget(backend, disciplineID)
	})
	return a
}

// Close stops every upload widget.
func (a *API) Close() {
	a.uploads.Close()
}

func registerRoutes(r *gin.Engine, api *API) {
	apiGroup := r.Group("/api")
	{
		apiGroup.GET("/health", api.handleHealth)

		apiGroup.GET("/disciplines", api.handleListDisciplines)
		apiGroup.POST("/disciplines", api.handleCreateDiscipline)
		apiGroup.PATCH("/disciplines/:id", api.handleRenameDiscipline)
		apiGroup.DELETE("/disciplines/:id", api.handleDeleteDiscipline)

		apiGroup.GET("/disciplines/:id/lectures", api.handleListLecturesByDiscipline)
		apiGroup.POST("/disciplines/:id/upload", api.handleUploadAudio)
		apiGroup.GET("/disciplines/:id/upload", api.handleUploadState)

		apiGroup.GET("/lectures/:id", api.handleGetLecture)
		apiGroup.DELETE("/lectures/:id", api.handleDeleteLecture)
		apiGroup.GET("/lectures/:id/audio", api.handleLectureAudio)
		apiGroup.POST("/lectures/:id/pdf", api.handleGeneratePDF)
		apiGroup.POST("/lectures/:id/share", api.handleShareLecture)
	}

	r.GET("/pdf/:id", api.handleServePDF)
}

func (a *API) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (a *API) handleListDisciplines(c *gin.Context) {
	disciplines, err := a.repo.ListDisciplines()
	if err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, disciplines)
}

func (a *API) handleCreateDiscipline(c *gin.Context) {
	var payload struct {
		Name string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}

	payload.Name = strings.TrimSpace(payload.Name)
	if payload.Name == "" {
		respondMessage(c, http.StatusBadRequest, "name is required")
		return
	}

	discipline, err := a.repo.CreateDiscipline(payload.Name)
	if err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}

	c.JSON(http.StatusCreated, discipline)
}

func (a *API) handleRenameDiscipline(c *gin.Context) {
	var payload struct {
		Name string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}

	payload.Name = strings.TrimSpace(payload.Name)
	if payload.Name == "" {
		respondMessage(c, http.StatusBadRequest, "name is required")
		return
	}

	discipline, err := a.repo.RenameDiscipline(c.Param("id"), payload.Name)
	if err != nil {
		respondRepoError(c, err)
		return
	}

	c.JSON(http.StatusOK, discipline)
}

func (a *API) handleDeleteDiscipline(c *gin.Context) {
	disciplineID := c.Param("id")
	lectures, err := a.repo.ListLecturesByDiscipline(disciplineID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}

	if err := a.repo.DeleteDiscipline(disciplineID); err != nil {
		respondRepoError(c, err)
		return
	}

	a.uploads.Remove(disciplineID)
	if staged, ok := a.staging.take(disciplineID); ok {
		a.files.Remove(staged.audio.Path)
	}
	a.events.Forget(disciplineID)

	for _, lecture := range lectures {
		a.removeLectureFiles(lecture.AudioPath, lecture.PDFPath)
	}

	c.Status(http.StatusNoContent)
}

func (a *API) handleListLecturesByDiscipline(c *gin.Context) {
	if _, err := a.repo.GetDiscipline(c.Param("id")); err != nil {
		respondRepoError(c, err)
		return
	}

	lectures, err := a.repo.ListLecturesByDiscipline(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, lectures)
}

func (a *API) handleGetLecture(c *gin.Context) {
	lecture, err := a.repo.GetLecture(c.Param("id"))
	if err != nil {
		respondRepoError(c, err)
		return
	}

	c.JSON(http.StatusOK, lecture)
}

func (a *API) handleDeleteLecture(c *gin.Context) {
	lecture, err := a.repo.GetLecture(c.Param("id"))
	if err != nil {
		respondRepoError(c, err)
		return
	}

	if err := a.repo.DeleteLecture(lecture.ID); err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}

	a.removeLectureFiles(lecture.AudioPath, lecture.PDFPath)
	c.Status(http.StatusNoContent)
}

func (a *API) handleLectureAudio(c *gin.Context) {
	lecture, err := a.repo.GetLecture(c.Param("id"))
	if err != nil {
		respondRepoError(c, err)
		return
	}

	if lecture.AudioPath == "" {
		respondMessage(c, http.StatusNotFound, "no audio stored for this lecture")
		return
	}
	audio, err := storage.DescribeAudio(lecture.AudioPath)
	if err != nil {
		respondMessage(c, http.StatusNotFound, "audio not found")
		return
	}

	c.Header("Content-Type", audio.ContentType)
	c.File(lecture.AudioPath)
}

func (a *API) handleGeneratePDF(c *gin.Context) {
	lecture, err := a.repo.GetLecture(c.Param("id"))
	if err != nil {
		respondRepoError(c, err)
		return
	}

	discipline, _ := a.repo.GetDiscipline(lecture.DisciplineID)

	pdfPath := a.files.PDFPath(lecture.ID)
	if err := a.pdf.GeneratePDF(lecture, discipline, pdfPath); err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}

	lecture.PDFPath = pdfPath
	if _, err := a.repo.UpdateLecture(lecture); err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"pdfPath": pdfPath})
}

func (a *API) handleShareLecture(c *gin.Context) {
	lecture, err := a.repo.GetLecture(c.Param("id"))
	if err != nil {
		respondRepoError(c, err)
		return
	}

	if lecture.PDFPath == "" {
		respondMessage(c, http.StatusBadRequest, "no pdf available for this lecture")
		return
	}

	url, expiresAt := a.share.Generate(lecture.ID)
	c.JSON(http.StatusOK, gin.H{"url": url, "expiresAt": expiresAt.UTC()})
}

func (a *API) handleServePDF(c *gin.Context) {
	lectureID := c.Param("id")
	expiresParam := c.Query("exp")
	signature := c.Query("sig")

	if expiresParam == "" || signature == "" {
		respondMessage(c, http.StatusBadRequest, "missing signature")
		return
	}

	expires, err := strconv.ParseInt(expiresParam, 10, 64)
	if err != nil {
		respondMessage(c, http.StatusBadRequest, "invalid expiration")
		return
	}

	if expires < time.Now().Unix() {
		respondMessage(c, http.StatusGone, "link expired")
		return
	}

	if !a.share.Validate(services.LecturePDFPath(lectureID), expires, signature) {
		respondMessage(c, http.StatusForbidden, "invalid signature")
		return
	}

	lecture, err := a.repo.GetLecture(lectureID)
	if err != nil {
		respondRepoError(c, err)
		return
	}

	pdfPath := lecture.PDFPath
	if pdfPath == "" {
		pdfPath = a.files.PDFPath(lectureID)
	}

	if _, err := os.Stat(pdfPath); err != nil {
		respondMessage(c, http.StatusNotFound, "pdf not found")
		return
	}

	c.Header("Content-Type", "application/pdf")
	c.FileAttachment(pdfPath, filepath.Base(pdfPath))
}

func (a *API) removeLectureFiles(paths ...string) {
	for _, path := range paths {
		a.files.Remove(path)
	}
}

func respondRepoError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, storage.ErrDisciplineNotFound), errors.Is(err, storage.ErrLectureNotFound):
		respondMessage(c, http.StatusNotFound, err.Error())
	default:
		log.Printf("repository error: %v", err)
		respondError(c, http.StatusInternalServerError, err)
	}
}

func respondError(c *gin.Context, status int, err error) {
	respondMessage(c, status, err.Error())
}

func respondMessage(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": message})
}
