package http

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/MarkHenton/n8n-med-scribe/internal/config"
	"github.com/MarkHenton/n8n-med-scribe/internal/events"
	"github.com/MarkHenton/n8n-med-scribe/internal/services"
	"github.com/MarkHenton/n8n-med-scribe/internal/storage"
)

// multipartOverhead leaves room for form fields and boundaries on top of
// the audio size limit.
const multipartOverhead = 1 << 20

type Server struct {
	engine    *gin.Engine
	cfg       config.Config
	api       *API
	repo      storage.Repository
	publisher events.Publisher
	http      *http.Server
}

func NewServer(cfg config.Config) (*Server, error) {
	gin.SetMode(gin.ReleaseMode)

	fm, err := storage.NewFileManager(cfg.DataDir, cfg.MaxUploadBytes)
	if err != nil {
		return nil, fmt.Errorf("init file manager: %w", err)
	}

	repo, err := storage.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("init repository: %w", err)
	}

	publisher, err := newPublisher(cfg)
	if err != nil {
		repo.Close()
		return nil, err
	}

	vps := services.NewVPSClient(cfg)
	pdfSvc := services.NewPDFService()
	shareSvc := services.NewShareService(cfg)
	statusEvents := events.NewStatusPublisher(publisher, cfg.EventsQueue)

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(RequestLogger())
	engine.Use(MaxBodySize(cfg.MaxUploadBytes + multipartOverhead))
	engine.Use(CORS())

	api := NewAPI(cfg, fm, repo, vps, pdfSvc, shareSvc, statusEvents)
	registerRoutes(engine, api)

	return &Server{
		engine:    engine,
		cfg:       cfg,
		api:       api,
		repo:      repo,
		publisher: publisher,
		http: &http.Server{
			Addr:              fmt.Sprintf(":%s", cfg.Port),
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

func newPublisher(cfg config.Config) (events.Publisher, error) {
	if cfg.RabbitMQURL == "" {
		return events.NewNoopPublisher(), nil
	}
	publisher, err := events.NewRabbitMQPublisher(cfg.RabbitMQURL)
	if err != nil {
		return nil, fmt.Errorf("init event publisher: %w", err)
	}
	log.Printf("publishing upload events to queue %s", cfg.EventsQueue)
	return publisher, nil
}

// Run serves until the server is shut down.
func (s *Server) Run() error {
	log.Printf("listening on %s", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, stops every upload widget and releases
// storage and the event publisher.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)
	s.api.Close()

	if cerr := s.publisher.Close(); cerr != nil {
		log.Printf("close publisher: %v", cerr)
	}
	if cerr := s.repo.Close(); cerr != nil {
		log.Printf("close repository: %v", cerr)
	}
	return err
}
