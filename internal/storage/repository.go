package storage

import (
	"errors"
	"fmt"

	"github.com/MarkHenton/n8n-med-scribe/internal/config"
	"github.com/MarkHenton/n8n-med-scribe/internal/domain"
)

var (
	ErrDisciplineNotFound = errors.New("discipline not found")
	ErrLectureNotFound    = errors.New("lecture not found")
)

// Repository persists the lecture library.
type Repository interface {
	CreateDiscipline(name string) (domain.Discipline, error)
	ListDisciplines() ([]domain.Discipline, error)
	GetDiscipline(id string) (domain.Discipline, error)
	RenameDiscipline(id, newName string) (domain.Discipline, error)
	DeleteDiscipline(id string) error

	CreateLecture(lecture domain.Lecture) (domain.Lecture, error)
	ListLectures() ([]domain.Lecture, error)
	ListLecturesByDiscipline(disciplineID string) ([]domain.Lecture, error)
	GetLecture(id string) (domain.Lecture, error)
	FindLectureByHash(hash string) (domain.Lecture, error)
	UpdateLecture(lecture domain.Lecture) (domain.Lecture, error)
	DeleteLecture(id string) error

	Close() error
}

// Open returns the repository selected by cfg.StorageDriver.
func Open(cfg config.Config) (Repository, error) {
	switch cfg.StorageDriver {
	case "", config.StorageDriverJSON:
		return NewStore(cfg.DataDir)
	case config.StorageDriverSQLite:
		return OpenSQLite(cfg.DataDir)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}
}
