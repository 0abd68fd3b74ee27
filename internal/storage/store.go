package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MarkHenton/n8n-med-scribe/internal/domain"
)

type metaData struct {
	Disciplines map[string]domain.Discipline `json:"disciplines"`
	Lectures    map[string]domain.Lecture    `json:"lectures"`
}

// Store keeps the whole library in a single JSON file.
type Store struct {
	mu   sync.RWMutex
	path string
	data metaData
}

var _ Repository = (*Store)(nil)

func NewStore(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	store := &Store{path: filepath.Join(baseDir, "meta.json")}
	if err := store.Load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data = metaData{
		Disciplines: map[string]domain.Discipline{},
		Lectures:    map[string]domain.Lecture{},
	}

	file, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return s.saveLocked()
	}
	if err != nil {
		return fmt.Errorf("open meta file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&s.data); err != nil {
		if errors.Is(err, io.EOF) {
			return s.saveLocked()
		}
		return fmt.Errorf("decode meta file: %w", err)
	}

	s.ensureMaps()
	return nil
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) CreateDiscipline(name string) (domain.Discipline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ensureMaps()
	now := time.Now().Unix()
	discipline := domain.Discipline{
		ID:         uuid.NewString(),
		Name:       name,
		CreatedAt:  now,
		UpdatedAt:  now,
		LectureIDs: []string{},
	}

	s.data.Disciplines[discipline.ID] = discipline

	if err := s.saveLocked(); err != nil {
		return domain.Discipline{}, err
	}
	return discipline, nil
}

func (s *Store) ListDisciplines() ([]domain.Discipline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	disciplines := make([]domain.Discipline, 0, len(s.data.Disciplines))
	for _, discipline := range s.data.Disciplines {
		disciplines = append(disciplines, discipline)
	}
	sort.Slice(disciplines, func(i, j int) bool {
		return strings.ToLower(disciplines[i].Name) < strings.ToLower(disciplines[j].Name)
	})
	return disciplines, nil
}

func (s *Store) GetDiscipline(id string) (domain.Discipline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	discipline, ok := s.data.Disciplines[id]
	if !ok {
		return domain.Discipline{}, fmt.Errorf("discipline %s: %w", id, ErrDisciplineNotFound)
	}
	return discipline, nil
}

func (s *Store) RenameDiscipline(id, newName string) (domain.Discipline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	discipline, ok := s.data.Disciplines[id]
	if !ok {
		return domain.Discipline{}, fmt.Errorf("discipline %s: %w", id, ErrDisciplineNotFound)
	}

	discipline.Name = newName
	discipline.UpdatedAt = time.Now().Unix()
	s.data.Disciplines[id] = discipline

	if err := s.saveLocked(); err != nil {
		return domain.Discipline{}, err
	}
	return discipline, nil
}

// DeleteDiscipline removes the discipline together with its lectures.
func (s *Store) DeleteDiscipline(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	discipline, ok := s.data.Disciplines[id]
	if !ok {
		return fmt.Errorf("discipline %s: %w", id, ErrDisciplineNotFound)
	}

	for _, lectureID := range discipline.LectureIDs {
		delete(s.data.Lectures, lectureID)
	}
	delete(s.data.Disciplines, id)

	return s.saveLocked()
}

func (s *Store) CreateLecture(lecture domain.Lecture) (domain.Lecture, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ensureMaps()

	if _, ok := s.data.Disciplines[lecture.DisciplineID]; !ok {
		return domain.Lecture{}, fmt.Errorf("discipline %s: %w", lecture.DisciplineID, ErrDisciplineNotFound)
	}

	if lecture.ID == "" {
		lecture.ID = uuid.NewString()
	}
	if lecture.ProcessingStatus == "" {
		lecture.ProcessingStatus = domain.ProcessingStatusPending
	}
	now := time.Now().Unix()
	if lecture.CreatedAt == 0 {
		lecture.CreatedAt = now
	}
	lecture.UpdatedAt = now

	s.data.Lectures[lecture.ID] = cloneLecture(lecture)
	s.attachLecture(lecture.DisciplineID, lecture.ID)

	if err := s.saveLocked(); err != nil {
		return domain.Lecture{}, err
	}
	return lecture, nil
}

func (s *Store) ListLectures() ([]domain.Lecture, error) {
	return s.filterLectures(func(domain.Lecture) bool { return true }), nil
}

func (s *Store) ListLecturesByDiscipline(disciplineID string) ([]domain.Lecture, error) {
	return s.filterLectures(func(l domain.Lecture) bool { return l.DisciplineID == disciplineID }), nil
}

func (s *Store) GetLecture(id string) (domain.Lecture, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lecture, ok := s.data.Lectures[id]
	if !ok {
		return domain.Lecture{}, fmt.Errorf("lecture %s: %w", id, ErrLectureNotFound)
	}
	return cloneLecture(lecture), nil
}

func (s *Store) FindLectureByHash(hash string) (domain.Lecture, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if hash != "" {
		for _, lecture := range s.data.Lectures {
			if lecture.AudioHash == hash {
				return cloneLecture(lecture), nil
			}
		}
	}
	return domain.Lecture{}, fmt.Errorf("lecture with hash %q: %w", hash, ErrLectureNotFound)
}

func (s *Store) UpdateLecture(lecture domain.Lecture) (domain.Lecture, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.data.Lectures[lecture.ID]
	if !ok {
		return domain.Lecture{}, fmt.Errorf("lecture %s: %w", lecture.ID, ErrLectureNotFound)
	}

	if lecture.CreatedAt == 0 {
		lecture.CreatedAt = existing.CreatedAt
	}

	if lecture.DisciplineID != existing.DisciplineID {
		s.detachLecture(existing.DisciplineID, lecture.ID)
		s.attachLecture(lecture.DisciplineID, lecture.ID)
	}

	if lecture.ProcessingStatus == "" {
		lecture.ProcessingStatus = existing.ProcessingStatus
	}

	lecture.UpdatedAt = time.Now().Unix()
	s.data.Lectures[lecture.ID] = cloneLecture(lecture)

	if err := s.saveLocked(); err != nil {
		return domain.Lecture{}, err
	}
	return lecture, nil
}

func (s *Store) DeleteLecture(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lecture, ok := s.data.Lectures[id]
	if !ok {
		return fmt.Errorf("lecture %s: %w", id, ErrLectureNotFound)
	}

	s.detachLecture(lecture.DisciplineID, id)
	delete(s.data.Lectures, id)

	return s.saveLocked()
}

func (s *Store) filterLectures(keep func(domain.Lecture) bool) []domain.Lecture {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lectures := make([]domain.Lecture, 0)
	for _, lecture := range s.data.Lectures {
		if keep(lecture) {
			lectures = append(lectures, cloneLecture(lecture))
		}
	}
	sortLectures(lectures)
	return lectures
}

func (s *Store) saveLocked() error {
	tmp, err := os.CreateTemp(filepath.Dir(s.path), "meta-*.json")
	if err != nil {
		return fmt.Errorf("create temp meta: %w", err)
	}

	encoder := json.NewEncoder(tmp)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(s.data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("encode meta: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp meta: %w", err)
	}

	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace meta file: %w", err)
	}

	return nil
}

func (s *Store) ensureMaps() {
	if s.data.Disciplines == nil {
		s.data.Disciplines = map[string]domain.Discipline{}
	}
	if s.data.Lectures == nil {
		s.data.Lectures = map[string]domain.Lecture{}
	}

	for id, lecture := range s.data.Lectures {
		if lecture.ProcessingStatus == "" {
			status := domain.ProcessingStatusPending
			if strings.TrimSpace(lecture.Transcription) != "" {
				status = domain.ProcessingStatusCompleted
			}
			lecture.ProcessingStatus = status
			s.data.Lectures[id] = lecture
		}
	}
}

func (s *Store) attachLecture(disciplineID, lectureID string) {
	if disciplineID == "" {
		return
	}

	discipline, ok := s.data.Disciplines[disciplineID]
	if !ok {
		return
	}

	for _, existing := range discipline.LectureIDs {
		if existing == lectureID {
			return
		}
	}

	discipline.LectureIDs = append(discipline.LectureIDs, lectureID)
	discipline.UpdatedAt = time.Now().Unix()
	s.data.Disciplines[disciplineID] = discipline
}

func (s *Store) detachLecture(disciplineID, lectureID string) {
	if disciplineID == "" {
		return
	}

	discipline, ok := s.data.Disciplines[disciplineID]
	if !ok {
		return
	}

	updated := make([]string, 0, len(discipline.LectureIDs))
	for _, existing := range discipline.LectureIDs {
		if existing != lectureID {
			updated = append(updated, existing)
		}
	}
	discipline.LectureIDs = updated
	discipline.UpdatedAt = time.Now().Unix()
	s.data.Disciplines[disciplineID] = discipline
}

// sortLectures orders newest first, as the dashboard lists them.
func sortLectures(lectures []domain.Lecture) {
	sort.SliceStable(lectures, func(i, j int) bool {
		if lectures[i].CreatedAt != lectures[j].CreatedAt {
			return lectures[i].CreatedAt > lectures[j].CreatedAt
		}
		return lectures[i].ID < lectures[j].ID
	})
}

// cloneLecture copies the segment slice so callers never share it with the
// in-memory index.
func cloneLecture(lecture domain.Lecture) domain.Lecture {
	if lecture.Segments != nil {
		lecture.Segments = append([]domain.Segment(nil), lecture.Segments...)
	}
	return lecture
}
