package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/MarkHenton/n8n-med-scribe/internal/domain"
)

const sqliteSchema = `
PRAGMA busy_timeout = 10000;
PRAGMA journal_mode = WAL;
PRAGMA synchronous  = NORMAL;
PRAGMA foreign_keys = ON;

create table if not exists disciplines (
	id text primary key not null,
	name text not null,
	created_at integer not null,
	updated_at integer not null
);

create table if not exists lectures (
	id text primary key not null,
	discipline_id text not null references disciplines(id) on delete cascade,
	title text not null,
	transcription text not null default '',
	segments text not null default '[]',
	summary text not null default '',
	audio_path text not null default '',
	audio_hash text not null default '',
	task_id text not null default '',
	duration_ms integer not null default 0,
	language text not null default '',
	processing_status text not null,
	processing_error text not null default '',
	pdf_path text not null default '',
	created_at integer not null,
	updated_at integer not null
);

create index if not exists lectures_discipline_idx on lectures (discipline_id);
create index if not exists lectures_audio_hash_idx on lectures (audio_hash);
`

const lectureColumns = `id, discipline_id, title, transcription, segments, summary, audio_path, audio_hash, task_id,
	duration_ms, language, processing_status, processing_error, pdf_path, created_at, updated_at`

// SQLiteRepo stores the library in a SQLite database file.
type SQLiteRepo struct {
	db *sql.DB
}

var _ Repository = (*SQLiteRepo)(nil)

func OpenSQLite(baseDir string) (*SQLiteRepo, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	db, err := sql.Open("sqlite3", "file:"+filepath.Join(baseDir, "medscribe.db")+"?_foreign_keys=on&_busy_timeout=10000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	if err := migrateSQLite(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteRepo{db: db}, nil
}

func (r *SQLiteRepo) Close() error {
	return r.db.Close()
}

func (r *SQLiteRepo) CreateDiscipline(name string) (domain.Discipline, error) {
	now := time.Now().Unix()
	discipline := domain.Discipline{
		ID:         uuid.NewString(),
		Name:       name,
		CreatedAt:  now,
		UpdatedAt:  now,
		LectureIDs: []string{},
	}

	_, err := r.db.ExecContext(context.Background(),
		"insert into disciplines (id, name, created_at, updated_at) values ($1, $2, $3, $4)",
		discipline.ID, discipline.Name, discipline.CreatedAt, discipline.UpdatedAt,
	)
	if err != nil {
		return domain.Discipline{}, fmt.Errorf("insert discipline: %w", err)
	}
	return discipline, nil
}

func (r *SQLiteRepo) ListDisciplines() ([]domain.Discipline, error) {
	ctx := context.Background()
	rows, err := r.db.QueryContext(ctx, "select id, name, created_at, updated_at from disciplines order by lower(name)")
	if err != nil {
		return nil, fmt.Errorf("list disciplines: %w", err)
	}
	defer rows.Close()

	disciplines := make([]domain.Discipline, 0)
	for rows.Next() {
		var d domain.Discipline
		if err := rows.Scan(&d.ID, &d.Name, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan discipline: %w", err)
		}
		disciplines = append(disciplines, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list disciplines: %w", err)
	}

	for i := range disciplines {
		ids, err := r.lectureIDs(ctx, disciplines[i].ID)
		if err != nil {
			return nil, err
		}
		disciplines[i].LectureIDs = ids
	}
	return disciplines, nil
}

func (r *SQLiteRepo) GetDiscipline(id string) (domain.Discipline, error) {
	ctx := context.Background()

	var d domain.Discipline
	err := r.db.
		QueryRowContext(ctx, "select id, name, created_at, updated_at from disciplines where id = $1", id).
		Scan(&d.ID, &d.Name, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Discipline{}, fmt.Errorf("discipline %s: %w", id, ErrDisciplineNotFound)
	}
	if err != nil {
		return domain.Discipline{}, fmt.Errorf("get discipline: %w", err)
	}

	d.LectureIDs, err = r.lectureIDs(ctx, id)
	if err != nil {
		return domain.Discipline{}, err
	}
	return d, nil
}

func (r *SQLiteRepo) RenameDiscipline(id, newName string) (domain.Discipline, error) {
	res, err := r.db.ExecContext(context.Background(),
		"update disciplines set name = $1, updated_at = $2 where id = $3",
		newName, time.Now().Unix(), id,
	)
	if err != nil {
		return domain.Discipline{}, fmt.Errorf("rename discipline: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Discipline{}, fmt.Errorf("discipline %s: %w", id, ErrDisciplineNotFound)
	}
	return r.GetDiscipline(id)
}

func (r *SQLiteRepo) DeleteDiscipline(id string) error {
	res, err := r.db.ExecContext(context.Background(), "delete from disciplines where id = $1", id)
	if err != nil {
		return fmt.Errorf("delete discipline: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("discipline %s: %w", id, ErrDisciplineNotFound)
	}
	return nil
}

func (r *SQLiteRepo) CreateLecture(lecture domain.Lecture) (domain.Lecture, error) {
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

	segments, err := encodeSegments(lecture.Segments)
	if err != nil {
		return domain.Lecture{}, err
	}

	_, err = r.db.ExecContext(context.Background(),
		"insert into lectures ("+lectureColumns+") values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)",
		lecture.ID, lecture.DisciplineID, lecture.Title, lecture.Transcription, segments, lecture.Summary,
		lecture.AudioPath, lecture.AudioHash, lecture.TaskID, lecture.DurationMs, lecture.Language,
		lecture.ProcessingStatus, lecture.ProcessingError, lecture.PDFPath, lecture.CreatedAt, lecture.UpdatedAt,
	)
	if err != nil {
		return domain.Lecture{}, fmt.Errorf("insert lecture: %w", err)
	}
	return lecture, nil
}

func (r *SQLiteRepo) ListLectures() ([]domain.Lecture, error) {
	return r.queryLectures("select " + lectureColumns + " from lectures order by created_at desc, id")
}

func (r *SQLiteRepo) ListLecturesByDiscipline(disciplineID string) ([]domain.Lecture, error) {
	return r.queryLectures("select "+lectureColumns+" from lectures where discipline_id = $1 order by created_at desc, id", disciplineID)
}

func (r *SQLiteRepo) GetLecture(id string) (domain.Lecture, error) {
	row := r.db.QueryRowContext(context.Background(), "select "+lectureColumns+" from lectures where id = $1", id)
	lecture, err := scanLecture(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Lecture{}, fmt.Errorf("lecture %s: %w", id, ErrLectureNotFound)
	}
	if err != nil {
		return domain.Lecture{}, fmt.Errorf("get lecture: %w", err)
	}
	return lecture, nil
}

func (r *SQLiteRepo) FindLectureByHash(hash string) (domain.Lecture, error) {
	if hash == "" {
		return domain.Lecture{}, fmt.Errorf("lecture with empty hash: %w", ErrLectureNotFound)
	}

	row := r.db.QueryRowContext(context.Background(), "select "+lectureColumns+" from lectures where audio_hash = $1 limit 1", hash)
	lecture, err := scanLecture(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Lecture{}, fmt.Errorf("lecture with hash %q: %w", hash, ErrLectureNotFound)
	}
	if err != nil {
		return domain.Lecture{}, fmt.Errorf("find lecture by hash: %w", err)
	}
	return lecture, nil
}

func (r *SQLiteRepo) UpdateLecture(lecture domain.Lecture) (domain.Lecture, error) {
	existing, err := r.GetLecture(lecture.ID)
	if err != nil {
		return domain.Lecture{}, err
	}

	if lecture.CreatedAt == 0 {
		lecture.CreatedAt = existing.CreatedAt
	}
	if lecture.ProcessingStatus == "" {
		lecture.ProcessingStatus = existing.ProcessingStatus
	}
	lecture.UpdatedAt = time.Now().Unix()

	segments, err := encodeSegments(lecture.Segments)
	if err != nil {
		return domain.Lecture{}, err
	}

	_, err = r.db.ExecContext(context.Background(), `update lectures set
		discipline_id = $1, title = $2, transcription = $3, segments = $4, summary = $5, audio_path = $6,
		audio_hash = $7, task_id = $8, duration_ms = $9, language = $10, processing_status = $11,
		processing_error = $12, pdf_path = $13, created_at = $14, updated_at = $15
		where id = $16`,
		lecture.DisciplineID, lecture.Title, lecture.Transcription, segments, lecture.Summary, lecture.AudioPath,
		lecture.AudioHash, lecture.TaskID, lecture.DurationMs, lecture.Language, lecture.ProcessingStatus,
		lecture.ProcessingError, lecture.PDFPath, lecture.CreatedAt, lecture.UpdatedAt, lecture.ID,
	)
	if err != nil {
		return domain.Lecture{}, fmt.Errorf("update lecture: %w", err)
	}
	return lecture, nil
}

func (r *SQLiteRepo) DeleteLecture(id string) error {
	res, err := r.db.ExecContext(context.Background(), "delete from lectures where id = $1", id)
	if err != nil {
		return fmt.Errorf("delete lecture: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("lecture %s: %w", id, ErrLectureNotFound)
	}
	return nil
}

func (r *SQLiteRepo) lectureIDs(ctx context.Context, disciplineID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, "select id from lectures where discipline_id = $1 order by created_at, id", disciplineID)
	if err != nil {
		return nil, fmt.Errorf("list lecture ids: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan lecture id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *SQLiteRepo) queryLectures(query string, args ...any) ([]domain.Lecture, error) {
	rows, err := r.db.QueryContext(context.Background(), query, args...)
	if err != nil {
		return nil, fmt.Errorf("list lectures: %w", err)
	}
	defer rows.Close()

	lectures := make([]domain.Lecture, 0)
	for rows.Next() {
		lecture, err := scanLecture(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lecture: %w", err)
		}
		lectures = append(lectures, lecture)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list lectures: %w", err)
	}
	return lectures, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLecture(row rowScanner) (domain.Lecture, error) {
	var (
		l        domain.Lecture
		segments string
	)
	err := row.Scan(
		&l.ID, &l.DisciplineID, &l.Title, &l.Transcription, &segments, &l.Summary, &l.AudioPath, &l.AudioHash,
		&l.TaskID, &l.DurationMs, &l.Language, &l.ProcessingStatus, &l.ProcessingError, &l.PDFPath,
		&l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return l, err
	}
	if segments != "" && segments != "[]" {
		if err := json.Unmarshal([]byte(segments), &l.Segments); err != nil {
			return l, fmt.Errorf("decode segments of lecture %s: %w", l.ID, err)
		}
	}
	return l, nil
}

func encodeSegments(segments []domain.Segment) (string, error) {
	if len(segments) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(segments)
	if err != nil {
		return "", fmt.Errorf("encode segments: %w", err)
	}
	return string(data), nil
}

// migrateSQLite adds columns introduced after a database was created.
func migrateSQLite(db *sql.DB) error {
	rows, err := db.Query("select name from pragma_table_info('lectures')")
	if err != nil {
		return fmt.Errorf("read lectures columns: %w", err)
	}
	defer rows.Close()

	columns := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("scan column: %w", err)
		}
		columns[name] = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read lectures columns: %w", err)
	}
	rows.Close()

	if !columns["segments"] {
		if _, err := db.Exec("alter table lectures add column segments text not null default '[]'"); err != nil {
			return fmt.Errorf("add segments column: %w", err)
		}
	}
	return nil
}
