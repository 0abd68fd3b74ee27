package storage

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"lukechampine.com/blake3"

	"github.com/MarkHenton/n8n-med-scribe/internal/domain"
)

// ErrFileTooLarge is returned when staged audio exceeds the upload limit.
var ErrFileTooLarge = errors.New("audio file exceeds maximum size")

type FileManager struct {
	baseDir        string
	audioDir       string
	pdfDir         string
	maxUploadBytes int64
}

var extensionContentTypes = map[string]string{
	".mp3":  "audio/mpeg",
	".m4a":  "audio/mp4",
	".aac":  "audio/aac",
	".wav":  "audio/wav",
	".ogg":  "audio/ogg",
	".oga":  "audio/ogg",
	".opus": "audio/ogg",
	".webm": "audio/webm",
	".flac": "audio/flac",
}

var mimeExtensionFallback = map[string]string{
	"audio/mpeg":  ".mp3",
	"audio/mp3":   ".mp3",
	"audio/mp4":   ".m4a",
	"audio/x-m4a": ".m4a",
	"audio/aac":   ".aac",
	"audio/wav":   ".wav",
	"audio/x-wav": ".wav",
	"audio/wave":  ".wav",
	"audio/webm":  ".webm",
	"audio/ogg":   ".ogg",
	"audio/flac":  ".flac",
}

func NewFileManager(baseDir string, maxUploadBytes int64) (*FileManager, error) {
	fm := &FileManager{
		baseDir:        baseDir,
		audioDir:       filepath.Join(baseDir, "audio"),
		pdfDir:         filepath.Join(baseDir, "pdf"),
		maxUploadBytes: maxUploadBytes,
	}

	dirs := []string{fm.baseDir, fm.audioDir, fm.pdfDir}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create dir %s: %w", dir, err)
		}
	}

	return fm, nil
}

// SaveUploadedAudio copies an uploaded file into the audio directory and
// describes it. declaredType is the content type the client sent, used only
// when neither the extension nor the bytes identify the file.
func (fm *FileManager) SaveUploadedAudio(file io.Reader, filename, declaredType string) (domain.AudioFile, string, error) {
	sample := make([]byte, 512)
	n, err := io.ReadFull(file, sample)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return domain.AudioFile{}, "", fmt.Errorf("read audio sample: %w", err)
	}
	sample = sample[:n]

	contentType := detectContentType(filename, sample, declaredType)

	ext := normalizeExtension(filename)
	if ext == "" {
		ext = fallbackExtension(contentType)
	}
	if ext == "" {
		ext = ".bin"
	}

	path := filepath.Join(fm.audioDir, uuid.NewString()+ext)

	hasher := blake3.New(32, nil)
	size, err := fm.writeWithLimit(path, io.MultiReader(bytes.NewReader(sample), file), hasher)
	if err != nil {
		return domain.AudioFile{}, "", err
	}

	audio := domain.AudioFile{
		Name:        filepath.Base(filename),
		Path:        path,
		Size:        size,
		ContentType: contentType,
	}
	return audio, hex.EncodeToString(hasher.Sum(nil)), nil
}

// DescribeAudio builds an upload descriptor for a file already on disk.
func DescribeAudio(path string) (domain.AudioFile, error) {
	file, err := os.Open(path)
	if err != nil {
		return domain.AudioFile{}, fmt.Errorf("open audio file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return domain.AudioFile{}, fmt.Errorf("stat audio file: %w", err)
	}
	if info.IsDir() {
		return domain.AudioFile{}, fmt.Errorf("%s is a directory", path)
	}

	sample := make([]byte, 512)
	n, err := io.ReadFull(file, sample)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return domain.AudioFile{}, fmt.Errorf("read audio sample: %w", err)
	}

	return domain.AudioFile{
		Name:        filepath.Base(path),
		Path:        path,
		Size:        info.Size(),
		ContentType: detectContentType(path, sample[:n], ""),
	}, nil
}

func (fm *FileManager) PDFPath(id string) string {
	return filepath.Join(fm.pdfDir, fmt.Sprintf("%s.pdf", id))
}

// Remove deletes a staged file when it lives under the data directory.
func (fm *FileManager) Remove(path string) {
	if path == "" {
		return
	}
	rel, err := filepath.Rel(fm.baseDir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}
	_ = os.Remove(path)
}

func (fm *FileManager) writeWithLimit(path string, r io.Reader, hasher io.Writer) (int64, error) {
	out, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create audio file: %w", err)
	}

	cleanup := func(err error) (int64, error) {
		out.Close()
		os.Remove(path)
		return 0, err
	}

	var src io.Reader = r
	if fm.maxUploadBytes > 0 {
		src = io.LimitReader(r, fm.maxUploadBytes+1)
	}

	total, err := io.Copy(io.MultiWriter(out, hasher), src)
	if err != nil {
		return cleanup(fmt.Errorf("write audio file: %w", err))
	}
	if fm.maxUploadBytes > 0 && total > fm.maxUploadBytes {
		return cleanup(ErrFileTooLarge)
	}

	if err := out.Close(); err != nil {
		os.Remove(path)
		return 0, fmt.Errorf("close audio file: %w", err)
	}

	return total, nil
}

// detectContentType prefers the extension, then sniffed bytes, then the
// declared type.
func detectContentType(filename string, sample []byte, declared string) string {
	ext := normalizeExtension(filename)
	if ct, ok := extensionContentTypes[ext]; ok {
		return ct
	}
	if ext != "" {
		if ct := mime.TypeByExtension(ext); ct != "" {
			return baseMediaType(ct)
		}
	}

	if len(sample) > 0 {
		if sniffed := baseMediaType(http.DetectContentType(sample)); sniffed != "application/octet-stream" {
			return sniffed
		}
	}

	if declared = baseMediaType(declared); declared != "" {
		return declared
	}
	return "application/octet-stream"
}

func baseMediaType(contentType string) string {
	contentType = strings.TrimSpace(strings.ToLower(contentType))
	if contentType == "" {
		return ""
	}
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		return mediaType
	}
	return contentType
}

func normalizeExtension(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		return ext
	}

	ext = strings.TrimSpace(ext)
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

func fallbackExtension(contentType string) string {
	if ext, ok := mimeExtensionFallback[contentType]; ok {
		return ext
	}
	exts, err := mime.ExtensionsByType(contentType)
	if err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ""
}
