package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/MarkHenton/n8n-med-scribe/internal/config"
	"github.com/MarkHenton/n8n-med-scribe/internal/domain"
)

const (
	defaultRequestTimeout = 10 * time.Minute
	statusRequestTimeout  = 30 * time.Second
)

// APIError is a non-2xx answer from the transcription backend.
type APIError struct {
	Status  int
	Message string
	Body    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("vps api error: status %d message %s", e.Status, e.Message)
	}
	return fmt.Sprintf("vps api error: status %d body %s", e.Status, e.Body)
}

// VPSClient talks to the external transcription backend: one multipart
// submission endpoint and one job status endpoint.
type VPSClient struct {
	baseURL    string
	submitPath string
	statusPath string
	apiToken   string
	reqTimeout time.Duration
	httpClient *http.Client
}

func NewVPSClient(cfg config.Config) *VPSClient {
	timeout := cfg.VPSTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &VPSClient{
		baseURL:    strings.TrimRight(cfg.VPSBaseURL, "/"),
		submitPath: cfg.VPSSubmitPath,
		statusPath: cfg.VPSStatusPath,
		apiToken:   cfg.VPSAPIToken,
		reqTimeout: timeout,
		httpClient: &http.Client{},
	}
}

// Submit streams the audio file as a multipart body and returns the task the
// backend created for it. progress receives the bytes of the file consumed
// by the transport so far.
func (s *VPSClient) Submit(ctx context.Context, file domain.AudioFile, disciplineID, disciplineName string, progress func(sent, total int64)) (domain.SubmitReceipt, error) {
	audio, err := os.Open(file.Path)
	if err != nil {
		return domain.SubmitReceipt{}, fmt.Errorf("open audio file: %w", err)
	}

	total := file.Size
	if info, statErr := audio.Stat(); statErr == nil && total <= 0 {
		total = info.Size()
	}

	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)

	go func() {
		defer audio.Close()
		err := writeSubmission(writer, &countingReader{r: audio, total: total, report: progress}, file, disciplineID, disciplineName)
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+s.submitPath, pr)
	if err != nil {
		pr.CloseWithError(err)
		return domain.SubmitReceipt{}, fmt.Errorf("create submit request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := s.do(req, s.reqTimeout)
	if err != nil {
		return domain.SubmitReceipt{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.SubmitReceipt{}, fmt.Errorf("read submit response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.SubmitReceipt{}, decodeAPIError(resp.StatusCode, body)
	}

	var payload struct {
		TaskID      json.RawMessage `json:"task_id"`
		TaskIDCamel json.RawMessage `json:"taskId"`
		Status      string          `json:"status"`
		Message     string          `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return domain.SubmitReceipt{}, fmt.Errorf("decode submit response: %w", err)
	}

	taskID := flexString(payload.TaskID)
	if taskID == "" {
		taskID = flexString(payload.TaskIDCamel)
	}

	return domain.SubmitReceipt{
		TaskID:  taskID,
		Status:  strings.TrimSpace(payload.Status),
		Message: strings.TrimSpace(payload.Message),
	}, nil
}

// Status fetches the current state of a task.
func (s *VPSClient) Status(ctx context.Context, taskID string) (domain.TaskStatus, error) {
	endpoint := s.baseURL + strings.TrimRight(s.statusPath, "/") + "/" + url.PathEscape(taskID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return domain.TaskStatus{}, fmt.Errorf("create status request: %w", err)
	}

	resp, err := s.do(req, statusRequestTimeout)
	if err != nil {
		return domain.TaskStatus{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.TaskStatus{}, fmt.Errorf("read status response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.TaskStatus{}, decodeAPIError(resp.StatusCode, body)
	}

	// Only status is required; the other fields are read when their shape
	// is recognised.
	var payload struct {
		Status   json.RawMessage `json:"status"`
		Progress json.RawMessage `json:"progress"`
		Message  json.RawMessage `json:"message"`
		Error    json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return domain.TaskStatus{}, fmt.Errorf("decode status response: %w", err)
	}

	status := domain.TaskStatus{
		Status:   flexString(payload.Status),
		Progress: flexPercent(payload.Progress),
		Message:  textField(payload.Message),
		Payload:  json.RawMessage(body),
	}
	if status.Message == "" {
		status.Message = textField(payload.Error)
	}
	return status, nil
}

func (s *VPSClient) do(req *http.Request, timeout time.Duration) (*http.Response, error) {
	if s.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiToken)
	}
	req.Header.Set("Accept", "application/json")

	ctx, cancel := context.WithTimeout(req.Context(), timeout)
	req = req.WithContext(ctx)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("vps request failed: %w", err)
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

func writeSubmission(writer *multipart.Writer, audio io.Reader, file domain.AudioFile, disciplineID, disciplineName string) error {
	fields := [][2]string{
		{"discipline_id", disciplineID},
		{"discipline_name", disciplineName},
		{"filename", file.Name},
	}
	for _, field := range fields {
		if err := writer.WriteField(field[0], field[1]); err != nil {
			return fmt.Errorf("write %s field: %w", field[0], err)
		}
	}

	part, err := writer.CreatePart(audioPartHeader(file))
	if err != nil {
		return fmt.Errorf("create multipart file: %w", err)
	}
	if _, err := io.Copy(part, audio); err != nil {
		return fmt.Errorf("copy audio data: %w", err)
	}

	if err := writer.Close(); err != nil {
		return fmt.Errorf("close multipart writer: %w", err)
	}
	return nil
}

func audioPartHeader(file domain.AudioFile) textproto.MIMEHeader {
	name := strings.NewReplacer("\\", "\\\\", `"`, "\\\"").Replace(file.Name)
	contentType := file.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return textproto.MIMEHeader{
		"Content-Disposition": {fmt.Sprintf(`form-data; name="audio"; filename="%s"`, name)},
		"Content-Type":        {contentType},
	}
}

func decodeAPIError(status int, body []byte) error {
	apiErr := &APIError{Status: status, Body: string(bytes.TrimSpace(body))}

	var payload struct {
		Message string `json:"message"`
		Error   any    `json:"error"`
		Detail  string `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		switch {
		case payload.Message != "":
			apiErr.Message = payload.Message
		case payload.Detail != "":
			apiErr.Message = payload.Detail
		default:
			if msg, ok := payload.Error.(string); ok {
				apiErr.Message = msg
			}
		}
	}
	return apiErr
}

// flexString accepts an id encoded either as a JSON string or a number.
func flexString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// flexPercent reads a progress value sent as a number or a numeric string.
// Anything else counts as 0.
func flexPercent(raw json.RawMessage) int {
	value := flexString(raw)
	if value == "" {
		return 0
	}
	f, err := strconv.ParseFloat(strings.TrimSuffix(value, "%"), 64)
	if err != nil {
		return 0
	}
	return int(f)
}

// textField returns raw when it is a JSON string, and "" otherwise.
func textField(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

type countingReader struct {
	r      io.Reader
	total  int64
	report func(sent, total int64)
	sent   int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.sent += int64(n)
		if c.report != nil {
			c.report(c.sent, c.total)
		}
	}
	return n, err
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
