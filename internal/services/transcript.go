package services

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/MarkHenton/n8n-med-scribe/internal/domain"
)

// Transcript holds the fields MedScribe reads from a completed job payload.
type Transcript struct {
	Text       string
	Summary    string
	Language   string
	DurationMs int64
	Segments   []domain.Segment
}

type rawSegment struct {
	Text  string           `json:"text"`
	Start *decimal.Decimal `json:"start"`
	End   *decimal.Decimal `json:"end"`
}

type rawResult struct {
	Transcription json.RawMessage  `json:"transcription"`
	Transcript    json.RawMessage  `json:"transcript"`
	Text          string           `json:"text"`
	Summary       json.RawMessage  `json:"summary"`
	Language      string           `json:"language"`
	Duration      *decimal.Decimal `json:"duration"`
	Segments      []rawSegment     `json:"segments"`
	Result        *rawResult       `json:"result"`
}

var thousand = decimal.NewFromInt(1000)

// ParseTranscript extracts text, summary and timing from an opaque result.
// Unknown fields are ignored; missing ones stay empty.
func ParseTranscript(result domain.TranscriptionResult) (Transcript, error) {
	if len(result) == 0 {
		return Transcript{}, nil
	}

	var raw rawResult
	if err := json.Unmarshal(result, &raw); err != nil {
		return Transcript{}, fmt.Errorf("decode transcription result: %w", err)
	}

	// Some backends nest the payload under "result".
	if raw.Result != nil {
		nested := *raw.Result
		mergeRaw(&nested, raw)
		raw = nested
	}

	t := Transcript{
		Text:     firstText(raw.Transcription, raw.Transcript),
		Summary:  textOrList(raw.Summary),
		Language: strings.TrimSpace(raw.Language),
	}
	if t.Text == "" {
		t.Text = strings.TrimSpace(raw.Text)
	}

	var lastEnd int64
	for _, s := range raw.Segments {
		seg := domain.Segment{Text: strings.TrimSpace(s.Text)}
		if s.Start != nil {
			seg.StartMs = toMillis(*s.Start)
		}
		if s.End != nil {
			seg.EndMs = toMillis(*s.End)
		}
		if seg.EndMs > lastEnd {
			lastEnd = seg.EndMs
		}
		t.Segments = append(t.Segments, seg)
	}

	if t.Text == "" && len(t.Segments) > 0 {
		parts := make([]string, 0, len(t.Segments))
		for _, seg := range t.Segments {
			if seg.Text != "" {
				parts = append(parts, seg.Text)
			}
		}
		t.Text = strings.Join(parts, " ")
	}

	switch {
	case raw.Duration != nil:
		t.DurationMs = toMillis(*raw.Duration)
	default:
		t.DurationMs = lastEnd
	}

	return t, nil
}

func mergeRaw(dst *rawResult, outer rawResult) {
	if len(dst.Transcription) == 0 {
		dst.Transcription = outer.Transcription
	}
	if len(dst.Transcript) == 0 {
		dst.Transcript = outer.Transcript
	}
	if dst.Text == "" {
		dst.Text = outer.Text
	}
	if len(dst.Summary) == 0 {
		dst.Summary = outer.Summary
	}
	if dst.Language == "" {
		dst.Language = outer.Language
	}
	if dst.Duration == nil {
		dst.Duration = outer.Duration
	}
	if len(dst.Segments) == 0 {
		dst.Segments = outer.Segments
	}
}

func toMillis(seconds decimal.Decimal) int64 {
	return seconds.Mul(thousand).Round(0).IntPart()
}

// firstText returns the first field that decodes to non-empty text. A field
// may be a string or an object with a "text" member.
func firstText(fields ...json.RawMessage) string {
	for _, field := range fields {
		if len(field) == 0 {
			continue
		}
		var s string
		if err := json.Unmarshal(field, &s); err == nil {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
			continue
		}
		var obj struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(field, &obj); err == nil {
			if text := strings.TrimSpace(obj.Text); text != "" {
				return text
			}
		}
	}
	return ""
}

// textOrList accepts a summary sent either as text or as a list of points.
func textOrList(field json.RawMessage) string {
	if len(field) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(field, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var items []string
	if err := json.Unmarshal(field, &items); err == nil {
		lines := make([]string, 0, len(items))
		for _, item := range items {
			if item = strings.TrimSpace(item); item != "" {
				lines = append(lines, item)
			}
		}
		return strings.Join(lines, "\n")
	}
	return firstText(field)
}
