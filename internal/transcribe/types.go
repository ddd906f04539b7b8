package transcribe

import (
	"errors"
	"fmt"
	"strings"

	"github.com/obiente/translate/gotranscribe/internal/whisper"
)

var (
	// ErrBusy is returned by Start while another request is active.
	ErrBusy = errors.New("transcribe: a transcription is already running")
	// ErrClosed is returned by Start after Teardown.
	ErrClosed = errors.New("transcribe: engine torn down")
	// ErrInvalidRequest is returned by Start for malformed requests.
	ErrInvalidRequest = errors.New("transcribe: invalid request")
)

// Request is one transcription job. Language empty means auto-detect.
type Request struct {
	FilePath string
	Model    whisper.ModelName
	Language string
}

func (r Request) validate() error {
	if strings.TrimSpace(r.FilePath) == "" {
		return fmt.Errorf("%w: file path is required", ErrInvalidRequest)
	}
	if _, err := whisper.ParseModelName(string(r.Model)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

// Segment is the text decoded from one chunk, in seconds from the start of
// the recording.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Header renders the segment's "[H:MM:SS --> H:MM:SS]" timestamp header.
func (s Segment) Header() string {
	return fmt.Sprintf("[%s --> %s]", clock(s.Start), clock(s.End))
}

// String is the header and text as they appear in Result.Text.
func (s Segment) String() string {
	return s.Header() + "  " + s.Text
}

func clock(sec float64) string {
	total := int(sec)
	return fmt.Sprintf("%d:%02d:%02d", total/3600, total/60%60, total%60)
}

// Result is the outcome of a completed transcription.
type Result struct {
	Text     string    `json:"text"`
	Segments []Segment `json:"segments"`
	Language string    `json:"language"`
	// Model is the tier that produced the transcript, which differs from the
	// requested one after a memory fallback.
	Model       whisper.ModelName `json:"model"`
	Duration    float64           `json:"duration"`
	Fingerprint string            `json:"fingerprint,omitempty"`
}

// JoinSegments renders segments the way Result.Text carries them: header and
// text per segment, separated by blank lines.
func JoinSegments(segments []Segment) string {
	parts := make([]string, len(segments))
	for i, s := range segments {
		parts[i] = s.String()
	}
	return strings.Join(parts, "\n\n")
}
