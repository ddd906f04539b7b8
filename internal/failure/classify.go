package failure

import (
	"context"
	"errors"
	"io/fs"
	"strings"
)

// Action tells the caller how to recover from a classified failure.
type Action int

const (
	Abort Action = iota
	RetryWithFallback
	RetryOnCPU
)

func (a Action) String() string {
	switch a {
	case RetryWithFallback:
		return "retry_with_fallback"
	case RetryOnCPU:
		return "retry_on_cpu"
	default:
		return "abort"
	}
}

// Classification is the result of Classify.
type Classification struct {
	Kind    Kind
	Message string
	Action  Action
}

// User-facing messages. Nothing else is ever shown to a consumer on failure.
const (
	MsgOutOfMemory       = "Out of memory. Try a smaller model or shorter audio file."
	MsgFileNotFound      = "Audio file not found or inaccessible."
	MsgUnsupportedFormat = "Unsupported audio format. Try MP3, WAV, or M4A."
	MsgDeviceError       = "GPU error. Falling back to CPU processing."
	MsgModelLoad         = "Could not load the transcription model."
	MsgDecode            = "Could not transcribe part of the audio."
	MsgCancelled         = "Transcription stopped by user"
	MsgUnknown           = "Error during transcription."
)

var table = []struct {
	kind     Kind
	sentinel error
	match    []string
	message  string
	action   Action
}{
	{OutOfMemory, ErrOutOfMemory, []string{"out of memory", "failed to allocate", "cannot allocate memory"}, MsgOutOfMemory, RetryWithFallback},
	{FileNotFound, ErrFileNotFound, []string{"file not found", "no such file", "permission denied"}, MsgFileNotFound, Abort},
	{UnsupportedFormat, ErrUnsupportedFormat, []string{"unsupported format", "invalid wav", "invalid data found"}, MsgUnsupportedFormat, Abort},
	{DeviceError, ErrDevice, []string{"cuda error", "cublas", "gpu error", "ggml_metal", "metal error", "vulkan error", "device-side assert"}, MsgDeviceError, RetryOnCPU},
}

// Classify maps err onto the failure taxonomy. Typed errors win; the
// substring table only covers errors raised without a sentinel in their chain.
// Kinds without a row of their own (model load, decode, cancel) are taken from
// the chain when no table row matches.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Kind: Unknown, Message: MsgUnknown, Action: Abort}
	}
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
		return Classification{Kind: FileNotFound, Message: MsgFileNotFound, Action: Abort}
	}
	for _, row := range table {
		if errors.Is(err, row.sentinel) {
			return Classification{Kind: row.kind, Message: row.message, Action: row.action}
		}
	}
	desc := strings.ToLower(err.Error())
	for _, row := range table {
		for _, m := range row.match {
			if strings.Contains(desc, m) {
				return Classification{Kind: row.kind, Message: row.message, Action: row.action}
			}
		}
	}
	switch {
	case errors.Is(err, context.Canceled):
		return Classification{Kind: Cancelled, Message: MsgCancelled, Action: Abort}
	case errors.Is(err, ErrModelLoad):
		return Classification{Kind: ModelLoadError, Message: MsgModelLoad, Action: Abort}
	case errors.Is(err, ErrDecode):
		return Classification{Kind: DecodeError, Message: MsgDecode, Action: Abort}
	}
	if kind, ok := KindOf(err); ok {
		switch kind {
		case ModelLoadError:
			return Classification{Kind: kind, Message: MsgModelLoad, Action: Abort}
		case DecodeError:
			return Classification{Kind: kind, Message: MsgDecode, Action: Abort}
		case Cancelled:
			return Classification{Kind: kind, Message: MsgCancelled, Action: Abort}
		}
	}
	return Classification{Kind: Unknown, Message: MsgUnknown, Action: Abort}
}

// IsOutOfMemory reports whether err classifies as memory exhaustion.
func IsOutOfMemory(err error) bool {
	return err != nil && Classify(err).Kind == OutOfMemory
}
