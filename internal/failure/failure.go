package failure

import (
	"errors"
	"fmt"
)

// Kind is the closed set of failure categories a transcription can end with.
type Kind int

const (
	Unknown Kind = iota
	ModelLoadError
	OutOfMemory
	FileNotFound
	UnsupportedFormat
	DeviceError
	DecodeError
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case ModelLoadError:
		return "model_load_error"
	case OutOfMemory:
		return "out_of_memory"
	case FileNotFound:
		return "file_not_found"
	case UnsupportedFormat:
		return "unsupported_format"
	case DeviceError:
		return "device_error"
	case DecodeError:
		return "decode_error"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Sentinel errors raised by backends and decoders. Classify matches them with
// errors.Is before it looks at any error text.
var (
	ErrOutOfMemory       = errors.New("out of memory")
	ErrFileNotFound      = errors.New("file not found")
	ErrUnsupportedFormat = errors.New("unsupported format")
	ErrDevice            = errors.New("gpu device error")
	ErrModelLoad         = errors.New("model load failed")
	ErrDecode            = errors.New("decode failed")
)

// Error attaches a Kind to an underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap returns err tagged with kind. A nil err stays nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf reports the Kind carried by the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return Unknown, false
}
