package transcribe

import "github.com/obiente/translate/gotranscribe/internal/failure"

// EventKind tags an Event.
type EventKind int

const (
	EventProgress EventKind = iota
	EventStatus
	EventCompleted
	EventCancelled
	EventFailed
)

func (k EventKind) String() string {
	switch k {
	case EventProgress:
		return "progress"
	case EventStatus:
		return "status"
	case EventCompleted:
		return "completed"
	case EventCancelled:
		return "cancelled"
	case EventFailed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether k ends a request's event stream.
func (k EventKind) Terminal() bool {
	return k == EventCompleted || k == EventCancelled || k == EventFailed
}

// Event is one item of a request's event stream. Which fields are set depends
// on Kind:
//
//	EventProgress:  Fraction, Message, Text (all text so far), Segment (the new one)
//	EventStatus:    Message
//	EventCompleted: Result
//	EventCancelled: Message
//	EventFailed:    Error, Message
type Event struct {
	Kind      EventKind
	RequestID string
	Fraction  float64
	Message   string
	Text      string
	Segment   *Segment
	Result    *Result
	Error     failure.Kind
}
