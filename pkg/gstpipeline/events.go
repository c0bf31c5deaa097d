package gstpipeline

// EventType tags the variants carried on a Handle's event channel.
type EventType int

const (
	EventFragmentClosed EventType = iota
	EventEndOfStream
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventFragmentClosed:
		return "fragment-closed"
	case EventEndOfStream:
		return "end-of-stream"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// FragmentClosed describes a finished media file. The buffer fields are in
// the pipeline's clock domain (nanoseconds).
type FragmentClosed struct {
	Filename    string
	Index       int64
	Timestamp   int64
	RunningTime int64
	StreamTime  int64
	Duration    int64
	Offset      int64
	OffsetEnd   int64
}

// PipelineError carries a fatal error off the pipeline bus.
type PipelineError struct {
	Source      string
	Description string
	Debug       string
}

func (e *PipelineError) Error() string {
	return e.Description
}

// Event is the tagged union delivered by Handle.Events. Exactly one of
// Fragment and Err is set for the corresponding type.
type Event struct {
	Type     EventType
	Fragment FragmentClosed
	Err      *PipelineError
}
