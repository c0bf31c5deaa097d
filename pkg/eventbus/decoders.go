package eventbus

import "edge-recorder/dto"

// DefaultRegistry wires every subject the agent produces or consumes to its
// payload type.
func DefaultRegistry() *Registry {
	return NewRegistry().
		Register(SubjectRecordingStart, JSONDecoder[dto.StartRequest]()).
		Register(SubjectRecordingStop, JSONDecoder[dto.StopRequest]()).
		Register(SubjectRecordingStatus, JSONDecoder[dto.StatusRequest]()).
		Register("recording.*.fragment.>", JSONDecoder[dto.FragmentEvent]()).
		Register("recording.*.>", JSONDecoder[dto.RecordingEvent]())
}
