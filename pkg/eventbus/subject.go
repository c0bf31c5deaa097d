package eventbus

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Control-plane subjects (request/reply).
const (
	SubjectRecordingStart  = "recording.start"
	SubjectRecordingStop   = "recording.stop"
	SubjectRecordingStatus = "recording.status"
)

func FragmentSubject(recordingID uuid.UUID, event string) string {
	return fmt.Sprintf("recording.%s.fragment.%s", recordingID, event)
}

func RecordingSubject(recordingID uuid.UUID, event string) string {
	return fmt.Sprintf("recording.%s.%s", recordingID, event)
}

// MatchSubject reports whether a dot-delimited subject matches a pattern.
// `*` matches exactly one token, `>` matches the remaining tail and is only
// meaningful as the last token.
func MatchSubject(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")

	for i, tok := range pt {
		if tok == ">" {
			return i == len(pt)-1 && len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if tok != "*" && tok != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}
