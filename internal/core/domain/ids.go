package domain

import "strings"

type ExamID string
type ParticipantID string
type ViewerID string

type ParticipantRole string

const (
	RoleStudent ParticipantRole = "student"
	RoleAdmin   ParticipantRole = "admin"
)

// Identity is the authenticated participant a supervisor acts for.
type Identity struct {
	ExamID        ExamID
	ParticipantID ParticipantID
	Role          ParticipantRole
}

type CaptureKind string

const (
	CaptureCamera     CaptureKind = "camera"
	CaptureMicrophone CaptureKind = "microphone"
	CaptureScreen     CaptureKind = "screen"
)

// screenStreamPrefix marks the stream id of a display capture; the remainder is the
// display surface, e.g. "screen:monitor".
const screenStreamPrefix = "screen:"

// ScreenStreamID is the stream id a display capture is published under.
func ScreenStreamID(surface string) string {
	return screenStreamPrefix + surface
}

// DisplaySurfaceOf returns the display surface advertised by a stream id, if any.
func DisplaySurfaceOf(streamID string) string {
	surface, ok := strings.CutPrefix(streamID, screenStreamPrefix)
	if !ok {
		return ""
	}
	return surface
}
