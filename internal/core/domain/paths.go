package domain

import (
	"fmt"
	"strings"

	"proctornet/pkg/validation"
)

const (
	broadcastRoot = "broadcast"
	voiceRoot     = "voice"
)

type ICESide string

const (
	SideBroadcaster ICESide = "broadcaster"
	SideViewer      ICESide = "viewer"
	SideAdmin       ICESide = "admin"
	SideStudent     ICESide = "student"
)

func JoinPath(segments ...string) string {
	return strings.Join(segments, "/")
}

// ValidatePath rejects empty segments and segments that could escape their namespace.
func ValidatePath(path string) error {
	if path == "" {
		return fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	for _, segment := range strings.Split(path, "/") {
		if err := validation.ValidatePathSegment(segment); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidPath, path, err)
		}
	}
	return nil
}

// CandidateKey renders an ICE log key so that lexical order equals publish order.
func CandidateKey(ts int64) string {
	return fmt.Sprintf("%020d", ts)
}

func BroadcastersPath(exam ExamID) string {
	return JoinPath(broadcastRoot, string(exam))
}

func BroadcasterPath(exam ExamID, broadcaster ParticipantID) string {
	return JoinPath(broadcastRoot, string(exam), string(broadcaster))
}

func ViewersPath(exam ExamID, broadcaster ParticipantID) string {
	return JoinPath(BroadcasterPath(exam, broadcaster), "viewers")
}

func ViewerPath(exam ExamID, broadcaster ParticipantID, viewer ViewerID) string {
	return JoinPath(ViewersPath(exam, broadcaster), string(viewer))
}

func BroadcastOfferPath(exam ExamID, broadcaster ParticipantID, viewer ViewerID) string {
	return JoinPath(BroadcasterPath(exam, broadcaster), "offers", string(viewer))
}

func BroadcastAnswerPath(exam ExamID, broadcaster ParticipantID, viewer ViewerID) string {
	return JoinPath(BroadcasterPath(exam, broadcaster), "answers", string(viewer))
}

func BroadcastICEPath(exam ExamID, broadcaster ParticipantID, viewer ViewerID) string {
	return JoinPath(BroadcasterPath(exam, broadcaster), "ice", string(viewer))
}

func BroadcastICELogPath(exam ExamID, broadcaster ParticipantID, viewer ViewerID, side ICESide) string {
	return JoinPath(BroadcastICEPath(exam, broadcaster, viewer), string(side))
}

func VoiceAdminsPath(exam ExamID, student ParticipantID) string {
	return JoinPath(voiceRoot, string(exam), string(student), "admin")
}

func VoiceAdminPath(exam ExamID, student, admin ParticipantID) string {
	return JoinPath(VoiceAdminsPath(exam, student), string(admin))
}

func VoiceOfferPath(exam ExamID, student, admin ParticipantID) string {
	return JoinPath(voiceRoot, string(exam), string(student), "offers", string(admin))
}

func VoiceAnswerPath(exam ExamID, student, admin ParticipantID) string {
	return JoinPath(voiceRoot, string(exam), string(student), "answers", string(admin))
}

func VoiceICEPath(exam ExamID, student, admin ParticipantID) string {
	return JoinPath(voiceRoot, string(exam), string(student), "ice", string(admin))
}

func VoiceICELogPath(exam ExamID, student, admin ParticipantID, side ICESide) string {
	return JoinPath(VoiceICEPath(exam, student, admin), string(side))
}

// Exchange is the set of paths one peer session reads and writes.
type Exchange struct {
	OfferPath     string
	AnswerPath    string
	LocalICEPath  string
	RemoteICEPath string
	// PresencePath is the counterpart record whose absence aborts the session.
	// Empty when the counterpart has no presence record of its own.
	PresencePath string
	PresenceKind MessageKind
}

// PairPaths lists every signaling sub-path owned by the pair, for cleanup.
func (e Exchange) PairPaths() []string {
	ice := e.LocalICEPath[:strings.LastIndex(e.LocalICEPath, "/")]
	return []string{e.OfferPath, e.AnswerPath, ice}
}

func BroadcastExchange(exam ExamID, broadcaster ParticipantID, viewer ViewerID, role NegotiationRole) Exchange {
	ex := Exchange{
		OfferPath:  BroadcastOfferPath(exam, broadcaster, viewer),
		AnswerPath: BroadcastAnswerPath(exam, broadcaster, viewer),
	}
	broadcasterLog := BroadcastICELogPath(exam, broadcaster, viewer, SideBroadcaster)
	viewerLog := BroadcastICELogPath(exam, broadcaster, viewer, SideViewer)
	if role == RoleOfferer {
		ex.LocalICEPath, ex.RemoteICEPath = broadcasterLog, viewerLog
		ex.PresencePath, ex.PresenceKind = ViewerPath(exam, broadcaster, viewer), KindViewer
	} else {
		ex.LocalICEPath, ex.RemoteICEPath = viewerLog, broadcasterLog
		ex.PresencePath, ex.PresenceKind = BroadcasterPath(exam, broadcaster), KindBroadcaster
	}
	return ex
}

func VoiceExchange(exam ExamID, student, admin ParticipantID, role NegotiationRole) Exchange {
	ex := Exchange{
		OfferPath:  VoiceOfferPath(exam, student, admin),
		AnswerPath: VoiceAnswerPath(exam, student, admin),
	}
	adminLog := VoiceICELogPath(exam, student, admin, SideAdmin)
	studentLog := VoiceICELogPath(exam, student, admin, SideStudent)
	if role == RoleOfferer {
		ex.LocalICEPath, ex.RemoteICEPath = adminLog, studentLog
	} else {
		ex.LocalICEPath, ex.RemoteICEPath = studentLog, adminLog
		ex.PresencePath, ex.PresenceKind = VoiceAdminPath(exam, student, admin), KindVoice
	}
	return ex
}
