package services

import (
	"context"
	"fmt"
	"sort"

	"proctornet/internal/core/domain"
	"proctornet/internal/core/ports"
	"proctornet/pkg/retry"
	"proctornet/pkg/utils"

	"go.uber.org/zap"
)

// PresenceService publishes and observes broadcaster, viewer and voice registrations.
// Every registration installs a disconnect hook first, so a crash between the hook
// and the write leaves nothing behind.
type PresenceService struct {
	channel ports.SignalingChannel
	retry   retry.Config
	logger  *zap.SugaredLogger
}

func NewPresenceService(channel ports.SignalingChannel, retryCfg retry.Config, logger *zap.SugaredLogger) *PresenceService {
	return &PresenceService{
		channel: channel,
		retry:   retryCfg,
		logger:  logger,
	}
}

func (s *PresenceService) register(ctx context.Context, path string, value []byte) error {
	return retry.Retry(ctx, s.retry, func() error {
		if err := s.channel.OnDisconnectDelete(ctx, path); err != nil {
			return fmt.Errorf("install disconnect hook on %s: %w", path, err)
		}
		if err := s.channel.Write(ctx, path, value); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		return nil
	})
}

func (s *PresenceService) remove(ctx context.Context, paths ...string) error {
	for _, path := range paths {
		path := path
		err := retry.Retry(ctx, s.retry, func() error {
			return s.channel.Delete(ctx, path)
		})
		if err != nil {
			return fmt.Errorf("delete %s: %w", path, err)
		}
	}
	return nil
}

// Announce marks the student's broadcast live.
func (s *PresenceService) Announce(ctx context.Context, exam domain.ExamID, student domain.ParticipantID) error {
	value, err := domain.Encode(domain.BroadcasterRecord{Active: true, AnnouncedAt: utils.NowMillis()})
	if err != nil {
		return err
	}
	return s.register(ctx, domain.BroadcasterPath(exam, student), value)
}

// Withdraw removes the broadcaster record and everything negotiated beneath it.
func (s *PresenceService) Withdraw(ctx context.Context, exam domain.ExamID, student domain.ParticipantID) error {
	return s.remove(ctx, domain.BroadcasterPath(exam, student))
}

func (s *PresenceService) RegisterViewer(ctx context.Context, exam domain.ExamID, student domain.ParticipantID, viewer domain.ViewerID) error {
	value, err := domain.Encode(domain.ViewerRecord{ConnectedAt: utils.NowMillis()})
	if err != nil {
		return err
	}
	return s.register(ctx, domain.ViewerPath(exam, student, viewer), value)
}

// WithdrawViewer removes the registration and the pair's offer, answer and ICE logs.
func (s *PresenceService) WithdrawViewer(ctx context.Context, exam domain.ExamID, student domain.ParticipantID, viewer domain.ViewerID) error {
	paths := append([]string{domain.ViewerPath(exam, student, viewer)},
		domain.BroadcastExchange(exam, student, viewer, domain.RoleAnswerer).PairPaths()...)
	return s.remove(ctx, paths...)
}

func (s *PresenceService) RegisterVoice(ctx context.Context, exam domain.ExamID, student, admin domain.ParticipantID) error {
	value, err := domain.Encode(domain.VoiceRecord{Active: true, Timestamp: utils.NowMillis()})
	if err != nil {
		return err
	}
	return s.register(ctx, domain.VoiceAdminPath(exam, student, admin), value)
}

// WithdrawVoice removes the admin's registration and every sub-path of that admin's pair.
func (s *PresenceService) WithdrawVoice(ctx context.Context, exam domain.ExamID, student, admin domain.ParticipantID) error {
	paths := append([]string{domain.VoiceAdminPath(exam, student, admin)},
		domain.VoiceExchange(exam, student, admin, domain.RoleOfferer).PairPaths()...)
	return s.remove(ctx, paths...)
}

// IsBroadcasterActive is a one-shot read of the broadcaster record.
func (s *PresenceService) IsBroadcasterActive(ctx context.Context, exam domain.ExamID, student domain.ParticipantID) (bool, error) {
	raw, found, err := s.channel.ReadOnce(ctx, domain.BroadcasterPath(exam, student))
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	return s.broadcasterActive(raw), nil
}

// WatchBroadcaster reports the broadcaster's liveness, only when it changes.
func (s *PresenceService) WatchBroadcaster(ctx context.Context, exam domain.ExamID, student domain.ParticipantID, onChange func(active bool)) (func(), error) {
	var last *bool
	return s.channel.Subscribe(ctx, domain.BroadcasterPath(exam, student), func(snap domain.Snapshot) {
		raw, ok := snap.Value()
		active := ok && s.broadcasterActive(raw)
		if last != nil && *last == active {
			return
		}
		last = &active
		onChange(active)
	}, domain.WithDepth(domain.DepthValue))
}

// WatchBroadcasters reports the set of live broadcasters of an exam whenever it changes.
func (s *PresenceService) WatchBroadcasters(ctx context.Context, exam domain.ExamID, onChange func([]domain.ParticipantID)) (func(), error) {
	var last []string
	var initialized bool
	return s.channel.Subscribe(ctx, domain.BroadcastersPath(exam), func(snap domain.Snapshot) {
		var live []string
		for _, name := range snap.Children() {
			raw, ok := snap.Child(name).Value()
			if ok && s.broadcasterActive(raw) {
				live = append(live, name)
			}
		}
		if initialized && equalSets(last, live) {
			return
		}
		initialized = true
		last = live
		onChange(toParticipants(live))
	}, domain.WithDepth(domain.DepthChildren))
}

// WatchViewers reports the viewer registrations of one broadcaster whenever the set changes.
func (s *PresenceService) WatchViewers(ctx context.Context, exam domain.ExamID, student domain.ParticipantID, onChange func([]domain.ViewerID)) (func(), error) {
	var last []string
	var initialized bool
	return s.channel.Subscribe(ctx, domain.ViewersPath(exam, student), func(snap domain.Snapshot) {
		var present []string
		for _, name := range snap.Children() {
			raw, ok := snap.Child(name).Value()
			if !ok {
				continue
			}
			if _, err := domain.Decode[domain.ViewerRecord](raw); err != nil {
				s.logger.Warnw("ignoring malformed viewer registration", "viewer_id", name, "error", err)
				continue
			}
			present = append(present, name)
		}
		if initialized && equalSets(last, present) {
			return
		}
		initialized = true
		last = present
		viewers := make([]domain.ViewerID, len(present))
		for i, name := range present {
			viewers[i] = domain.ViewerID(name)
		}
		onChange(viewers)
	}, domain.WithDepth(domain.DepthChildren))
}

// WatchVoiceAdmins reports the admins currently speaking to a student.
func (s *PresenceService) WatchVoiceAdmins(ctx context.Context, exam domain.ExamID, student domain.ParticipantID, onChange func([]domain.ParticipantID)) (func(), error) {
	var last []string
	var initialized bool
	return s.channel.Subscribe(ctx, domain.VoiceAdminsPath(exam, student), func(snap domain.Snapshot) {
		var active []string
		for _, name := range snap.Children() {
			raw, ok := snap.Child(name).Value()
			if !ok {
				continue
			}
			record, err := domain.Decode[domain.VoiceRecord](raw)
			if err != nil {
				s.logger.Warnw("ignoring malformed voice registration", "admin_id", name, "error", err)
				continue
			}
			if record.Active {
				active = append(active, name)
			}
		}
		if initialized && equalSets(last, active) {
			return
		}
		initialized = true
		last = active
		onChange(toParticipants(active))
	}, domain.WithDepth(domain.DepthChildren))
}

func (s *PresenceService) broadcasterActive(raw []byte) bool {
	record, err := domain.Decode[domain.BroadcasterRecord](raw)
	if err != nil {
		s.logger.Warnw("ignoring malformed broadcaster record", "error", err)
		return false
	}
	return record.Active
}

// equalSets compares two sorted name lists.
func equalSets(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func toParticipants(names []string) []domain.ParticipantID {
	sort.Strings(names)
	out := make([]domain.ParticipantID, len(names))
	for i, name := range names {
		out[i] = domain.ParticipantID(name)
	}
	return out
}
