package webrtc

import (
	"context"
	"fmt"

	"proctornet/internal/core/domain"
	"proctornet/internal/core/ports"
	"proctornet/pkg/utils"

	"go.uber.org/zap"
)

var screenHints = []string{"screen", "monitor", "display"}

type roleBinding struct {
	trackID string
	binding ports.Binding
}

// TrackRouter classifies the inbound tracks of one session and keeps exactly one
// renderer binding per role. It is owned by a session and not safe for concurrent use.
type TrackRouter struct {
	remoteID string
	renderer ports.Renderer
	logger   *zap.SugaredLogger

	roleTags    map[string]domain.TrackRole
	assignments map[string]domain.TrackAssignment
	bindings    map[domain.TrackRole]roleBinding
}

func NewTrackRouter(remoteID string, renderer ports.Renderer, logger *zap.SugaredLogger) *TrackRouter {
	return &TrackRouter{
		remoteID:    remoteID,
		renderer:    renderer,
		logger:      logger,
		roleTags:    make(map[string]domain.TrackRole),
		assignments: make(map[string]domain.TrackAssignment),
		bindings:    make(map[domain.TrackRole]roleBinding),
	}
}

// SetRoleTags records the roles the offerer declared for its tracks. Tags never
// override an assignment that already exists.
func (r *TrackRouter) SetRoleTags(tags map[string]domain.TrackRole) {
	for trackID, role := range tags {
		if role.Valid() {
			r.roleTags[trackID] = role
		}
	}
}

// Classify decides the role of a track. A track that was classified before keeps its role.
func (r *TrackRouter) Classify(track ports.RemoteTrack) domain.TrackRole {
	if assignment, ok := r.assignments[track.ID()]; ok {
		return assignment.Role
	}

	if track.Kind() == domain.TrackKindAudio {
		return domain.TrackRoleVoice
	}

	if role, ok := r.roleTags[track.ID()]; ok && role != domain.TrackRoleVoice {
		return role
	}

	if track.DisplaySurface() != "" || utils.ContainsAnyFold(track.Label(), screenHints...) {
		return domain.TrackRoleScreen
	}

	if !r.roleTaken(domain.TrackRoleCamera) {
		return domain.TrackRoleCamera
	}
	return domain.TrackRoleScreen
}

func (r *TrackRouter) roleTaken(role domain.TrackRole) bool {
	for _, assignment := range r.assignments {
		if assignment.Role == role {
			return true
		}
	}
	return false
}

// Route classifies the track and binds it to the renderer, releasing whatever was
// bound to that role before.
func (r *TrackRouter) Route(ctx context.Context, track ports.RemoteTrack) (domain.TrackAssignment, error) {
	role := r.Classify(track)
	assignment := domain.TrackAssignment{
		TrackID:  track.ID(),
		Kind:     track.Kind(),
		Role:     role,
		RemoteID: r.remoteID,
	}
	r.assignments[track.ID()] = assignment

	if previous, ok := r.bindings[role]; ok {
		previous.binding.Release()
		delete(r.bindings, role)
		if previous.trackID != track.ID() {
			r.logger.Infow("rebinding role to newer track",
				"remote_id", r.remoteID,
				"role", role,
				"previous_track_id", previous.trackID,
				"track_id", track.ID(),
			)
		}
	}

	if r.renderer == nil {
		return assignment, nil
	}

	binding, err := r.renderer.Bind(ctx, r.remoteID, role, track)
	if err != nil {
		return assignment, fmt.Errorf("bind %s track %s: %w", role, track.ID(), err)
	}
	r.bindings[role] = roleBinding{trackID: track.ID(), binding: binding}

	if track.Kind() == domain.TrackKindVideo {
		if err := track.RequestKeyframe(); err != nil {
			r.logger.Debugw("keyframe request failed", "remote_id", r.remoteID, "track_id", track.ID(), "error", err)
		}
	}
	return assignment, nil
}

// Assignments returns every track assignment of the session.
func (r *TrackRouter) Assignments() []domain.TrackAssignment {
	out := make([]domain.TrackAssignment, 0, len(r.assignments))
	for _, assignment := range r.assignments {
		out = append(out, assignment)
	}
	return out
}

// ReleaseAll detaches every binding. Assignments are kept so roles stay stable
// for as long as the session exists.
func (r *TrackRouter) ReleaseAll() {
	for role, bound := range r.bindings {
		bound.binding.Release()
		delete(r.bindings, role)
	}
}
