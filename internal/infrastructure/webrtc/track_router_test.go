package webrtc

import (
	"context"
	"errors"
	"testing"

	"proctornet/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestTrackRouter_Classify(t *testing.T) {
	tests := []struct {
		name  string
		tags  map[string]domain.TrackRole
		prior []*fakeRemoteTrack
		track *fakeRemoteTrack
		want  domain.TrackRole
	}{
		{
			name:  "audio is always voice",
			tags:  map[string]domain.TrackRole{"a": domain.TrackRoleScreen},
			track: &fakeRemoteTrack{id: "a", kind: "audio"},
			want:  domain.TrackRoleVoice,
		},
		{
			name:  "declared role wins over hints",
			tags:  map[string]domain.TrackRole{"v": domain.TrackRoleCamera},
			track: &fakeRemoteTrack{id: "v", kind: "video", stream: "screen:monitor"},
			want:  domain.TrackRoleCamera,
		},
		{
			name:  "voice tag on video is ignored",
			tags:  map[string]domain.TrackRole{"v": domain.TrackRoleVoice},
			track: &fakeRemoteTrack{id: "v", kind: "video"},
			want:  domain.TrackRoleCamera,
		},
		{
			name:  "display surface means screen",
			track: &fakeRemoteTrack{id: "v", kind: "video", stream: "screen:monitor"},
			want:  domain.TrackRoleScreen,
		},
		{
			name:  "label hint means screen",
			track: &fakeRemoteTrack{id: "v", kind: "video", label: "Display Capture"},
			want:  domain.TrackRoleScreen,
		},
		{
			name:  "first plain video is the camera",
			track: &fakeRemoteTrack{id: "v", kind: "video"},
			want:  domain.TrackRoleCamera,
		},
		{
			name:  "second plain video is the screen",
			prior: []*fakeRemoteTrack{{id: "v1", kind: "video"}},
			track: &fakeRemoteTrack{id: "v2", kind: "video"},
			want:  domain.TrackRoleScreen,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := NewTrackRouter("s1", nil, zap.NewNop().Sugar())
			router.SetRoleTags(tt.tags)
			for _, track := range tt.prior {
				_, err := router.Route(context.Background(), track)
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, router.Classify(tt.track))
		})
	}
}

func TestTrackRouter_RoleIsStable(t *testing.T) {
	router := NewTrackRouter("s1", nil, zap.NewNop().Sugar())
	camera := &fakeRemoteTrack{id: "v1", kind: "video"}

	assignment, err := router.Route(context.Background(), camera)
	require.NoError(t, err)
	assert.Equal(t, domain.TrackRoleCamera, assignment.Role)

	router.SetRoleTags(map[string]domain.TrackRole{"v1": domain.TrackRoleScreen})
	assert.Equal(t, domain.TrackRoleCamera, router.Classify(camera), "an assigned track keeps its role")
}

func TestTrackRouter_RebindReleasesPrevious(t *testing.T) {
	renderer := &fakeRenderer{}
	router := NewTrackRouter("s1", renderer, zap.NewNop().Sugar())
	router.SetRoleTags(map[string]domain.TrackRole{
		"old": domain.TrackRoleScreen,
		"new": domain.TrackRoleScreen,
	})

	_, err := router.Route(context.Background(), &fakeRemoteTrack{id: "old", kind: "video"})
	require.NoError(t, err)
	assert.Equal(t, []string{"s1/screen/old"}, renderer.active())

	_, err = router.Route(context.Background(), &fakeRemoteTrack{id: "new", kind: "video"})
	require.NoError(t, err)
	assert.Equal(t, []string{"s1/screen/new"}, renderer.active(), "one binding per role")
	assert.Len(t, router.Assignments(), 2)
}

func TestTrackRouter_RequestsKeyframeForVideo(t *testing.T) {
	router := NewTrackRouter("s1", &fakeRenderer{}, zap.NewNop().Sugar())
	video := &fakeRemoteTrack{id: "v", kind: "video"}
	audio := &fakeRemoteTrack{id: "a", kind: "audio"}

	_, err := router.Route(context.Background(), video)
	require.NoError(t, err)
	_, err = router.Route(context.Background(), audio)
	require.NoError(t, err)

	assert.Equal(t, 1, video.keyframeRequests())
	assert.Zero(t, audio.keyframeRequests())
}

func TestTrackRouter_BindFailure(t *testing.T) {
	renderer := &fakeRenderer{bindErr: errors.New("sink busy")}
	router := NewTrackRouter("s1", renderer, zap.NewNop().Sugar())

	assignment, err := router.Route(context.Background(), &fakeRemoteTrack{id: "v", kind: "video"})
	require.Error(t, err)
	assert.Equal(t, domain.TrackRoleCamera, assignment.Role, "the role is kept even when binding fails")
	assert.Empty(t, renderer.active())
}

func TestTrackRouter_ReleaseAll(t *testing.T) {
	renderer := &fakeRenderer{}
	router := NewTrackRouter("s1", renderer, zap.NewNop().Sugar())
	camera := &fakeRemoteTrack{id: "v1", kind: "video"}

	_, err := router.Route(context.Background(), camera)
	require.NoError(t, err)
	_, err = router.Route(context.Background(), &fakeRemoteTrack{id: "v2", kind: "video", stream: "screen:monitor"})
	require.NoError(t, err)
	require.Len(t, renderer.active(), 2)

	router.ReleaseAll()
	router.ReleaseAll()
	assert.Empty(t, renderer.active())
	assert.Equal(t, domain.TrackRoleCamera, router.Classify(camera))
}
