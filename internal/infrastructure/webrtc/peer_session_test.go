package webrtc

import (
	"context"
	"sync"
	"testing"
	"time"

	"proctornet/internal/core/domain"
	"proctornet/internal/infrastructure/channel/memory"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testSDP  = "v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\ns=-\r\nt=0 0\r\n"
	waitFor  = 2 * time.Second
	pollTick = 5 * time.Millisecond
)

type sessionHarness struct {
	t       *testing.T
	store   *memory.Store
	channel *memory.Channel
	network *fakeNetwork
	loop    *eventLoop
	session *PeerSession

	mu        sync.Mutex
	states    []domain.SessionState
	exhausted int
	replaced  []string
}

func newSessionHarness(t *testing.T, role domain.NegotiationRole, ex domain.Exchange, router *TrackRouter) *sessionHarness {
	t.Helper()
	store := memory.NewStore()
	h := &sessionHarness{
		t:       t,
		store:   store,
		channel: store.Connect(),
		network: &fakeNetwork{},
		loop:    newEventLoop(),
	}
	hooks := sessionHooks{
		onStateChange: func(_ *PeerSession, state domain.SessionState) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.states = append(h.states, state)
		},
		onExhausted: func(*PeerSession) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.exhausted++
		},
		onReplaced: func(_ *PeerSession, generation string) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.replaced = append(h.replaced, generation)
		},
	}
	h.session = newPeerSession(context.Background(), sessionConfig{
		Exam:         "exam1",
		LocalID:      "local",
		RemoteID:     "remote",
		Side:         "test",
		Role:         role,
		Exchange:     ex,
		GracePeriod:  100 * time.Millisecond,
		RecoveryWait: 150 * time.Millisecond,
		Router:       router,
	}, h.channel, h.network, noopMetrics{}, h.loop, hooks, zap.NewNop().Sugar())

	t.Cleanup(func() {
		_ = h.loop.Call(context.Background(), func() { h.session.Close("test done") })
		h.loop.Stop()
	})
	return h
}

func (h *sessionHarness) start() error {
	var err error
	require.NoError(h.t, h.loop.Call(context.Background(), func() { err = h.session.Start() }))
	return err
}

func (h *sessionHarness) diag() domain.SessionDiagnostics {
	var d domain.SessionDiagnostics
	require.NoError(h.t, h.loop.Call(context.Background(), func() { d = h.session.Diagnostics() }))
	return d
}

func (h *sessionHarness) state() domain.SessionState {
	return h.diag().State
}

func (h *sessionHarness) exhaustedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exhausted
}

func (h *sessionHarness) write(path string, value []byte) {
	h.t.Helper()
	require.NoError(h.t, h.store.Write(context.Background(), path, value))
}

func must(value []byte, err error) []byte {
	if err != nil {
		panic(err)
	}
	return value
}

func (h *sessionHarness) read(path string) ([]byte, bool) {
	value, found, err := h.store.ReadOnce(context.Background(), path)
	require.NoError(h.t, err)
	return value, found
}

func candidate(name, generation string) domain.CandidateRecord {
	mid := "0"
	index := uint16(0)
	return domain.CandidateRecord{
		Candidate:     "candidate:" + name,
		SDPMid:        &mid,
		SDPMLineIndex: &index,
		Generation:    generation,
	}
}

func TestPeerSession_AnswererBuffersCandidatesUntilOffer(t *testing.T) {
	ex := domain.BroadcastExchange("exam1", "s1", "v1", domain.RoleAnswerer)
	h := newSessionHarness(t, domain.RoleAnswerer, ex, nil)

	h.write(ex.PresencePath, must(domain.Encode(domain.BroadcasterRecord{Active: true, AnnouncedAt: 1})))
	for i, name := range []string{"a", "b", "c"} {
		h.write(domain.JoinPath(ex.RemoteICEPath, domain.CandidateKey(int64(i+1))), must(domain.Encode(candidate(name, "g1"))))
	}
	require.NoError(t, h.start())

	require.Eventually(t, func() bool { return h.diag().CandidatesReceived == 3 }, waitFor, pollTick)
	pc := h.network.pc(0)
	assert.Empty(t, pc.appliedCandidates(), "nothing is applied before the remote description")
	assert.Len(t, h.store.Paths(ex.RemoteICEPath), 3, "buffered candidates stay in the log")

	h.write(ex.OfferPath, must(domain.Encode(domain.OfferRecord{Description: domain.Description{
		SDP: testSDP, Type: "offer", Timestamp: 10, Generation: "g1",
	}})))

	require.Eventually(t, func() bool { return len(pc.appliedCandidates()) == 3 }, waitFor, pollTick)
	assert.Equal(t, []string{"candidate:a", "candidate:b", "candidate:c"}, pc.appliedCandidates())
	assert.Zero(t, pc.earlyCandidates())
	require.Eventually(t, func() bool { return len(h.store.Paths(ex.RemoteICEPath)) == 0 }, waitFor, pollTick,
		"applied candidates are removed from the log")

	raw, found := h.read(ex.AnswerPath)
	require.True(t, found)
	answer, err := domain.Decode[domain.AnswerRecord](raw)
	require.NoError(t, err)
	assert.Equal(t, int64(10), answer.Timestamp)
	assert.Equal(t, "g1", answer.Generation)

	// Later candidates go straight in, once each.
	h.write(domain.JoinPath(ex.RemoteICEPath, domain.CandidateKey(4)), must(domain.Encode(candidate("d", "g1"))))
	require.Eventually(t, func() bool { return len(pc.appliedCandidates()) == 4 }, waitFor, pollTick)

	// Candidates of another offerer instance are ignored and left alone.
	foreign := domain.JoinPath(ex.RemoteICEPath, domain.CandidateKey(5))
	h.write(foreign, must(domain.Encode(candidate("e", "g2"))))
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, pc.appliedCandidates(), 4)
	_, found = h.read(foreign)
	assert.True(t, found)

	// A duplicate delivery of the same offer does not produce a second answer.
	h.write(ex.OfferPath, must(domain.Encode(domain.OfferRecord{Description: domain.Description{
		SDP: testSDP, Type: "offer", Timestamp: 10, Generation: "g1",
	}})))
	time.Sleep(50 * time.Millisecond)
	d := h.diag()
	assert.Equal(t, 1, d.DescriptionsPublished)
	assert.Equal(t, domain.StateConnected, d.State)
	assert.Equal(t, 4, d.CandidatesReceived)
	assert.Equal(t, 1, d.CandidatesSent)
}

func TestPeerSession_AnswererReportsReplacedOfferer(t *testing.T) {
	ex := domain.BroadcastExchange("exam1", "s1", "v1", domain.RoleAnswerer)
	h := newSessionHarness(t, domain.RoleAnswerer, ex, nil)

	h.write(ex.PresencePath, must(domain.Encode(domain.BroadcasterRecord{Active: true, AnnouncedAt: 1})))
	h.write(ex.OfferPath, must(domain.Encode(domain.OfferRecord{Description: domain.Description{
		SDP: testSDP, Type: "offer", Timestamp: 10, Generation: "g1",
	}})))
	require.NoError(t, h.start())
	require.Eventually(t, func() bool { return h.state() == domain.StateConnected }, waitFor, pollTick)

	h.write(ex.OfferPath, must(domain.Encode(domain.OfferRecord{Description: domain.Description{
		SDP: testSDP, Type: "offer", Timestamp: 20, Generation: "g2",
	}})))
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.replaced) == 1 && h.replaced[0] == "g2"
	}, waitFor, pollTick)
	assert.Equal(t, 1, h.diag().DescriptionsPublished)
}

func TestPeerSession_OffererIgnoresStaleAnswers(t *testing.T) {
	ex := domain.BroadcastExchange("exam1", "s1", "v1", domain.RoleOfferer)
	h := newSessionHarness(t, domain.RoleOfferer, ex, nil)

	h.write(ex.PresencePath, must(domain.Encode(domain.ViewerRecord{ConnectedAt: 1})))
	require.NoError(t, h.start())

	raw, found := h.read(ex.OfferPath)
	require.True(t, found)
	offer, err := domain.Decode[domain.OfferRecord](raw)
	require.NoError(t, err)
	assert.False(t, offer.Restart)
	assert.Equal(t, domain.StateNegotiating, h.state())

	h.write(ex.AnswerPath, must(domain.Encode(domain.AnswerRecord{Description: domain.Description{
		SDP: testSDP, Type: "answer", Timestamp: offer.Timestamp, Generation: "someone-else",
	}})))
	h.write(ex.AnswerPath, must(domain.Encode(domain.AnswerRecord{Description: domain.Description{
		SDP: testSDP, Type: "answer", Timestamp: offer.Timestamp - 1, Generation: offer.Generation,
	}})))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, domain.StateNegotiating, h.state())

	h.write(ex.AnswerPath, must(domain.Encode(domain.AnswerRecord{Description: domain.Description{
		SDP: testSDP, Type: "answer", Timestamp: offer.Timestamp, Generation: offer.Generation,
	}})))
	require.Eventually(t, func() bool { return h.state() == domain.StateConnected }, waitFor, pollTick)
}

func TestPeerSession_PresenceRemovalAbortsNegotiation(t *testing.T) {
	ex := domain.BroadcastExchange("exam1", "s1", "v1", domain.RoleOfferer)
	h := newSessionHarness(t, domain.RoleOfferer, ex, nil)

	h.write(ex.PresencePath, must(domain.Encode(domain.ViewerRecord{ConnectedAt: 1})))
	require.NoError(t, h.start())
	assert.Equal(t, domain.StateNegotiating, h.state())

	require.NoError(t, h.store.Delete(context.Background(), ex.PresencePath))
	require.Eventually(t, func() bool { return h.state() == domain.StateClosed }, waitFor, pollTick)
	assert.True(t, h.network.pc(0).isClosed())
	assert.Zero(t, h.exhaustedCount(), "presence loss is not a connectivity failure")
}

func TestPeerSession_CloseIsIdempotent(t *testing.T) {
	ex := domain.BroadcastExchange("exam1", "s1", "v1", domain.RoleOfferer)
	h := newSessionHarness(t, domain.RoleOfferer, ex, nil)
	h.write(ex.PresencePath, must(domain.Encode(domain.ViewerRecord{ConnectedAt: 1})))
	require.NoError(t, h.start())

	require.NoError(t, h.loop.Call(context.Background(), func() {
		h.session.Close("first")
		h.session.Close("second")
	}))

	h.mu.Lock()
	closes := 0
	for _, state := range h.states {
		if state == domain.StateClosed {
			closes++
		}
	}
	h.mu.Unlock()
	assert.Equal(t, 1, closes)

	// Late notifications are ignored once closed.
	h.write(ex.AnswerPath, must(domain.Encode(domain.AnswerRecord{Description: domain.Description{
		SDP: testSDP, Type: "answer", Timestamp: 1, Generation: "g",
	}})))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, domain.StateClosed, h.state())
}

func TestPeerSession_StartFailsWithoutPeerConnection(t *testing.T) {
	ex := domain.BroadcastExchange("exam1", "s1", "v1", domain.RoleOfferer)
	h := newSessionHarness(t, domain.RoleOfferer, ex, nil)
	h.network.createErr = assert.AnError

	err := h.start()
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, domain.StateClosed, h.state())
}

func offerSDP(ufrag string, restart bool) string {
	sdp := testSDP + "a=ice-ufrag:" + ufrag + "\r\n"
	if restart {
		sdp += "a=ice-restart\r\n"
	}
	return sdp
}

func offerRecord(ts int64, sdp string) []byte {
	return must(domain.Encode(domain.OfferRecord{Description: domain.Description{
		SDP: sdp, Type: "offer", Timestamp: ts, Generation: "g1",
	}}))
}

func ufragCandidate(name, ufrag string) domain.CandidateRecord {
	record := candidate(name, "g1")
	record.UsernameFragment = &ufrag
	return record
}

// connectAnswerer starts an answerer and delivers its first offer.
func connectAnswerer(t *testing.T, sdp string) (*sessionHarness, domain.Exchange) {
	ex := domain.BroadcastExchange("exam1", "s1", "v1", domain.RoleAnswerer)
	h := newSessionHarness(t, domain.RoleAnswerer, ex, nil)
	h.write(ex.PresencePath, must(domain.Encode(domain.BroadcasterRecord{Active: true, AnnouncedAt: 1})))
	h.write(ex.OfferPath, offerRecord(10, sdp))
	require.NoError(t, h.start())
	require.Eventually(t, func() bool { return h.state() == domain.StateConnected }, waitFor, pollTick)
	return h, ex
}

func (h *sessionHarness) latestAnswer(ex domain.Exchange) domain.AnswerRecord {
	raw, found := h.read(ex.AnswerPath)
	require.True(h.t, found)
	answer, err := domain.Decode[domain.AnswerRecord](raw)
	require.NoError(h.t, err)
	return answer
}

func TestPeerSession_RestartCandidatesWaitForTheirOffer(t *testing.T) {
	h, ex := connectAnswerer(t, offerSDP("u1", false))
	pc := h.network.pc(0)

	// Local candidates carry the credentials of the answer they were gathered for.
	answer := h.latestAnswer(ex)
	local := h.store.Paths(ex.LocalICEPath)
	require.NotEmpty(t, local)
	raw, _ := h.read(local[0])
	sent, err := domain.Decode[domain.CandidateRecord](raw)
	require.NoError(t, err)
	require.NotNil(t, sent.UsernameFragment)
	assert.Equal(t, iceUfrag(answer.SDP), *sent.UsernameFragment)

	early := domain.JoinPath(ex.RemoteICEPath, domain.CandidateKey(1))
	h.write(early, must(domain.Encode(ufragCandidate("restarted", "u2"))))
	require.Eventually(t, func() bool { return h.diag().CandidatesReceived == 1 }, waitFor, pollTick)
	assert.Empty(t, pc.appliedCandidates(), "not applied to the previous ICE session")
	_, found := h.read(early)
	assert.True(t, found, "kept in the log until its offer arrives")

	h.write(ex.OfferPath, offerRecord(20, offerSDP("u2", true)))
	require.Eventually(t, func() bool { return len(pc.appliedCandidates()) == 1 }, waitFor, pollTick)
	assert.Equal(t, []string{"candidate:restarted"}, pc.appliedCandidates())
	require.Eventually(t, func() bool { _, found := h.read(early); return !found }, waitFor, pollTick)
	assert.Equal(t, int64(20), h.latestAnswer(ex).Timestamp)

	// A late candidate of the replaced credentials is discarded.
	late := domain.JoinPath(ex.RemoteICEPath, domain.CandidateKey(2))
	h.write(late, must(domain.Encode(ufragCandidate("stale", "u1"))))
	require.Eventually(t, func() bool { _, found := h.read(late); return !found }, waitFor, pollTick)
	assert.Equal(t, []string{"candidate:restarted"}, pc.appliedCandidates())
}

func TestPeerSession_OfferOutsideStableIsDropped(t *testing.T) {
	h, ex := connectAnswerer(t, testSDP)
	pc := h.network.pc(0)

	pc.setSignaling(webrtc.SignalingStateHaveLocalOffer)
	h.write(ex.OfferPath, offerRecord(20, testSDP))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.diag().DescriptionsPublished)
	assert.Equal(t, int64(10), h.latestAnswer(ex).Timestamp)

	pc.setSignaling(webrtc.SignalingStateStable)
	h.write(ex.OfferPath, offerRecord(30, testSDP))
	require.Eventually(t, func() bool { return h.diag().DescriptionsPublished == 2 }, waitFor, pollTick)
	assert.Equal(t, int64(30), h.latestAnswer(ex).Timestamp)
}

func TestPeerSession_FailedAnswerRollsBack(t *testing.T) {
	h, ex := connectAnswerer(t, testSDP)
	pc := h.network.pc(0)

	pc.failAnswers(assert.AnError)
	h.write(ex.OfferPath, offerRecord(20, testSDP))
	require.Eventually(t, func() bool { return pc.rollbackCount() == 1 }, waitFor, pollTick)

	d := h.diag()
	assert.Equal(t, webrtc.SignalingStateStable.String(), d.SignalingState)
	assert.Equal(t, domain.StateConnected, d.State)
	assert.Equal(t, 1, d.DescriptionsPublished)
	assert.Zero(t, h.exhaustedCount())

	// The offerer's next offer is answered normally.
	pc.failAnswers(nil)
	h.write(ex.OfferPath, offerRecord(30, testSDP))
	require.Eventually(t, func() bool { return h.diag().DescriptionsPublished == 2 }, waitFor, pollTick)
	assert.Equal(t, int64(30), h.latestAnswer(ex).Timestamp)
}

func TestPeerSession_FailedFirstAnswerExhausts(t *testing.T) {
	ex := domain.BroadcastExchange("exam1", "s1", "v1", domain.RoleAnswerer)
	h := newSessionHarness(t, domain.RoleAnswerer, ex, nil)
	h.write(ex.PresencePath, must(domain.Encode(domain.BroadcasterRecord{Active: true, AnnouncedAt: 1})))
	require.NoError(t, h.start())

	h.network.pc(0).failAnswers(assert.AnError)
	h.write(ex.OfferPath, offerRecord(10, testSDP))
	require.Eventually(t, func() bool { return h.exhaustedCount() == 1 }, waitFor, pollTick)
	assert.Equal(t, domain.StateClosed, h.state())
	_, found := h.read(ex.AnswerPath)
	assert.False(t, found)
}

// connectOfferer starts an offerer and answers its first offer.
func connectOfferer(t *testing.T) (*sessionHarness, domain.Exchange) {
	ex := domain.BroadcastExchange("exam1", "s1", "v1", domain.RoleOfferer)
	h := newSessionHarness(t, domain.RoleOfferer, ex, nil)
	h.write(ex.PresencePath, must(domain.Encode(domain.ViewerRecord{ConnectedAt: 1})))
	require.NoError(t, h.start())
	h.answerLatest(ex)
	require.Eventually(t, func() bool { return h.state() == domain.StateConnected }, waitFor, pollTick)
	return h, ex
}

func (h *sessionHarness) answerLatest(ex domain.Exchange) domain.OfferRecord {
	raw, found := h.read(ex.OfferPath)
	require.True(h.t, found)
	offer, err := domain.Decode[domain.OfferRecord](raw)
	require.NoError(h.t, err)
	h.write(ex.AnswerPath, must(domain.Encode(domain.AnswerRecord{Description: domain.Description{
		SDP: testSDP, Type: "answer", Timestamp: offer.Timestamp, Generation: offer.Generation,
	}})))
	return offer
}

func TestPeerSession_DisconnectWithinGraceRecovers(t *testing.T) {
	h, _ := connectOfferer(t)
	pc := h.network.pc(0)

	pc.fire(webrtc.PeerConnectionStateDisconnected)
	require.Eventually(t, func() bool { return h.state() == domain.StateDisconnected }, waitFor, pollTick)
	pc.fire(webrtc.PeerConnectionStateConnected)
	require.Eventually(t, func() bool { return h.state() == domain.StateConnected }, waitFor, pollTick)

	time.Sleep(150 * time.Millisecond)
	d := h.diag()
	assert.Equal(t, domain.StateConnected, d.State)
	assert.False(t, d.RestartAttempted)
	assert.Len(t, pc.publishedOffers(), 1)
}

func TestPeerSession_SingleICERestartThenExhaustion(t *testing.T) {
	h, ex := connectOfferer(t)
	pc := h.network.pc(0)

	// Grace window elapses: FAILED, then one in-place restart.
	pc.fire(webrtc.PeerConnectionStateDisconnected)
	require.Eventually(t, func() bool { return len(pc.publishedOffers()) == 2 }, waitFor, pollTick)

	raw, found := h.read(ex.OfferPath)
	require.True(t, found)
	restart, err := domain.Decode[domain.OfferRecord](raw)
	require.NoError(t, err)
	assert.True(t, restart.Restart)
	assert.True(t, h.diag().RestartAttempted)

	h.answerLatest(ex)
	require.Eventually(t, func() bool { return h.state() == domain.StateConnected }, waitFor, pollTick)

	// A second failure of the same instance is not recovered in place.
	pc.fire(webrtc.PeerConnectionStateFailed)
	require.Eventually(t, func() bool { return h.exhaustedCount() == 1 }, waitFor, pollTick)
	assert.Equal(t, domain.StateClosed, h.state())
	assert.Len(t, pc.publishedOffers(), 2)
}

func TestPeerSession_RecoveryWaitElapses(t *testing.T) {
	h, _ := connectOfferer(t)
	pc := h.network.pc(0)

	pc.fire(webrtc.PeerConnectionStateFailed)
	require.Eventually(t, func() bool { return h.exhaustedCount() == 1 }, waitFor, pollTick,
		"the restart offer is never answered")
	assert.Len(t, pc.publishedOffers(), 2)
	assert.True(t, pc.isClosed())
}

func TestCandidateQueue(t *testing.T) {
	var q candidateQueue
	q.Push("1", candidate("a", "g"))
	q.Push("2", candidate("b", "g"))
	assert.Equal(t, 2, q.Len())

	items := q.Drain()
	require.Len(t, items, 2)
	assert.Equal(t, "1", items[0].key)
	assert.Equal(t, "2", items[1].key)
	assert.Zero(t, q.Len())
	assert.Empty(t, q.Drain(), "drained exactly once")
}

func TestEventLoop(t *testing.T) {
	loop := newEventLoop()

	var order []int
	for i := 0; i < 100; i++ {
		i := i
		loop.Post(func() { order = append(order, i) })
	}
	require.NoError(t, loop.Call(context.Background(), func() {}))
	require.Len(t, order, 100)
	for i, v := range order {
		assert.Equal(t, i, v)
	}

	fired := make(chan struct{})
	loop.AfterFunc(10*time.Millisecond, func() { close(fired) })
	select {
	case <-fired:
	case <-time.After(waitFor):
		t.Fatal("timer never fired")
	}

	loop.Stop()
	loop.Stop()
	assert.False(t, loop.Post(func() {}))
	assert.ErrorIs(t, loop.Call(context.Background(), func() {}), domain.ErrSupervisorStopped)
}
