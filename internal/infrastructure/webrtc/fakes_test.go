package webrtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"proctornet/internal/core/domain"
	"proctornet/internal/core/ports"

	"github.com/pion/webrtc/v3"
)

// fakeNetwork is a PeerConnectionFactory whose connections "connect" as soon as
// both descriptions are applied. Track metadata travels inside the fake SDP as
// "a=track:<id>:<kind>:<stream>" lines. Every description carries an ice-ufrag
// that changes on ICE restart.
type fakeNetwork struct {
	mu           sync.Mutex
	pcs          []*fakePC
	createErr    error
	failOnRemote bool
}

func (n *fakeNetwork) NewPeerConnection() (ports.PeerConnection, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.createErr != nil {
		return nil, n.createErr
	}
	pc := &fakePC{
		network:    n,
		id:         len(n.pcs) + 1,
		signaling:  webrtc.SignalingStateStable,
		seenTracks: make(map[string]bool),
	}
	n.pcs = append(n.pcs, pc)
	return pc, nil
}

func (n *fakeNetwork) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pcs)
}

func (n *fakeNetwork) pc(i int) *fakePC {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.pcs[i]
}

func (n *fakeNetwork) setFailOnRemote(fail bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failOnRemote = fail
}

func (n *fakeNetwork) failing() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.failOnRemote
}

type fakePC struct {
	network *fakeNetwork
	id      int

	mu          sync.Mutex
	version     int
	iceEpoch    int
	answerErr   error
	local       *webrtc.SessionDescription
	remote      *webrtc.SessionDescription
	prevRemote  *webrtc.SessionDescription
	rollbacks   int
	signaling   webrtc.SignalingState
	localTracks []webrtc.TrackLocal
	seenTracks  map[string]bool
	applied     []string
	early       int
	offers      []webrtc.SessionDescription
	closed      bool

	onCandidate func(*webrtc.ICECandidate)
	onTrack     func(ports.RemoteTrack)
	onState     func(webrtc.PeerConnectionState)
	onICE       func(webrtc.ICEConnectionState)
	onGathering func(webrtc.ICEGathererState)
}

func (p *fakePC) sdp(restart bool, tracks []webrtc.TrackLocal) string {
	p.version++
	var b strings.Builder
	fmt.Fprintf(&b, "v=0\r\no=- %d %d IN IP4 0.0.0.0\r\ns=-\r\nt=0 0\r\n", p.id, p.version)
	fmt.Fprintf(&b, "a=ice-ufrag:%s\r\n", p.ufragLocked())
	for _, track := range tracks {
		fmt.Fprintf(&b, "a=track:%s:%s:%s\r\n", track.ID(), track.Kind().String(), track.StreamID())
	}
	if restart {
		b.WriteString("a=ice-restart\r\n")
	}
	return b.String()
}

func (p *fakePC) CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return webrtc.SessionDescription{}, errors.New("closed")
	}
	restart := options != nil && options.ICERestart
	if restart {
		p.iceEpoch++
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: p.sdp(restart, p.localTracks)}, nil
}

func (p *fakePC) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.signaling != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, errors.New("no remote offer")
	}
	if p.answerErr != nil {
		return webrtc.SessionDescription{}, p.answerErr
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: p.sdp(false, nil)}, nil
}

func (p *fakePC) SetLocalDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		if p.signaling != webrtc.SignalingStateStable {
			p.mu.Unlock()
			return errors.New("local offer outside stable")
		}
		p.signaling = webrtc.SignalingStateHaveLocalOffer
		p.offers = append(p.offers, desc)
	case webrtc.SDPTypeAnswer:
		if p.signaling != webrtc.SignalingStateHaveRemoteOffer {
			p.mu.Unlock()
			return errors.New("local answer without remote offer")
		}
		p.signaling = webrtc.SignalingStateStable
	}
	p.local = &desc
	onCandidate, onGathering := p.onCandidate, p.onGathering
	candidate := &webrtc.ICECandidate{
		Foundation: "1",
		Priority:   2130706431,
		Address:    fmt.Sprintf("10.0.0.%d", p.id),
		Protocol:   webrtc.ICEProtocolUDP,
		Port:       uint16(50000 + p.version),
		Typ:        webrtc.ICECandidateTypeHost,
		Component:  1,
	}
	connect := p.readyLocked()
	p.mu.Unlock()

	if onGathering != nil {
		onGathering(webrtc.ICEGathererStateGathering)
	}
	if onCandidate != nil {
		onCandidate(candidate)
		onCandidate(nil)
	}
	if onGathering != nil {
		onGathering(webrtc.ICEGathererStateComplete)
	}
	if connect {
		p.settle()
	}
	return nil
}

func (p *fakePC) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	var tracks []ports.RemoteTrack
	switch desc.Type {
	case webrtc.SDPTypeRollback:
		defer p.mu.Unlock()
		if p.signaling != webrtc.SignalingStateHaveRemoteOffer {
			return errors.New("nothing to roll back")
		}
		p.signaling = webrtc.SignalingStateStable
		p.remote = p.prevRemote
		p.rollbacks++
		return nil
	case webrtc.SDPTypeOffer:
		if p.signaling != webrtc.SignalingStateStable {
			p.mu.Unlock()
			return errors.New("remote offer outside stable")
		}
		p.signaling = webrtc.SignalingStateHaveRemoteOffer
		p.prevRemote = p.remote
		if strings.Contains(desc.SDP, "a=ice-restart") {
			p.iceEpoch++
		}
		for _, line := range strings.Split(desc.SDP, "\r\n") {
			attr, ok := strings.CutPrefix(line, "a=track:")
			if !ok {
				continue
			}
			parts := strings.SplitN(attr, ":", 3)
			if p.seenTracks[parts[0]] {
				continue
			}
			p.seenTracks[parts[0]] = true
			tracks = append(tracks, &fakeRemoteTrack{id: parts[0], kind: parts[1], stream: parts[2]})
		}
	case webrtc.SDPTypeAnswer:
		if p.signaling != webrtc.SignalingStateHaveLocalOffer {
			p.mu.Unlock()
			return errors.New("remote answer without local offer")
		}
		p.signaling = webrtc.SignalingStateStable
	}
	p.remote = &desc
	onTrack := p.onTrack
	connect := p.readyLocked()
	p.mu.Unlock()

	if onTrack != nil {
		for _, track := range tracks {
			onTrack(track)
		}
	}
	if connect {
		p.settle()
	}
	return nil
}

func (p *fakePC) readyLocked() bool {
	return !p.closed && p.local != nil && p.remote != nil && p.signaling == webrtc.SignalingStateStable
}

func (p *fakePC) settle() {
	if p.network.failing() {
		p.fire(webrtc.PeerConnectionStateFailed)
		return
	}
	p.fire(webrtc.PeerConnectionStateConnected)
}

func (p *fakePC) fire(state webrtc.PeerConnectionState) {
	p.mu.Lock()
	onState, onICE := p.onState, p.onICE
	p.mu.Unlock()
	if onICE != nil {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			onICE(webrtc.ICEConnectionStateConnected)
		case webrtc.PeerConnectionStateDisconnected:
			onICE(webrtc.ICEConnectionStateDisconnected)
		case webrtc.PeerConnectionStateFailed:
			onICE(webrtc.ICEConnectionStateFailed)
		}
	}
	if onState != nil {
		onState(state)
	}
}

func (p *fakePC) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		p.early++
		return errors.New("remote description not set")
	}
	p.applied = append(p.applied, candidate.Candidate)
	return nil
}

func (p *fakePC) ufragLocked() string {
	return fmt.Sprintf("pc%d-%d", p.id, p.iceEpoch)
}

func (p *fakePC) setSignaling(state webrtc.SignalingState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signaling = state
}

func (p *fakePC) failAnswers(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.answerErr = err
}

func (p *fakePC) rollbackCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rollbacks
}

func (p *fakePC) appliedCandidates() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.applied...)
}

func (p *fakePC) earlyCandidates() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.early
}

func (p *fakePC) publishedOffers() []webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.SessionDescription(nil), p.offers...)
}

func (p *fakePC) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.localTracks = append(p.localTracks, track)
	return nil, nil
}

func (p *fakePC) SignalingState() webrtc.SignalingState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.signaling
}

func (p *fakePC) OnICECandidate(f func(*webrtc.ICECandidate)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onCandidate = f
}

func (p *fakePC) OnTrack(f func(ports.RemoteTrack)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTrack = f
}

func (p *fakePC) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onState = f
}

func (p *fakePC) OnICEConnectionStateChange(f func(webrtc.ICEConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onICE = f
}

func (p *fakePC) OnICEGatheringStateChange(f func(webrtc.ICEGathererState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onGathering = f
}

func (p *fakePC) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.signaling = webrtc.SignalingStateClosed
	return nil
}

func (p *fakePC) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type fakeRemoteTrack struct {
	id, kind, stream string
	label            string

	mu        sync.Mutex
	keyframes int
}

func (t *fakeRemoteTrack) ID() string       { return t.id }
func (t *fakeRemoteTrack) StreamID() string { return t.stream }
func (t *fakeRemoteTrack) MimeType() string {
	if t.Kind() == domain.TrackKindAudio {
		return webrtc.MimeTypeOpus
	}
	return webrtc.MimeTypeVP8
}
func (t *fakeRemoteTrack) Kind() domain.TrackKind {
	if t.kind == "audio" {
		return domain.TrackKindAudio
	}
	return domain.TrackKindVideo
}
func (t *fakeRemoteTrack) Label() string {
	if t.label != "" {
		return t.label
	}
	return t.id
}
func (t *fakeRemoteTrack) DisplaySurface() string   { return domain.DisplaySurfaceOf(t.stream) }
func (t *fakeRemoteTrack) ReadRTP() ([]byte, error) { return nil, io.EOF }
func (t *fakeRemoteTrack) RequestKeyframe() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.keyframes++
	return nil
}

func (t *fakeRemoteTrack) keyframeRequests() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.keyframes
}

// fakeRenderer records every binding and whether it was released.
type fakeRenderer struct {
	mu       sync.Mutex
	bindings []*fakeBinding
	bindErr  error
}

type fakeBinding struct {
	renderer *fakeRenderer
	remoteID string
	role     domain.TrackRole
	trackID  string
	released bool
}

func (r *fakeRenderer) Bind(_ context.Context, remoteID string, role domain.TrackRole, track ports.RemoteTrack) (ports.Binding, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bindErr != nil {
		return nil, r.bindErr
	}
	b := &fakeBinding{renderer: r, remoteID: remoteID, role: role, trackID: track.ID()}
	r.bindings = append(r.bindings, b)
	return b, nil
}

func (b *fakeBinding) Release() {
	b.renderer.mu.Lock()
	defer b.renderer.mu.Unlock()
	b.released = true
}

// active returns the unreleased bindings as "remote/role/track".
func (r *fakeRenderer) active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, b := range r.bindings {
		if !b.released {
			out = append(out, fmt.Sprintf("%s/%s/%s", b.remoteID, b.role, b.trackID))
		}
	}
	sort.Strings(out)
	return out
}

// roles returns the role of every binding ever made, released or not.
func (r *fakeRenderer) roles() []domain.TrackRole {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.TrackRole, 0, len(r.bindings))
	for _, b := range r.bindings {
		out = append(out, b.role)
	}
	return out
}

// fakeCapture hands out real static RTP tracks that are never fed.
type fakeCapture struct {
	mu       sync.Mutex
	errs     map[domain.CaptureKind]error
	surface  string
	acquired []*fakeLocalTrack
}

func (c *fakeCapture) Acquire(kind domain.CaptureKind) (ports.LocalTrack, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.errs[kind]; err != nil {
		return nil, err
	}

	codec := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	streamID := "proctornet-" + string(kind)
	surface := ""
	switch kind {
	case domain.CaptureMicrophone:
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	case domain.CaptureScreen:
		surface = c.surface
		if surface == "" {
			surface = "monitor"
		}
		streamID = domain.ScreenStreamID(surface)
	}
	track, err := webrtc.NewTrackLocalStaticRTP(codec, string(kind), streamID)
	if err != nil {
		return nil, err
	}
	local := &fakeLocalTrack{track: track, kind: kind, surface: surface}
	c.acquired = append(c.acquired, local)
	return local, nil
}

func (c *fakeCapture) tracks() []*fakeLocalTrack {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*fakeLocalTrack(nil), c.acquired...)
}

type fakeLocalTrack struct {
	track   *webrtc.TrackLocalStaticRTP
	kind    domain.CaptureKind
	surface string

	mu      sync.Mutex
	stopped int
}

func (t *fakeLocalTrack) Track() webrtc.TrackLocal { return t.track }
func (t *fakeLocalTrack) Kind() domain.CaptureKind { return t.kind }
func (t *fakeLocalTrack) DisplaySurface() string   { return t.surface }
func (t *fakeLocalTrack) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped++
	return nil
}

func (t *fakeLocalTrack) stops() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// recordingObserver keeps every emitted event.
type recordingObserver struct {
	mu     sync.Mutex
	events []domain.SessionEvent
}

func (o *recordingObserver) OnSessionEvent(event domain.SessionEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, event)
}

func (o *recordingObserver) count(eventType domain.SessionEventType, remoteID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, e := range o.events {
		if e.Type == eventType && (remoteID == "" || e.Diagnostics.RemoteID == remoteID) {
			n++
		}
	}
	return n
}
