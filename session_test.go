package rtcengine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/SilvaMendes/rtcengine/entropy"
	"github.com/SilvaMendes/rtcengine/ice/candidate"
	"github.com/SilvaMendes/rtcengine/reliable"
)

func newTestSession(t *testing.T, isOfferer bool) *Session {
	t.Helper()
	return NewSession(isOfferer, WithEntropy(entropy.NewMathSource()))
}

// drainWire relays every datagram src currently wants to send to dst's
// HandleRead, returning how many were relayed.
func drainWire(t *testing.T, now time.Time, src, dst *Session) int {
	t.Helper()
	n := 0
	for {
		data, ok := src.PollWrite(now)
		if !ok {
			break
		}
		n++
		require.NoError(t, dst.HandleRead(now, data))
	}
	return n
}

// establishedPair drives two sessions' ICE agents, DTLS-shaped handshake,
// and SCTP-shaped association to completion, exactly mirroring the
// per-subsystem drive loops in ice/agent_test.go, handshake/endpoint_test.go,
// and reliable/association_test.go, but through Session's public surface.
func establishedPair(t *testing.T) (offerer, answerer *Session, now time.Time) {
	t.Helper()
	offerer = newTestSession(t, true)
	answerer = newTestSession(t, false)

	offererUfrag, offererPwd := offerer.LocalICECredentials()
	answererUfrag, answererPwd := answerer.LocalICECredentials()
	require.NoError(t, offerer.HandleEvent(time.Time{}, ControlEvent{Kind: CtrlSetRemoteCredentials, Ufrag: answererUfrag, Password: answererPwd}))
	require.NoError(t, answerer.HandleEvent(time.Time{}, ControlEvent{Kind: CtrlSetRemoteCredentials, Ufrag: offererUfrag, Password: offererPwd}))

	offererLocal := candidate.New(candidate.TypeHost, candidate.TransportUDP, 65535, 1, "10.0.0.1", 5000)
	answererLocal := candidate.New(candidate.TypeHost, candidate.TransportUDP, 65535, 1, "10.0.0.2", 5000)

	require.NoError(t, offerer.HandleEvent(time.Time{}, ControlEvent{Kind: CtrlAddLocalCandidate, Candidate: offererLocal}))
	require.NoError(t, answerer.HandleEvent(time.Time{}, ControlEvent{Kind: CtrlAddLocalCandidate, Candidate: answererLocal}))
	require.NoError(t, offerer.HandleEvent(time.Time{}, ControlEvent{Kind: CtrlAddRemoteCandidate, Candidate: answererLocal}))
	require.NoError(t, answerer.HandleEvent(time.Time{}, ControlEvent{Kind: CtrlAddRemoteCandidate, Candidate: offererLocal}))

	now = time.Unix(0, 0)
	require.NoError(t, offerer.Start(now))
	require.NoError(t, answerer.Start(now))

	for i := 0; i < 60 && (offerer.State() != ConnectionConnected || answerer.State() != ConnectionConnected); i++ {
		now = now.Add(20 * time.Millisecond)
		offerer.HandleTimeout(now)
		answerer.HandleTimeout(now)
		drainWire(t, now, offerer, answerer)
		drainWire(t, now, answerer, offerer)
	}

	return offerer, answerer, now
}

func TestSessionReachesConnectedAndExchangesMedia(t *testing.T) {
	offerer, answerer, now := establishedPair(t)

	require.Equal(t, ConnectionConnected, offerer.State())
	require.Equal(t, ConnectionConnected, answerer.State())
	require.NotNil(t, offerer.mediaTx)
	require.NotNil(t, answerer.mediaTx)

	require.NoError(t, offerer.HandleWrite(now, OutboundMessage{
		Kind: OutboundMedia, PayloadType: 111, Timestamp: 4800,
		Payload: []byte("hello over srtp"),
	}))
	n := drainWire(t, now, offerer, answerer)
	require.Equal(t, 1, n)

	msg, ok := answerer.PollRead()
	require.True(t, ok)
	require.Equal(t, OutboundMedia, msg.Kind)
	require.Equal(t, []byte("hello over srtp"), msg.Payload)
}

func TestSessionReachesConnectedAndExchangesReliableData(t *testing.T) {
	offerer, answerer, now := establishedPair(t)

	// The handshake's Open transition and the reliable association's INIT
	// exchange happen on different ticks (Associate queues INIT locally the
	// moment the handshake opens, but it is not delivered until the next
	// drainWire), so keep driving a few more rounds until the association
	// itself is established rather than just the connection as a whole.
	for i := 0; i < 20 && answerer.assoc.State() != reliable.StateEstablished; i++ {
		now = now.Add(20 * time.Millisecond)
		offerer.HandleTimeout(now)
		answerer.HandleTimeout(now)
		drainWire(t, now, offerer, answerer)
		drainWire(t, now, answerer, offerer)
	}
	require.Equal(t, reliable.StateEstablished, answerer.assoc.State())

	require.NoError(t, offerer.HandleWrite(now, OutboundMessage{
		Kind: OutboundReliable, StreamID: 0, PPID: 51, Ordered: true,
		Payload: []byte("reliable hello"),
	}))
	require.Equal(t, 1, drainWire(t, now, offerer, answerer))

	msg, ok := answerer.PollRead()
	require.True(t, ok)
	require.Equal(t, OutboundReliable, msg.Kind)
	require.Equal(t, []byte("reliable hello"), msg.Payload)
}

func TestSessionDataChannelOpensAndDeliversOnLabeledStream(t *testing.T) {
	offerer, answerer, now := establishedPair(t)

	for i := 0; i < 20 && answerer.assoc.State() != reliable.StateEstablished; i++ {
		now = now.Add(20 * time.Millisecond)
		offerer.HandleTimeout(now)
		answerer.HandleTimeout(now)
		drainWire(t, now, offerer, answerer)
		drainWire(t, now, answerer, offerer)
	}
	require.Equal(t, reliable.StateEstablished, answerer.assoc.State())

	require.NoError(t, offerer.HandleEvent(now, ControlEvent{
		Kind: CtrlOpenDataChannel, StreamID: 7, Label: "chat", Ordered: true,
	}))
	for i := 0; i < 10; i++ {
		now = now.Add(20 * time.Millisecond)
		drainWire(t, now, offerer, answerer)
		drainWire(t, now, answerer, offerer)
	}

	var opened Event
	var sawOpen bool
	for ev, ok := answerer.PollEvent(); ok; ev, ok = answerer.PollEvent() {
		if ev.Kind == EventStreamOpened {
			opened, sawOpen = ev, true
		}
	}
	require.True(t, sawOpen)
	require.Equal(t, uint16(7), opened.StreamID)
	require.Equal(t, "chat", opened.Label)

	label, ok := answerer.StreamLabel(7)
	require.True(t, ok)
	require.Equal(t, "chat", label)

	require.NoError(t, offerer.HandleWrite(now, OutboundMessage{
		Kind: OutboundReliable, StreamID: 7, PPID: 51, Ordered: true,
		Payload: []byte("hi from chat"),
	}))
	require.Equal(t, 1, drainWire(t, now, offerer, answerer))

	msg, ok := answerer.PollRead()
	require.True(t, ok)
	require.Equal(t, uint16(7), msg.StreamID)
	require.Equal(t, []byte("hi from chat"), msg.Payload)
	label, ok = answerer.StreamLabel(msg.StreamID)
	require.True(t, ok)
	require.Equal(t, "chat", label)
}

func TestSessionCloseDrainsShutdownAndTransitionsState(t *testing.T) {
	offerer, _, now := establishedPair(t)

	offerer.Close(now)
	require.Equal(t, ConnectionClosed, offerer.State())

	ev, ok := offerer.PollEvent()
	var sawClosed bool
	for ok {
		if ev.Kind == EventConnectionStateChange && ev.State == ConnectionClosed {
			sawClosed = true
		}
		ev, ok = offerer.PollEvent()
	}
	require.True(t, sawClosed)
}

func TestSessionHandleWriteRejectsMediaBeforeKeyed(t *testing.T) {
	s := newTestSession(t, true)
	err := s.HandleWrite(time.Unix(0, 0), OutboundMessage{Kind: OutboundMedia, Payload: []byte("too early")})
	require.Error(t, err)
}

func TestSessionICERestartClearsPairsAndEmitsEvent(t *testing.T) {
	s := newTestSession(t, true)
	local := candidate.New(candidate.TypeHost, candidate.TransportUDP, 65535, 1, "10.0.0.1", 5000)
	remote := candidate.New(candidate.TypeHost, candidate.TransportUDP, 65535, 1, "10.0.0.2", 5000)
	require.NoError(t, s.HandleEvent(time.Unix(0, 0), ControlEvent{Kind: CtrlAddLocalCandidate, Candidate: local}))
	require.NoError(t, s.HandleEvent(time.Unix(0, 0), ControlEvent{Kind: CtrlAddRemoteCandidate, Candidate: remote}))

	require.NoError(t, s.HandleEvent(time.Unix(0, 0), ControlEvent{Kind: CtrlICERestart}))

	var sawRestart bool
	for ev, ok := s.PollEvent(); ok; ev, ok = s.PollEvent() {
		if ev.Kind == EventICERestartNeeded {
			sawRestart = true
		}
	}
	require.True(t, sawRestart)
}
