package sdpneg

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateOfferAssignsMidsAndBundlesAll(t *testing.T) {
	n := NewNegotiator(true, WithBundlePolicy(BundleMaxBundle))
	offer, err := n.CreateOffer([]MediaSection{
		{Kind: "audio", Port: 9, Direction: "sendrecv"},
		{Kind: "video", Port: 9, Direction: "sendrecv"},
	})
	require.NoError(t, err)
	require.Len(t, offer.Sections, 2)
	require.NotEmpty(t, offer.Sections[0].Mid)
	require.NotEqual(t, offer.Sections[0].Mid, offer.Sections[1].Mid)
	require.Len(t, offer.BundleGroup, 2)
	require.Equal(t, SignalingHaveLocalOffer, n.State())
}

func TestAnswerIntersectsCodecsAndPicksServerRole(t *testing.T) {
	answerer := NewNegotiator(true)
	remoteOffer := &Description{
		SessionID: 1, SessionVersion: 1,
		Sections: []MediaSection{
			{Mid: "0", Kind: "audio", Port: 9, DTLSRole: DTLSRoleAuto, Codecs: []Codec{
				{PayloadType: 111, Name: "opus", ClockRate: 48000},
				{PayloadType: 0, Name: "PCMU", ClockRate: 8000},
			}},
		},
	}
	_, err := answerer.ApplyRemoteOffer(remoteOffer)
	require.NoError(t, err)

	answer, err := answerer.CreateAnswer(map[string][]Codec{
		"audio": {{Name: "opus", ClockRate: 48000}},
	})
	require.NoError(t, err)
	require.Len(t, answer.Sections[0].Codecs, 1)
	require.Equal(t, "opus", answer.Sections[0].Codecs[0].Name)
	require.Equal(t, DTLSRoleServer, answer.Sections[0].DTLSRole)
	require.Equal(t, SignalingStable, answerer.State())
}

func TestPoliteNegotiatorRollsBackOnGlare(t *testing.T) {
	n := NewNegotiator(true)
	_, err := n.CreateOffer([]MediaSection{{Kind: "audio", Port: 9}})
	require.NoError(t, err)
	require.Equal(t, SignalingHaveLocalOffer, n.State())

	rollback, err := n.ApplyRemoteOffer(&Description{SessionID: 2, SessionVersion: 1})
	require.NoError(t, err)
	require.True(t, rollback)
	require.Equal(t, SignalingHaveRemoteOffer, n.State())
}

func TestImpoliteNegotiatorRefusesGlare(t *testing.T) {
	n := NewNegotiator(false)
	_, err := n.CreateOffer([]MediaSection{{Kind: "audio", Port: 9}})
	require.NoError(t, err)

	_, err = n.ApplyRemoteOffer(&Description{SessionID: 2, SessionVersion: 1})
	require.Error(t, err)
}

func TestRollbackRestoresLastStable(t *testing.T) {
	n := NewNegotiator(true)
	offer, err := n.CreateOffer([]MediaSection{{Kind: "audio", Port: 9}})
	require.NoError(t, err)
	require.NoError(t, n.ApplyRemoteAnswer(offer))
	stable := n.current

	_, err = n.CreateOffer([]MediaSection{{Kind: "video", Port: 9}})
	require.NoError(t, err)
	n.Rollback()

	require.Equal(t, SignalingStable, n.State())
	require.Same(t, stable, n.current)
}

func TestMarshalUnmarshalRoundTripsMidsAndBundle(t *testing.T) {
	n := NewNegotiator(true, WithBundlePolicy(BundleMaxBundle))
	offer, err := n.CreateOffer([]MediaSection{
		{Kind: "audio", Port: 9, Direction: "sendrecv"},
	})
	require.NoError(t, err)

	text, err := Marshal(offer, "127.0.0.1")
	require.NoError(t, err)
	require.Contains(t, text, "a=group:BUNDLE")

	parsed, err := Unmarshal(text)
	require.NoError(t, err)
	require.Len(t, parsed.Sections, 1)
	require.Equal(t, offer.Sections[0].Mid, parsed.Sections[0].Mid)
}
