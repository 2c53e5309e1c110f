package rtcengine

import "github.com/SilvaMendes/rtcengine/sdpneg"

// CreateOffer builds a local offer over the given media sections.
func (s *Session) CreateOffer(sections []sdpneg.MediaSection) (*sdpneg.Description, error) {
	offer, err := s.neg.CreateOffer(sections)
	if err != nil {
		return nil, err
	}
	s.events = append(s.events, Event{Kind: EventNegotiationNeeded})
	return offer, nil
}

// ApplyRemoteOffer applies a remote offer, rolling back this session's own
// pending local offer first if perfect-negotiation glare rules call for it.
func (s *Session) ApplyRemoteOffer(remote *sdpneg.Description) (rolledBack bool, err error) {
	return s.neg.ApplyRemoteOffer(remote)
}

// CreateAnswer builds a local answer to the most recently applied remote
// offer, intersecting codecs per kind.
func (s *Session) CreateAnswer(localCodecs map[string][]sdpneg.Codec) (*sdpneg.Description, error) {
	return s.neg.CreateAnswer(localCodecs)
}

// ApplyRemoteAnswer completes this session's own pending offer.
func (s *Session) ApplyRemoteAnswer(remote *sdpneg.Description) error {
	return s.neg.ApplyRemoteAnswer(remote)
}

// Rollback reverts to the last stable description.
func (s *Session) Rollback() {
	s.neg.Rollback()
}

// SignalingState reports the negotiator's current offer/answer state.
func (s *Session) SignalingState() sdpneg.SignalingState {
	return s.neg.State()
}
