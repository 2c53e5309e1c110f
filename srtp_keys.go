package rtcengine

import (
	"github.com/SilvaMendes/rtcengine/media"
	"github.com/SilvaMendes/rtcengine/rtcerr"
)

// SRTP key/salt/auth-key sizes for the AES_CM_128_HMAC_SHA1_80 profile,
// mirroring media.CipherContext's RFC 3711 constants (kept in that package
// unexported since only this derivation step needs them from the outside).
const (
	srtpKeyLen  = 16
	srtpSaltLen = 14
	srtpAuthLen = 20
	perDirectionMaterial = srtpKeyLen + srtpSaltLen + srtpAuthLen
)

// deriveSRTPContexts slices the handshake's exported keying material into a
// client-write and a server-write cipher context. This is a simplified
// stand-in for SRTP's own key-derivation function (RFC 3711 §4.3): a real
// stack derives per-direction subkeys from a single master key/salt via a
// counter-mode PRF, but that derivation has no separate component in this
// engine, so Session requests enough exported material to cover both
// directions directly and slices it in a fixed client-then-server order.
func deriveSRTPContexts(material []byte, isOfferer bool) (send, recv *media.CipherContext, err error) {
	if len(material) < 2*perDirectionMaterial {
		return nil, nil, rtcerr.New(rtcerr.KindMalformed, "session", "exported keying material too short for SRTP context derivation")
	}
	off := 0
	next := func(n int) []byte {
		b := material[off : off+n]
		off += n
		return b
	}
	clientKey, clientSalt, clientAuth := next(srtpKeyLen), next(srtpSaltLen), next(srtpAuthLen)
	serverKey, serverSalt, serverAuth := next(srtpKeyLen), next(srtpSaltLen), next(srtpAuthLen)

	clientCtx, err := media.NewAESCMHMACSHA1Context(clientKey, clientSalt, clientAuth)
	if err != nil {
		return nil, nil, err
	}
	serverCtx, err := media.NewAESCMHMACSHA1Context(serverKey, serverSalt, serverAuth)
	if err != nil {
		return nil, nil, err
	}
	if isOfferer {
		return clientCtx, serverCtx, nil
	}
	return serverCtx, clientCtx, nil
}
