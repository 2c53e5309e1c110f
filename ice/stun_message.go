package ice

import (
	"net"

	"github.com/pion/stun/v3"
)

// stunMessageAlias wraps pion/stun/v3's Message with the handful of
// read-side helpers the agent needs, keeping the rest of the package from
// reaching into the stun package's lower-level Get/class API directly.
type stunMessageAlias struct {
	stun.Message
}

func (m *stunMessageAlias) unmarshal(data []byte) error {
	m.Raw = append([]byte(nil), data...)
	return m.Decode()
}

func (m *stunMessageAlias) isRequest() bool {
	return m.Type.Class == stun.ClassRequest && m.Type.Method == stun.MethodBinding
}

func (m *stunMessageAlias) isSuccess() bool {
	return m.Type.Class == stun.ClassSuccessResponse && m.Type.Method == stun.MethodBinding
}

func (m *stunMessageAlias) isError() bool {
	return m.Type.Class == stun.ClassErrorResponse && m.Type.Method == stun.MethodBinding
}

func (m *stunMessageAlias) transactionID() [12]byte {
	return m.TransactionID
}

// verifyIntegrity checks the MESSAGE-INTEGRITY attribute against the
// short-term credential key derived from password, per RFC 5389 §15.4.
func (m *stunMessageAlias) verifyIntegrity(password string) error {
	integrity := stun.NewShortTermIntegrity(password)
	return integrity.Check(&m.Message)
}

func (m *stunMessageAlias) iceAttrs() iceAttrs {
	return readICEAttrs(&m.Message)
}

// addressBytes parses a Candidate's textual address into the raw bytes
// XOR-MAPPED-ADDRESS needs; it returns a v4 form when possible since this
// engine does not (yet) distinguish candidate address families beyond
// what net.ParseIP reports.
func addressBytes(address string) []byte {
	ip := net.ParseIP(address)
	if ip == nil {
		return net.IPv4zero.To4()
	}
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return ip.To16()
}
