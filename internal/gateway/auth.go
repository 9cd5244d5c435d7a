package gateway

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"

	"github.com/adsdev/ads/pkg/wire"
)

// credentials is what the client smuggled through the sub-protocol list.
type credentials struct {
	Token     string
	SessionID string
}

// parseSubprotocols extracts the auth token and session id from the
// offered sub-protocols. Token and session each accept a dot form
// (base64url value), a colon form (raw value), and the legacy pair form
// where the bare protocol name is followed by the raw value.
func parseSubprotocols(protocols []string) credentials {
	var creds credentials
	expect := "" // bare protocol name seen, value rides the next entry
	for _, p := range protocols {
		switch expect {
		case "token":
			creds.Token = p
			expect = ""
			continue
		case "session":
			creds.SessionID = p
			expect = ""
			continue
		}
		switch {
		case strings.HasPrefix(p, wire.TokenProtocolDot):
			creds.Token = decodeBase64URL(strings.TrimPrefix(p, wire.TokenProtocolDot))
		case strings.HasPrefix(p, wire.TokenProtocolColon):
			creds.Token = strings.TrimPrefix(p, wire.TokenProtocolColon)
		case strings.HasPrefix(p, wire.SessionProtocolDot):
			creds.SessionID = strings.TrimPrefix(p, wire.SessionProtocolDot)
		case strings.HasPrefix(p, wire.SessionProtocolColon):
			creds.SessionID = strings.TrimPrefix(p, wire.SessionProtocolColon)
		case p == "ads-token":
			expect = "token"
		case p == "ads-session":
			expect = "session"
		}
	}
	return creds
}

// decodeBase64URL tolerates both padded and unpadded encodings; an
// undecodable value is passed through raw so a misencoded token still
// fails the comparison rather than the parse.
func decodeBase64URL(s string) string {
	if b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "=")); err == nil {
		return string(b)
	}
	return s
}

// deriveUserID hashes token and session id into the stable session key
// the store and the session manager are scoped by.
func deriveUserID(token, sessionID string) string {
	sum := sha256.Sum256([]byte(token + ":" + sessionID))
	return hex.EncodeToString(sum[:])[:16]
}
