package xbox

import (
	"strings"

	"gophersnake-go/internal/faults"
)

// Scheme is the prefix of the composite credential accepted by the game
// service API.
const Scheme = "XBL3.0"

// FormatComposite builds the final credential string from the XSTS-stage
// user handle and secret.
func FormatComposite(userHandle, secret string) string {
	return Scheme + " x=" + userHandle + ";" + secret
}

// ParseComposite splits a composite credential back into user handle and
// secret, validating the expected "XBL3.0 x=<uhs>;<secret>" shape.
func ParseComposite(token string) (userHandle, secret string, err error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", "", faults.New(faults.ProtocolError, "empty credential string")
	}

	rest, ok := strings.CutPrefix(token, Scheme+" ")
	if !ok {
		return "", "", faults.New(faults.ProtocolError, "credential missing %s prefix", Scheme)
	}

	uhsPart, secret, ok := strings.Cut(rest, ";")
	if !ok || secret == "" {
		return "", "", faults.New(faults.ProtocolError, "credential should be '%s x=<uhs>;<secret>'", Scheme)
	}

	userHandle, ok = strings.CutPrefix(uhsPart, "x=")
	if !ok || userHandle == "" {
		return "", "", faults.New(faults.ProtocolError, "credential user handle missing 'x=' prefix")
	}

	return userHandle, secret, nil
}
