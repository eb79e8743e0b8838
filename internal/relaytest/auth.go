// Package relaytest runs an in-process SMTP relay that records deliveries and
// can be scripted to reject recipients, refuse credentials or drop the
// connection. It backs the end-to-end tests of the smtp transport.
package relaytest

import (
	"encoding/base64"
	"errors"
	"strings"
)

var errAuthFailed = errors.New("authentication failed")

// authenticator checks AUTH PLAIN and AUTH LOGIN credentials.
type authenticator struct {
	username string
	password string
}

// enabled returns true if the relay demands authentication.
func (a *authenticator) enabled() bool {
	return a.password != ""
}

// verifyPlain decodes base64(authzid \0 authcid \0 password).
func (a *authenticator) verifyPlain(encoded string) error {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return errors.New("invalid base64 encoding")
	}

	parts := strings.SplitN(string(decoded), "\x00", 3)
	if len(parts) != 3 {
		return errors.New("invalid AUTH PLAIN format")
	}
	return a.check(parts[1], parts[2])
}

// verifyLogin checks the base64 username and password collected by the
// AUTH LOGIN challenges.
func (a *authenticator) verifyLogin(encodedUser, encodedPass string) error {
	user, err := base64.StdEncoding.DecodeString(encodedUser)
	if err != nil {
		return errors.New("invalid base64 username")
	}
	pass, err := base64.StdEncoding.DecodeString(encodedPass)
	if err != nil {
		return errors.New("invalid base64 password")
	}
	return a.check(string(user), string(pass))
}

func (a *authenticator) check(user, pass string) error {
	if user != a.username || pass != a.password {
		return errAuthFailed
	}
	return nil
}
