package relaytest

import (
	"encoding/base64"
	"errors"
	"strings"
)

var errAuthFailed = errors.New("authentication failed")

// credentials checks SMTP AUTH responses against one configured account.
type credentials struct {
	username string
	password string
}

func newCredentials(username, password string) *credentials {
	return &credentials{username: username, password: password}
}

// enabled reports whether AUTH is required.
func (c *credentials) enabled() bool {
	return c.username != "" && c.password != ""
}

// verifyPlain checks a base64 AUTH PLAIN response of the form
// authzid NUL authcid NUL password.
func (c *credentials) verifyPlain(encoded string) error {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return errors.New("invalid base64 encoding")
	}

	parts := strings.SplitN(string(decoded), "\x00", 3)
	if len(parts) != 3 {
		return errors.New("invalid AUTH PLAIN format")
	}
	return c.check(parts[1], parts[2])
}

// verifyLogin checks base64 AUTH LOGIN username and password lines.
func (c *credentials) verifyLogin(encodedUser, encodedPass string) error {
	user, err := base64.StdEncoding.DecodeString(encodedUser)
	if err != nil {
		return errors.New("invalid base64 username")
	}
	pass, err := base64.StdEncoding.DecodeString(encodedPass)
	if err != nil {
		return errors.New("invalid base64 password")
	}
	return c.check(string(user), string(pass))
}

func (c *credentials) check(user, pass string) error {
	if user != c.username || pass != c.password {
		return errAuthFailed
	}
	return nil
}
