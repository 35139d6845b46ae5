package githttp

import (
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/pkg/errors"
)

// AuthenticateFunc is the caller-provided authenticator described in spec
// §4.5. It receives the operation type, repository name, and whatever
// credentials (possibly empty) were present on the request, and returns a
// non-nil error to deny the request.
type AuthenticateFunc func(opType OperationType, repo, username, password string) error

// credentials holds the outcome of parsing an Authorization header.
type credentials struct {
	username string
	password string
}

// parseBasicAuth implements spec §4.5 step 1 by hand rather than via
// http.Request.BasicAuth: an absent header is a valid anonymous request
// (empty credentials, no error), while a malformed header is a hard
// failure distinct from "no credentials" — a distinction the stdlib
// helper's single boolean return cannot express.
func parseBasicAuth(r *http.Request) (credentials, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return credentials{}, nil
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Basic" || parts[1] == "" {
		return credentials{}, errors.New("malformed Authorization header")
	}
	decoded, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return credentials{}, errors.Wrap(err, "decoding basic auth payload")
	}
	userPass := strings.SplitN(string(decoded), ":", 2)
	creds := credentials{username: userPass[0]}
	if len(userPass) == 2 {
		creds.password = userPass[1]
	}
	return creds, nil
}

// authenticate runs the configured AuthenticateFunc, if any, against the
// request. A nil AuthenticateFunc always succeeds without consulting the
// request's credentials at all, per spec §4.5.
func (s *Server) authenticate(r *http.Request, opType OperationType, repo string) error {
	if s.options.Authenticate == nil {
		return nil
	}
	creds, err := parseBasicAuth(r)
	if err != nil {
		return errors.Wrap(ErrUnauthorized, err.Error())
	}
	if err := s.options.Authenticate(opType, repo, creds.username, creds.password); err != nil {
		return errors.Wrap(ErrUnauthorized, err.Error())
	}
	return nil
}

// setWWWAuthenticate sets the challenge header spec §4.5/§6 requires on
// every authentication failure.
func setWWWAuthenticate(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="Git Server"`)
}
