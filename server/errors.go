package server

import "errors"

var (
	// ErrKeyResolution is returned when a signing key cannot be obtained for a token.
	ErrKeyResolution = errors.New("key resolution failed")

	// ErrVerification covers every reason an access token is not trusted.
	ErrVerification = errors.New("token verification failed")

	// ErrLoginFailed is returned when a callback does not match the login attempt.
	ErrLoginFailed = errors.New("login failed")

	// ErrProviderUnreachable marks transport-level failures talking to the identity provider.
	ErrProviderUnreachable = errors.New("identity provider unreachable")

	// ErrProviderRejected marks protocol-level rejections, e.g. a revoked refresh token.
	ErrProviderRejected = errors.New("identity provider rejected request")

	// ErrNoSession is the terminal "not logged in" outcome.
	ErrNoSession = errors.New("no session")
)
