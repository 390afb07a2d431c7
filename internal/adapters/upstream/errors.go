package upstream

import "errors"

var (
	// ErrUnsupportedSynapse is a configuration error: the profile asks for a
	// protocol the dispatcher does not speak.
	ErrUnsupportedSynapse = errors.New("unsupported synapse type")
	ErrNoEndpoint         = errors.New("no endpoint for uid")
	ErrStatus             = errors.New("unexpected status")
	ErrMalformed          = errors.New("malformed response")
)
