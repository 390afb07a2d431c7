package reputation

import (
	"errors"

	"github.com/okian/creditgate/internal/domain/ledger"
)

var (
	// ErrLengthMismatch is a configuration error: scores and uids must pair up.
	ErrLengthMismatch = ledger.ErrLengthMismatch
	ErrNoConsensus    = errors.New("no consensus client configured")
)
