package scoring

import "errors"

var (
	// ErrOracle marks an oracle failure; the batch's valid results are dropped.
	ErrOracle = errors.New("oracle failure")
	// ErrScoreCount is returned when the oracle answers with the wrong number of scores.
	ErrScoreCount = errors.New("oracle returned wrong number of scores")
)
