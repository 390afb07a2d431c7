package selection

import "errors"

// ErrNoScorer is returned by top performer selection when the selector was
// built without a ranked view of the ledger.
var ErrNoScorer = errors.New("selector has no scorer")
