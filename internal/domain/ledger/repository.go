package ledger

import (
	"context"

	"github.com/okian/creditgate/internal/domain/model"
)

// Repository persists worker records.
type Repository interface {
	// Get returns the stored records for uids; absent uids are omitted.
	Get(ctx context.Context, uids []int) (map[int]model.Worker, error)
	// Create stores w unless a record for w.UID exists, and returns whichever
	// record is stored afterwards.
	Create(ctx context.Context, w model.Worker) (model.Worker, error)
	// Upsert writes records, replacing existing ones.
	Upsert(ctx context.Context, ws ...model.Worker) error
	// All returns every record ordered by uid.
	All(ctx context.Context) ([]model.Worker, error)
}

// Ranked is implemented by repositories that keep a score index.
type Ranked interface {
	// TopN returns up to n records with score > minScore, best first,
	// ties broken by lower uid.
	TopN(ctx context.Context, n int, minScore float64) ([]model.Worker, error)
}

// Ranker is implemented by repositories that can place a single record in
// score order without a full scan.
type Ranker interface {
	// Rank returns the zero-based score position of uid.
	Rank(ctx context.Context, uid int) (int, error)
}

// Counted is implemented by repositories that track their size.
type Counted interface {
	Count(ctx context.Context) int
}
