package ledger_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/okian/creditgate/internal/adapters/repository"
	"github.com/okian/creditgate/internal/domain/ledger"
	"github.com/okian/creditgate/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
	"pgregory.net/rapid"
)

func newLedger(t *testing.T) *ledger.Ledger {
	l, err := ledger.New(repository.NewMemStore(), ledger.WithCreditBounds(48, 256), ledger.WithDecay(0.9))
	if err != nil {
		t.Fatal(err)
	}
	return l
}

// plainRepo hides the MemStore score index so TopScored takes the sort path.
type plainRepo struct{ inner *repository.MemStore }

func (p plainRepo) Get(ctx context.Context, uids []int) (map[int]model.Worker, error) {
	return p.inner.Get(ctx, uids)
}
func (p plainRepo) Create(ctx context.Context, w model.Worker) (model.Worker, error) {
	return p.inner.Create(ctx, w)
}
func (p plainRepo) Upsert(ctx context.Context, ws ...model.Worker) error {
	return p.inner.Upsert(ctx, ws...)
}
func (p plainRepo) All(ctx context.Context) ([]model.Worker, error) { return p.inner.All(ctx) }

type brokenRepo struct{ plainRepo }

func (brokenRepo) All(context.Context) ([]model.Worker, error) { return nil, errors.New("connection refused") }
func (brokenRepo) Get(context.Context, []int) (map[int]model.Worker, error) {
	return nil, errors.New("connection refused")
}

func TestLedgerConstruction(t *testing.T) {
	Convey("Given invalid ledger parameters", t, func() {
		_, errDecay := ledger.New(repository.NewMemStore(), ledger.WithDecay(1))
		_, errBounds := ledger.New(repository.NewMemStore(), ledger.WithCreditBounds(100, 10))

		So(errors.Is(errDecay, ledger.ErrInvalidDecay), ShouldBeTrue)
		So(errors.Is(errBounds, ledger.ErrInvalidBounds), ShouldBeTrue)
	})
}

func TestLedgerGet(t *testing.T) {
	ctx := context.Background()

	Convey("Given an empty ledger", t, func() {
		l := newLedger(t)

		Convey("When unseen uids are read", func() {
			ws, err := l.Get(ctx, 3, 5)

			Convey("Then default records are created at the minimum credit", func() {
				So(err, ShouldBeNil)
				So(ws[3].Credit, ShouldEqual, 48)
				So(ws[5].AccumulatedScore, ShouldEqual, 0)
				all, _ := l.Get(ctx)
				So(len(all), ShouldEqual, 2)
			})
		})

		Convey("When many goroutines read the same unseen uid", func() {
			var wg sync.WaitGroup
			for i := 0; i < 32; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, _ = l.Get(ctx, 11)
				}()
			}
			wg.Wait()

			Convey("Then exactly one record exists", func() {
				all, _ := l.Get(ctx)
				So(len(all), ShouldEqual, 1)
			})
		})
	})
}

func TestLedgerSetCredit(t *testing.T) {
	ctx := context.Background()

	Convey("Given a ledger with bounds [48, 256]", t, func() {
		l := newLedger(t)

		Convey("When a credit below the minimum is probed", func() {
			w, err := l.SetCredit(ctx, 1, 47)

			Convey("Then the worker is marked unreachable with credit 0", func() {
				So(err, ShouldBeNil)
				So(w.Credit, ShouldEqual, 0)
			})
		})

		Convey("When a credit above the maximum is probed", func() {
			w, _ := l.SetCredit(ctx, 1, 10_000)

			Convey("Then it is clamped to the maximum", func() {
				So(w.Credit, ShouldEqual, 256)
			})
		})

		Convey("When a credit in range is probed", func() {
			w, _ := l.SetCredit(ctx, 1, 128)
			stored, _ := l.Get(ctx, 1)

			Convey("Then it is stored as is", func() {
				So(w.Credit, ShouldEqual, 128)
				So(stored[1].Credit, ShouldEqual, 128)
			})
		})

		Convey("When a score exists before the credit changes", func() {
			_, _ = l.SetCredit(ctx, 1, 256)
			So(l.ApplyScore(ctx, 1, 1.0, 1.0), ShouldBeNil)
			_, _ = l.SetCredit(ctx, 1, 100)

			Convey("Then the score survives the credit update", func() {
				ws, _ := l.Get(ctx, 1)
				So(ws[1].AccumulatedScore, ShouldAlmostEqual, 0.1, 1e-12)
			})
		})
	})
}

func TestLedgerSetCreditRaisedMinimum(t *testing.T) {
	ctx := context.Background()

	Convey("Given a ledger whose minimum credit is 128", t, func() {
		l, err := ledger.New(repository.NewMemStore(), ledger.WithCreditBounds(128, 256))
		So(err, ShouldBeNil)

		Convey("When a raw credit of 50 is reported", func() {
			w, err := l.SetCredit(ctx, 7, 50)

			Convey("Then the worker is stored as unreachable", func() {
				So(err, ShouldBeNil)
				So(w.Credit, ShouldEqual, int64(0))
				stored, _ := l.Get(ctx, 7)
				So(stored[7].Credit, ShouldEqual, int64(0))
			})
		})
	})
}

func TestLedgerApplyScores(t *testing.T) {
	ctx := context.Background()

	Convey("Given a worker at maximum credit", t, func() {
		l := newLedger(t)
		_, _ = l.SetCredit(ctx, 1, 256)

		Convey("When a perfect score is applied twice", func() {
			So(l.ApplyScores(ctx, []float64{1}, []int{1}, 1.0), ShouldBeNil)
			So(l.ApplyScores(ctx, []float64{1}, []int{1}, 1.0), ShouldBeNil)

			Convey("Then the EMA converges toward 1", func() {
				ws, _ := l.Get(ctx, 1)
				So(ws[1].AccumulatedScore, ShouldAlmostEqual, 0.19, 1e-12)
			})
		})

		Convey("When zero is applied to an existing score", func() {
			So(l.ApplyScore(ctx, 1, 1, 1.0), ShouldBeNil)
			So(l.ApplyScore(ctx, 1, 0, 1.0), ShouldBeNil)

			Convey("Then the score decays", func() {
				ws, _ := l.Get(ctx, 1)
				So(ws[1].AccumulatedScore, ShouldAlmostEqual, 0.09, 1e-12)
			})
		})

		Convey("When a non-finite score is applied", func() {
			So(l.ApplyScore(ctx, 1, math.Inf(1), 1.0), ShouldBeNil)

			Convey("Then it counts as zero", func() {
				ws, _ := l.Get(ctx, 1)
				So(ws[1].AccumulatedScore, ShouldEqual, 0)
			})
		})

		Convey("When lengths differ", func() {
			err := l.ApplyScores(ctx, []float64{1, 1}, []int{1}, 1.0)

			Convey("Then ErrLengthMismatch is returned", func() {
				So(errors.Is(err, ledger.ErrLengthMismatch), ShouldBeTrue)
			})
		})
	})

	Convey("Given a worker at half of maximum credit", t, func() {
		l := newLedger(t)
		_, _ = l.SetCredit(ctx, 2, 128)

		Convey("When a perfect score is applied", func() {
			So(l.ApplyScore(ctx, 2, 1, 1.0), ShouldBeNil)

			Convey("Then the contribution is scaled by credit", func() {
				ws, _ := l.Get(ctx, 2)
				So(ws[2].AccumulatedScore, ShouldAlmostEqual, 0.05, 1e-12)
			})
		})
	})

	Convey("Given an unreachable worker", t, func() {
		l := newLedger(t)
		_, _ = l.SetCredit(ctx, 3, 1)

		Convey("When a perfect score is applied", func() {
			So(l.ApplyScore(ctx, 3, 1, 1.0), ShouldBeNil)

			Convey("Then nothing accrues", func() {
				ws, _ := l.Get(ctx, 3)
				So(ws[3].AccumulatedScore, ShouldEqual, 0)
			})
		})
	})
}

func TestLedgerWeights(t *testing.T) {
	ctx := context.Background()

	Convey("Given workers without scores", t, func() {
		l := newLedger(t)
		_, _ = l.Get(ctx, 2, 1)

		Convey("When weights are read", func() {
			uids, weights, err := l.Weights(ctx)

			Convey("Then every weight is zero", func() {
				So(err, ShouldBeNil)
				So(uids, ShouldResemble, []int{1, 2})
				So(weights, ShouldResemble, []float64{0, 0})
			})
		})

		Convey("When scores are applied", func() {
			_, _ = l.SetCredit(ctx, 1, 256)
			_, _ = l.SetCredit(ctx, 2, 256)
			So(l.ApplyScores(ctx, []float64{0.75, 0.25}, []int{1, 2}, 1.0), ShouldBeNil)
			_, weights, _ := l.Weights(ctx)

			Convey("Then weights are normalized", func() {
				So(weights[0], ShouldAlmostEqual, 0.75, 1e-12)
				So(weights[1], ShouldAlmostEqual, 0.25, 1e-12)
			})
		})
	})

	Convey("Given a failing repository", t, func() {
		l, _ := ledger.New(brokenRepo{})
		_, _, err := l.Weights(ctx)
		_, errGet := l.Get(ctx, 1)

		So(errors.Is(err, ledger.ErrUnavailable), ShouldBeTrue)
		So(errors.Is(errGet, ledger.ErrUnavailable), ShouldBeTrue)
	})
}

func TestLedgerTopScored(t *testing.T) {
	ctx := context.Background()

	for _, tc := range []struct {
		name string
		repo ledger.Repository
	}{
		{"ranked", repository.NewMemStore()},
		{"plain", plainRepo{repository.NewMemStore()}},
	} {
		Convey("Given a "+tc.name+" repository with scored workers", t, func() {
			l, err := ledger.New(tc.repo)
			So(err, ShouldBeNil)
			_ = tc.repo.Upsert(ctx,
				model.Worker{UID: 1, Credit: 256, AccumulatedScore: 0.30},
				model.Worker{UID: 2, Credit: 256, AccumulatedScore: 0.04},
				model.Worker{UID: 3, Credit: 256, AccumulatedScore: 0.30},
				model.Worker{UID: 4, Credit: 256, AccumulatedScore: 0.90},
			)

			top, err := l.TopScored(ctx, 3, 0.05)

			So(err, ShouldBeNil)
			So(len(top), ShouldEqual, 3)
			So(top[0].UID, ShouldEqual, 4)
			So(top[1].UID, ShouldEqual, 1)
			So(top[2].UID, ShouldEqual, 3)
		})
	}
}

func TestLedgerStandings(t *testing.T) {
	ctx := context.Background()

	for _, tc := range []struct {
		name string
		repo ledger.Repository
	}{
		{"ranked", repository.NewMemStore()},
		{"plain", plainRepo{repository.NewMemStore()}},
	} {
		Convey("Given a "+tc.name+" repository with scored workers", t, func() {
			l, err := ledger.New(tc.repo)
			So(err, ShouldBeNil)
			_ = tc.repo.Upsert(ctx,
				model.Worker{UID: 1, Credit: 256, AccumulatedScore: 0.30},
				model.Worker{UID: 2, Credit: 256, AccumulatedScore: 0.04},
				model.Worker{UID: 3, Credit: 256, AccumulatedScore: 0.30},
				model.Worker{UID: 4, Credit: 256, AccumulatedScore: 0.90},
			)

			Convey("When standings are listed", func() {
				st, err := l.Standings(ctx)
				So(err, ShouldBeNil)

				Convey("Then rows stay in uid order with 1-based score ranks", func() {
					So(st, ShouldHaveLength, 4)
					ranks := make([]int, len(st))
					for i, row := range st {
						So(row.UID, ShouldEqual, i+1)
						ranks[i] = row.Rank
					}
					So(ranks, ShouldResemble, []int{2, 4, 3, 1})
				})
			})

			Convey("When the size is read", func() {
				n, err := l.Size(ctx)

				Convey("Then it counts every record", func() {
					So(err, ShouldBeNil)
					So(n, ShouldEqual, 4)
				})
			})
		})
	}

	Convey("Given a failing repository", t, func() {
		l, _ := ledger.New(brokenRepo{})
		_, errStandings := l.Standings(ctx)
		_, errSize := l.Size(ctx)

		So(errors.Is(errStandings, ledger.ErrUnavailable), ShouldBeTrue)
		So(errors.Is(errSize, ledger.ErrUnavailable), ShouldBeTrue)
	})
}

func TestLedgerInvariants(t *testing.T) {
	ctx := context.Background()

	rapid.Check(t, func(rt *rapid.T) {
		l, _ := ledger.New(repository.NewMemStore(), ledger.WithCreditBounds(48, 256),
			ledger.WithDecay(rapid.Float64Range(0.01, 0.99).Draw(rt, "decay")))

		steps := rapid.IntRange(1, 60).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			uid := rapid.IntRange(0, 5).Draw(rt, "uid")
			if rapid.Bool().Draw(rt, "credit") {
				if _, err := l.SetCredit(ctx, uid, rapid.Int64Range(-10, 2000).Draw(rt, "raw")); err != nil {
					rt.Fatalf("set credit: %v", err)
				}
				continue
			}
			score := rapid.Float64Range(-2, 2).Draw(rt, "score")
			if err := l.ApplyScore(ctx, uid, score, rapid.Float64Range(0, 2).Draw(rt, "cap")); err != nil {
				rt.Fatalf("apply: %v", err)
			}
		}

		all, _ := l.Get(ctx)
		for _, w := range all {
			if w.Credit != 0 && (w.Credit < 48 || w.Credit > 256) {
				rt.Fatalf("uid %d credit %d out of bounds", w.UID, w.Credit)
			}
			if w.AccumulatedScore < 0 {
				rt.Fatalf("uid %d negative score %v", w.UID, w.AccumulatedScore)
			}
		}

		_, weights, _ := l.Weights(ctx)
		var sum float64
		for _, w := range weights {
			sum += w
		}
		if sum != 0 && math.Abs(sum-1) > 1e-9 {
			rt.Fatalf("weights sum to %v", sum)
		}
	})
}
