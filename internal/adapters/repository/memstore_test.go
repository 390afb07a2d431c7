package repository_test

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/okian/creditgate/internal/adapters/repository"
	"github.com/okian/creditgate/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
	"pgregory.net/rapid"
)

func worker(uid int, score float64) model.Worker {
	return model.Worker{UID: uid, Credit: 48, AccumulatedScore: score}
}

func TestMemStore(t *testing.T) {
	ctx := context.Background()

	Convey("Given an empty MemStore", t, func() {
		s := repository.NewMemStore()

		Convey("When a record is created twice", func() {
			first, err1 := s.Create(ctx, worker(1, 0.5))
			second, err2 := s.Create(ctx, worker(1, 0.9))

			Convey("Then the second create keeps the first record", func() {
				So(err1, ShouldBeNil)
				So(err2, ShouldBeNil)
				So(first.AccumulatedScore, ShouldEqual, 0.5)
				So(second.AccumulatedScore, ShouldEqual, 0.5)
				So(s.Count(ctx), ShouldEqual, 1)
			})
		})

		Convey("When records are upserted", func() {
			So(s.Upsert(ctx, worker(3, 0.1), worker(1, 0.7), worker(2, 0.7)), ShouldBeNil)

			Convey("Then All is ordered by uid", func() {
				all, err := s.All(ctx)
				So(err, ShouldBeNil)
				So(len(all), ShouldEqual, 3)
				So(all[0].UID, ShouldEqual, 1)
				So(all[2].UID, ShouldEqual, 3)
			})

			Convey("Then Get omits unknown uids", func() {
				got, err := s.Get(ctx, []int{1, 9})
				So(err, ShouldBeNil)
				So(got, ShouldContainKey, 1)
				So(got, ShouldNotContainKey, 9)
			})

			Convey("Then TopN ranks by score then uid and honors the floor", func() {
				top, err := s.TopN(ctx, 5, 0.05)
				So(err, ShouldBeNil)
				So(len(top), ShouldEqual, 3)
				So(top[0].UID, ShouldEqual, 1)
				So(top[1].UID, ShouldEqual, 2)
				So(top[2].UID, ShouldEqual, 3)

				top, _ = s.TopN(ctx, 5, 0.1)
				So(len(top), ShouldEqual, 2)

				top, _ = s.TopN(ctx, 1, 0)
				So(len(top), ShouldEqual, 1)
			})

			Convey("Then a rescored record moves in the index", func() {
				So(s.Upsert(ctx, worker(3, 0.95)), ShouldBeNil)
				top, _ := s.TopN(ctx, 1, 0)
				So(top[0].UID, ShouldEqual, 3)
				rank, err := s.Rank(ctx, 1)
				So(err, ShouldBeNil)
				So(rank, ShouldEqual, 1)
			})
		})

		Convey("When limits or records are invalid", func() {
			_, errLimit := s.TopN(ctx, 0, 0)
			_, errRank := s.Rank(ctx, 42)
			errNaN := s.Upsert(ctx, model.Worker{UID: 1, AccumulatedScore: nan()})

			Convey("Then sentinel errors are returned", func() {
				So(errors.Is(errLimit, repository.ErrInvalidLimit), ShouldBeTrue)
				So(errors.Is(errRank, repository.ErrNotFound), ShouldBeTrue)
				So(errors.Is(errNaN, repository.ErrInvalidRecord), ShouldBeTrue)
			})
		})
	})
}

func nan() float64 {
	zero := 0.0
	return zero / zero
}

func TestMemStoreIndexMatchesSort(t *testing.T) {
	ctx := context.Background()

	rapid.Check(t, func(rt *rapid.T) {
		s := repository.NewMemStore()
		want := map[int]float64{}

		ops := rapid.IntRange(1, 200).Draw(rt, "ops")
		for i := 0; i < ops; i++ {
			uid := rapid.IntRange(0, 40).Draw(rt, "uid")
			// coarse scores force ties
			score := float64(rapid.IntRange(0, 10).Draw(rt, "score")) / 10
			if err := s.Upsert(ctx, worker(uid, score)); err != nil {
				rt.Fatalf("upsert: %v", err)
			}
			want[uid] = score
		}

		expected := make([]model.Worker, 0, len(want))
		for uid, score := range want {
			if score > 0.05 {
				expected = append(expected, worker(uid, score))
			}
		}
		slices.SortFunc(expected, func(a, b model.Worker) int {
			if a.AccumulatedScore != b.AccumulatedScore {
				if a.AccumulatedScore > b.AccumulatedScore {
					return -1
				}
				return 1
			}
			return a.UID - b.UID
		})

		n := rapid.IntRange(1, 50).Draw(rt, "n")
		if len(expected) > n {
			expected = expected[:n]
		}
		got, err := s.TopN(ctx, n, 0.05)
		if err != nil {
			rt.Fatalf("topn: %v", err)
		}
		if len(got) != len(expected) {
			rt.Fatalf("got %d workers, want %d", len(got), len(expected))
		}
		for i := range got {
			if got[i].UID != expected[i].UID {
				rt.Fatalf("position %d: uid %d, want %d", i, got[i].UID, expected[i].UID)
			}
		}
		if s.Count(ctx) != len(want) {
			rt.Fatalf("count %d, want %d", s.Count(ctx), len(want))
		}
	})
}
