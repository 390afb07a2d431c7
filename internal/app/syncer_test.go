package service_test

import (
	"context"
	"errors"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	service "github.com/okian/creditgate/internal/app"
	"github.com/okian/creditgate/internal/adapters/repository"
	"github.com/okian/creditgate/internal/domain/ledger"
	"github.com/okian/creditgate/internal/domain/quota"
)

func TestSyncerSync(t *testing.T) {
	Convey("Given a directory with three workers", t, func() {
		ctx := context.Background()
		dir := &fakeDirectory{
			uids:      []int{1, 2, 3},
			stakes:    map[int]float64{1: 20_000, 2: 5_000, 3: 20_000},
			endpoints: map[int]string{1: "a:1", 3: "b:1"},
			fraction:  0.5,
		}
		probe := &fakeProbe{credits: map[int]int64{1: 100, 3: 10}}
		l, err := ledger.New(repository.NewMemStore(), ledger.WithCreditBounds(48, 256))
		So(err, ShouldBeNil)
		counter := quota.NewInMemoryCounter()
		So(counter.SetQuota(ctx, 9, 100), ShouldBeNil)
		reporter := &fakeReporter{}

		newSyncer := func(opts ...service.SyncerOption) *service.Syncer {
			base := []service.SyncerOption{service.WithMinStake(10_000), service.WithReporter(reporter)}
			return service.NewSyncer(dir, probe, l, counter, append(base, opts...)...)
		}

		Convey("When a sync pass runs", func() {
			rep, err := newSyncer().Sync(ctx)
			So(err, ShouldBeNil)

			Convey("Then low-stake workers are dropped", func() {
				So(rep.Listed, ShouldEqual, 3)
				So(rep.Eligible, ShouldEqual, 2)
				So(rep.Reachable, ShouldEqual, 1)
				So(rep.Fraction, ShouldEqual, 0.5)
			})

			Convey("And credits and quotas follow the probe", func() {
				ws, err := l.Get(ctx, 1, 3)
				So(err, ShouldBeNil)
				So(ws[1].Credit, ShouldEqual, int64(100))
				So(ws[1].Stake, ShouldEqual, 20_000.0)
				So(ws[3].Credit, ShouldEqual, int64(0))

				rem, err := counter.Remaining(ctx, []int{1, 3})
				So(err, ShouldBeNil)
				So(rem[1], ShouldEqual, int64(50))
				So(rem[3], ShouldEqual, int64(0))
			})

			Convey("And workers that left lose their quota", func() {
				uids, err := counter.UIDs(ctx)
				So(err, ShouldBeNil)
				So(uids, ShouldResemble, []int{1, 3})
			})

			Convey("And the ledger snapshot is reported in uid order", func() {
				So(reporter.reports, ShouldHaveLength, 1)
				snap := reporter.reports[0]
				So(len(snap), ShouldBeGreaterThanOrEqualTo, 2)
				for i := 1; i < len(snap); i++ {
					So(snap[i-1].UID, ShouldBeLessThan, snap[i].UID)
				}
			})
		})

		Convey("When the directory has no usable fraction", func() {
			dir.fracErr = errors.New("unreachable")
			rep, err := newSyncer(service.WithRateLimitFraction(0.25, false)).Sync(ctx)
			So(err, ShouldBeNil)
			So(rep.Fraction, ShouldEqual, 0.25)

			rem, _ := counter.Remaining(ctx, []int{1})
			So(rem[1], ShouldEqual, int64(25))
		})

		Convey("When running on testnet", func() {
			rep, err := newSyncer(service.WithRateLimitFraction(0.25, true)).Sync(ctx)
			So(err, ShouldBeNil)
			So(rep.Fraction, ShouldEqual, 1.0)
		})

		Convey("When the directory cannot list workers", func() {
			dir.listErr = errors.New("timeout")
			_, err := newSyncer().Sync(ctx)

			Convey("Then the pass fails and nothing changes", func() {
				So(err, ShouldNotBeNil)
				uids, _ := counter.UIDs(ctx)
				So(uids, ShouldResemble, []int{9})
			})
		})

		Convey("When the report fails", func() {
			reporter.err = errors.New("rejected")
			rep, err := newSyncer().Sync(ctx)

			Convey("Then the sync still succeeds", func() {
				So(err, ShouldBeNil)
				So(rep.ReportError, ShouldNotBeNil)
			})
		})
	})
}
