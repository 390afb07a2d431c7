package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	service "github.com/okian/creditgate/internal/app"
	"github.com/okian/creditgate/internal/adapters/mq/queue"
	"github.com/okian/creditgate/internal/domain/model"
)

func singleProfile() model.Profiles {
	p, err := model.NewProfiles(model.ModelProfile{
		Name:        "m",
		CreditCost:  2,
		Timeout:     time.Second,
		MaxTokens:   64,
		SynapseType: model.SynapseStreamingChat,
	})
	if err != nil {
		panic(err)
	}
	return p
}

func TestSchedulerEpoch(t *testing.T) {
	Convey("Given a scheduler with two admitted workers", t, func() {
		ctx := context.Background()
		adm := &fakeAdmission{uids: []int{1, 2}}
		wl := &fakeWorkload{}
		So(wl.PushOrganic(ctx, model.Payload{ID: "p1", Model: "m", Organic: true}), ShouldBeNil)
		dir := &fakeDirectory{endpoints: map[int]string{1: "10.0.0.1:80", 2: "10.0.0.2:80"}}
		disp := &fakeDispatcher{}
		sink := queue.NewInMemoryQueue[model.ScoreJob](queue.WithCapacity(4))

		newScheduler := func(concurrent int) *service.Scheduler {
			return service.NewScheduler(singleProfile(), adm, wl, dir, disp, sink,
				service.WithBatching(0.2, 2, concurrent),
				service.WithDelays(0, 0),
			)
		}

		Convey("When one epoch runs", func() {
			s := newScheduler(1)
			rep := s.RunEpoch(ctx)

			Convey("Then the batch is dispatched and handed to scoring", func() {
				So(rep.Launched, ShouldEqual, 1)
				So(rep.Outcomes["dispatched"], ShouldEqual, 1)
				So(sink.Len(), ShouldEqual, 1)

				job, ok := sink.TryDequeue()
				So(ok, ShouldBeTrue)
				So(job.BatchID, ShouldNotBeEmpty)
				So(job.Profile.Name, ShouldEqual, "m")
				So(job.Request.ID, ShouldEqual, "p1")
				So(job.UIDs, ShouldResemble, []int{1, 2})
				So(job.Results, ShouldHaveLength, 2)
			})

			Convey("And the scheduler is idle again", func() {
				So(s.Phase(), ShouldEqual, service.PhaseIdle)
				So(s.Phase().String(), ShouldEqual, "idle")
			})
		})

		Convey("When no worker is admitted", func() {
			adm.uids = nil
			rep := newScheduler(1).RunEpoch(ctx)
			So(rep.Outcomes["no_workers"], ShouldEqual, 1)
			So(sink.Len(), ShouldEqual, 0)
		})

		Convey("When admission fails", func() {
			adm.err = errors.New("counter down")
			rep := newScheduler(1).RunEpoch(ctx)
			So(rep.Outcomes["failed"], ShouldEqual, 1)
		})

		Convey("When there is no workload", func() {
			wl.pending = nil
			rep := newScheduler(1).RunEpoch(ctx)
			So(rep.Outcomes["no_workload"], ShouldEqual, 1)
			So(sink.Len(), ShouldEqual, 0)
		})

		Convey("When the dispatcher panics", func() {
			disp.panics = true
			rep := newScheduler(1).RunEpoch(ctx)

			Convey("Then the batch fails without taking the loop down", func() {
				So(rep.Outcomes["failed"], ShouldEqual, 1)
				So(sink.Len(), ShouldEqual, 0)
			})
		})

		Convey("When the scoring queue cannot take every batch", func() {
			small := queue.NewInMemoryQueue[model.ScoreJob](queue.WithCapacity(1))
			So(wl.PushOrganic(ctx, model.Payload{ID: "p2", Model: "m"}), ShouldBeNil)
			s := service.NewScheduler(singleProfile(), adm, wl, dir, disp, small,
				service.WithBatching(0.2, 2, 2),
				service.WithDelays(0, 0),
			)
			rep := s.RunEpoch(ctx)

			Convey("Then the overflow is dropped", func() {
				So(rep.Launched, ShouldEqual, 2)
				So(rep.Outcomes["dispatched"], ShouldEqual, 1)
				So(rep.Outcomes["dropped"], ShouldEqual, 1)
				So(small.Len(), ShouldEqual, 1)
			})
		})
	})
}

func TestSchedulerRunStop(t *testing.T) {
	Convey("Given a running scheduler", t, func() {
		sink := queue.NewInMemoryQueue[model.ScoreJob](queue.WithCapacity(16))
		s := service.NewScheduler(singleProfile(), &fakeAdmission{}, &fakeWorkload{}, &fakeDirectory{}, &fakeDispatcher{}, sink,
			service.WithDelays(0, 5*time.Millisecond),
		)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go s.Run(ctx)

		Convey("When it is stopped", func() {
			s.Stop()

			Convey("Then Run returns", func() {
				select {
				case <-s.Done():
				case <-time.After(2 * time.Second):
					t.Fatal("scheduler did not stop")
				}
				So(s.Phase(), ShouldEqual, service.PhaseIdle)
			})
		})
	})
}

func TestPhaseString(t *testing.T) {
	Convey("Phases have readable names", t, func() {
		So(service.PhaseDispatching.String(), ShouldEqual, "dispatching")
		So(service.PhaseAwaiting.String(), ShouldEqual, "awaiting")
		So(service.PhaseScoring.String(), ShouldEqual, "scoring")
		So(service.Phase(9).String(), ShouldEqual, "phase(9)")
	})
}
