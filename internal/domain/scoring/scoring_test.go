package scoring_test

import (
	"context"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/okian/creditgate/internal/domain/model"
	"github.com/okian/creditgate/internal/domain/reputation"
	"github.com/okian/creditgate/internal/domain/scoring"
	"github.com/okian/creditgate/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func TestMain(m *testing.M) {
	if err := logger.Init(logger.WithOutput(io.Discard)); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

type step struct {
	scores []float64
	uids   []int
}

type recordingStepper struct{ steps []step }

func (r *recordingStepper) Step(_ context.Context, scores []float64, uids []int) error {
	r.steps = append(r.steps, step{scores: scores, uids: uids})
	return nil
}

type fixedOracle struct {
	scores []float64
	err    error
	calls  int
	seen   []string
}

func (f *fixedOracle) Score(_ context.Context, completions []string, _ model.Payload) ([]float64, error) {
	f.calls++
	f.seen = completions
	return f.scores, f.err
}

func job(results ...model.DispatchResult) model.ScoreJob {
	uids := make([]int, len(results))
	for i, r := range results {
		uids[i] = r.UID
	}
	return model.ScoreJob{
		BatchID: "b1",
		Profile: model.ModelProfile{Name: "gpt-4o", CreditCost: 4, Timeout: 10 * time.Second},
		Request: model.Payload{ID: "p1", Messages: []model.Message{{Role: "user", Content: "hello world"}}},
		UIDs:    uids,
		Results: results,
	}
}

func ok(uid int, content string, elapsed time.Duration) model.DispatchResult {
	return model.DispatchResult{UID: uid, Content: content, Success: true, Elapsed: elapsed}
}

func TestPipelineProcess(t *testing.T) {
	ctx := context.Background()

	Convey("Given a pipeline with an in-memory tally", t, func() {
		stepper := &recordingStepper{}
		tally := reputation.NewMemoryTally(time.Hour, nil)

		Convey("When a batch mixes valid and invalid results", func() {
			oracle := &fixedOracle{scores: []float64{1.0, 0.5}}
			p := scoring.NewPipeline(oracle, stepper, tally)
			j := job(
				ok(1, "hello", 0),
				model.DispatchResult{UID: 2, Success: false, Err: errors.New("timeout")},
				ok(3, "world", 5*time.Second),
				ok(4, "", time.Second),
			)
			out, err := p.Process(ctx, j)

			Convey("Then invalid results are zeroed first", func() {
				So(err, ShouldBeNil)
				So(out.Invalid, ShouldResemble, []int{2, 4})
				So(stepper.steps[0].uids, ShouldResemble, []int{2, 4})
				So(stepper.steps[0].scores, ShouldResemble, []float64{0, 0})
			})

			Convey("Then only valid completions reach the oracle", func() {
				So(oracle.seen, ShouldResemble, []string{"hello", "world"})
			})

			Convey("Then the time penalty is applied", func() {
				So(out.Scored, ShouldResemble, []int{1, 3})
				So(out.Scores[0], ShouldAlmostEqual, 1.0, 1e-9)
				So(out.Scores[1], ShouldAlmostEqual, 0.4, 1e-9)
				So(stepper.steps, ShouldHaveLength, 2)
			})

			Convey("Then the tally counts the scored uids", func() {
				counts, _ := tally.Counts(ctx)
				So(counts, ShouldResemble, map[int]int{1: 1, 3: 1})
			})
		})

		Convey("When all four results of a batch are invalid", func() {
			oracle := &fixedOracle{}
			p := scoring.NewPipeline(oracle, stepper, tally)
			out, err := p.Process(ctx, job(
				model.DispatchResult{UID: 1, Err: errors.New("timeout")},
				model.DispatchResult{UID: 2, Success: true},
				model.DispatchResult{UID: 3, Err: errors.New("refused")},
				model.DispatchResult{UID: 4},
			))

			Convey("Then one zero step covers the batch and the oracle is skipped", func() {
				So(err, ShouldBeNil)
				So(out.Invalid, ShouldResemble, []int{1, 2, 3, 4})
				So(stepper.steps, ShouldHaveLength, 1)
				So(stepper.steps[0].scores, ShouldResemble, []float64{0, 0, 0, 0})
				So(stepper.steps[0].uids, ShouldResemble, []int{1, 2, 3, 4})
				So(oracle.calls, ShouldEqual, 0)
				So(out.Scored, ShouldBeEmpty)
			})
		})

		Convey("When a uid already reached the per-epoch cap", func() {
			_ = tally.Increment(ctx, []int{1, 1})
			oracle := &fixedOracle{scores: []float64{0.7}}
			p := scoring.NewPipeline(oracle, stepper, tally, scoring.WithMaxScoresPerEpoch(2))
			out, err := p.Process(ctx, job(ok(1, "a", 0), ok(2, "b", 0)))

			Convey("Then it is filtered out before the oracle", func() {
				So(err, ShouldBeNil)
				So(out.Filtered, ShouldResemble, []int{1})
				So(out.Scored, ShouldResemble, []int{2})
				So(oracle.seen, ShouldResemble, []string{"b"})
			})
		})

		Convey("When every valid uid is filtered", func() {
			_ = tally.Increment(ctx, []int{1, 1})
			oracle := &fixedOracle{}
			p := scoring.NewPipeline(oracle, stepper, tally, scoring.WithMaxScoresPerEpoch(2))
			_, err := p.Process(ctx, job(ok(1, "a", 0)))

			Convey("Then the oracle is not called", func() {
				So(err, ShouldBeNil)
				So(oracle.calls, ShouldEqual, 0)
				So(stepper.steps, ShouldBeEmpty)
			})
		})

		Convey("When the oracle fails", func() {
			p := scoring.NewPipeline(&fixedOracle{err: errors.New("503")}, stepper, tally)
			out, err := p.Process(ctx, job(ok(1, "a", 0), model.DispatchResult{UID: 2}))

			Convey("Then valid results are dropped but invalid ones still count", func() {
				So(errors.Is(err, scoring.ErrOracle), ShouldBeTrue)
				So(out.Scored, ShouldBeEmpty)
				So(stepper.steps, ShouldHaveLength, 1)
				So(stepper.steps[0].uids, ShouldResemble, []int{2})
				counts, _ := tally.Counts(ctx)
				So(counts, ShouldBeEmpty)
			})
		})

		Convey("When the oracle returns the wrong number of scores", func() {
			p := scoring.NewPipeline(&fixedOracle{scores: []float64{1, 1}}, stepper, tally)
			_, err := p.Process(ctx, job(ok(1, "a", 0)))

			Convey("Then the batch is dropped", func() {
				So(errors.Is(err, scoring.ErrOracle), ShouldBeTrue)
				So(errors.Is(err, scoring.ErrScoreCount), ShouldBeTrue)
				So(stepper.steps, ShouldBeEmpty)
			})
		})

		Convey("When a uid has no result at all", func() {
			p := scoring.NewPipeline(&fixedOracle{}, stepper, tally)
			j := job()
			j.UIDs = []int{9}
			out, err := p.Process(ctx, j)

			Convey("Then it is treated as invalid", func() {
				So(err, ShouldBeNil)
				So(out.Invalid, ShouldResemble, []int{9})
			})
		})
	})
}

func TestPenalize(t *testing.T) {
	Convey("Given raw scores and latencies", t, func() {
		timeout := 10 * time.Second
		So(scoring.Penalize(1, 0, timeout, 0.2), ShouldAlmostEqual, 1.0, 1e-9)
		So(scoring.Penalize(1, timeout, timeout, 0.2), ShouldAlmostEqual, 0.8, 1e-9)
		So(scoring.Penalize(0.1, timeout, timeout, 0.2), ShouldEqual, 0)
		So(scoring.Penalize(1.7, 0, timeout, 0.2), ShouldEqual, 1)
		So(scoring.Penalize(-3, 0, timeout, 0.2), ShouldEqual, 0)
		So(scoring.Penalize(0.5, time.Hour, 0, 0.2), ShouldEqual, 0.5)
	})
}

func TestSimulatedOracle(t *testing.T) {
	ctx := context.Background()
	req := model.Payload{Messages: []model.Message{
		{Role: "system", Content: "ignored"},
		{Role: "user", Content: "Name two primary colors"},
	}}

	Convey("Given a simulated oracle without latency or jitter", t, func() {
		o := scoring.NewSimulatedOracle(scoring.WithLatencyRange(0, 0), scoring.WithJitter(0))

		Convey("When completions echo different shares of the prompt", func() {
			scores, err := o.Score(ctx, []string{
				"name two primary colors: red, blue",
				"two colors",
				"",
			}, req)

			Convey("Then scores follow the overlap", func() {
				So(err, ShouldBeNil)
				So(scores, ShouldHaveLength, 3)
				So(scores[0], ShouldEqual, 1)
				So(scores[1], ShouldEqual, 0.5)
				So(scores[2], ShouldEqual, 0)
			})
		})
	})

	Convey("Given a simulated oracle with jitter", t, func() {
		o := scoring.NewSimulatedOracle(scoring.WithLatencyRange(0, 0), scoring.WithSeed(1))
		scores, err := o.Score(ctx, []string{"two colors"}, req)

		Convey("Then scores stay in [0,1]", func() {
			So(err, ShouldBeNil)
			So(scores[0], ShouldBeBetweenOrEqual, 0, 1)
		})
	})

	Convey("Given a slow oracle and a cancelled context", t, func() {
		o := scoring.NewSimulatedOracle(scoring.WithLatencyRange(time.Second, 2*time.Second))
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		Convey("Then scoring is abandoned", func() {
			_, err := o.Score(cctx, []string{"x"}, req)
			So(errors.Is(err, context.Canceled), ShouldBeTrue)
		})
	})
}
