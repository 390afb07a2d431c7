package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/creditgate/internal/adapters/http/api"
	"github.com/okian/creditgate/internal/domain/model"
	"github.com/okian/creditgate/pkg/logger"
)

func TestMain(m *testing.M) {
	if err := logger.Init(logger.WithOutput(io.Discard)); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

// mockDeps records calls and returns canned answers.
type mockDeps struct {
	seen map[string]bool

	consumeUIDs []int
	consumeErr  error
	lastConsume struct {
		threshold float64
		k         int
		credit    int64
	}

	topUIDs      []int
	topThreshold float64

	stepErr   error
	stepped   [][]int
	weightsU  []int
	weightsW  []float64
	workers   []model.Standing
	usage     []model.QuotaUsage
	pushErr   error
	pushed    []model.Payload
	usageErr  error
	weightErr error
}

func (m *mockDeps) SeenAndRecord(_ context.Context, id string) bool {
	if m.seen == nil {
		m.seen = make(map[string]bool)
	}
	if m.seen[id] {
		return true
	}
	m.seen[id] = true
	return false
}

func (m *mockDeps) Unrecord(_ context.Context, id string) { delete(m.seen, id) }

func (m *mockDeps) Size() int64 { return int64(len(m.seen)) }

func (m *mockDeps) Consume(_ context.Context, threshold float64, k int, credit int64) ([]int, error) {
	m.lastConsume.threshold, m.lastConsume.k, m.lastConsume.credit = threshold, k, credit
	return m.consumeUIDs, m.consumeErr
}

func (m *mockDeps) ConsumeTopPerformers(_ context.Context, _ int, _ int64, threshold float64) ([]int, error) {
	m.topThreshold = threshold
	return m.topUIDs, nil
}

func (m *mockDeps) Step(_ context.Context, scores []float64, uids []int) error {
	if m.stepErr != nil {
		return m.stepErr
	}
	if len(scores) != len(uids) {
		return errors.New("length mismatch")
	}
	m.stepped = append(m.stepped, uids)
	return nil
}

func (m *mockDeps) Weights(context.Context) ([]int, []float64, error) {
	return m.weightsU, m.weightsW, m.weightErr
}

func (m *mockDeps) Workers(context.Context) ([]model.Standing, error) { return m.workers, nil }

func (m *mockDeps) Usage(context.Context) ([]model.QuotaUsage, error) { return m.usage, m.usageErr }

func (m *mockDeps) PushOrganic(_ context.Context, p model.Payload) error {
	if m.pushErr != nil {
		return m.pushErr
	}
	m.pushed = append(m.pushed, p)
	return nil
}

type mockStats struct{}

func (mockStats) GetStats() map[string]any { return map[string]any{"started": true} }

func newMux(deps *mockDeps) *http.ServeMux {
	mux := http.NewServeMux()
	api.NewServer(deps, mockStats{}).Register(context.Background(), mux)
	return mux
}

func do(mux *http.ServeMux, method, path, body string) *httptest.ResponseRecorder {
	var r io.Reader = http.NoBody
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func decode(w *httptest.ResponseRecorder) map[string]any {
	var out map[string]any
	So(json.Unmarshal(w.Body.Bytes(), &out), ShouldBeNil)
	return out
}

func TestConsumeEndpoint(t *testing.T) {
	Convey("Given the admin API", t, func() {
		deps := &mockDeps{consumeUIDs: []int{3, 7}}
		mux := newMux(deps)

		Convey("When consuming with a full body", func() {
			w := do(mux, http.MethodPost, "/api/consume", `{"threshold":0.9,"k":2,"task_credit":4}`)

			Convey("Then the admitted uids are returned", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				So(w.Body.String(), ShouldContainSubstring, `"uids":[3,7]`)
				So(deps.lastConsume.threshold, ShouldEqual, 0.9)
				So(deps.lastConsume.k, ShouldEqual, 2)
				So(deps.lastConsume.credit, ShouldEqual, int64(4))
			})
		})

		Convey("When nothing is admitted", func() {
			deps.consumeUIDs = nil
			w := do(mux, http.MethodPost, "/api/consume", `{"threshold":1,"k":2,"task_credit":4}`)

			Convey("Then an empty list is returned, not null", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				So(w.Body.String(), ShouldContainSubstring, `"uids":[]`)
			})
		})

		Convey("When the threshold is missing", func() {
			w := do(mux, http.MethodPost, "/api/consume", `{"k":2,"task_credit":4}`)

			Convey("Then it is a bad request", func() {
				So(w.Code, ShouldEqual, http.StatusBadRequest)
				So(decode(w)["code"], ShouldEqual, "bad_request")
			})
		})

		Convey("When task_credit is not positive", func() {
			w := do(mux, http.MethodPost, "/api/consume", `{"threshold":1,"k":2,"task_credit":0}`)
			So(w.Code, ShouldEqual, http.StatusBadRequest)
		})

		Convey("When the body is not JSON", func() {
			w := do(mux, http.MethodPost, "/api/consume", `{`)
			So(w.Code, ShouldEqual, http.StatusBadRequest)
		})

		Convey("When the counter is unavailable", func() {
			deps.consumeErr = errors.New("redis down")
			w := do(mux, http.MethodPost, "/api/consume", `{"threshold":1,"k":2,"task_credit":4}`)

			Convey("Then it reports unavailable", func() {
				So(w.Code, ShouldEqual, http.StatusServiceUnavailable)
				So(decode(w)["code"], ShouldEqual, "unavailable")
			})
		})

		Convey("When using GET", func() {
			w := do(mux, http.MethodGet, "/api/consume", "")
			So(w.Code, ShouldEqual, http.StatusNotFound)
		})
	})
}

func TestConsumeTopPerformersEndpoint(t *testing.T) {
	Convey("Given the admin API", t, func() {
		deps := &mockDeps{topUIDs: []int{9}}
		mux := newMux(deps)

		Convey("When the threshold is omitted it defaults to 1.0", func() {
			w := do(mux, http.MethodPost, "/api/consume_top_performers", `{"n":3,"task_credit":2}`)
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Body.String(), ShouldContainSubstring, `"uids":[9]`)
			So(deps.topThreshold, ShouldEqual, 1.0)
		})

		Convey("When the threshold is given it is passed through", func() {
			w := do(mux, http.MethodPost, "/api/consume_top_performers", `{"n":3,"task_credit":2,"threshold":0.5}`)
			So(w.Code, ShouldEqual, http.StatusOK)
			So(deps.topThreshold, ShouldEqual, 0.5)
		})
	})
}

func TestStepEndpoint(t *testing.T) {
	Convey("Given the admin API", t, func() {
		deps := &mockDeps{}
		mux := newMux(deps)

		Convey("When stepping matching vectors", func() {
			w := do(mux, http.MethodPost, "/api/step", `{"scores":[0.5,1],"total_uids":[1,2]}`)

			Convey("Then success is true", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				So(decode(w)["success"], ShouldEqual, true)
				So(deps.stepped, ShouldResemble, [][]int{{1, 2}})
			})
		})

		Convey("When the vectors disagree in length", func() {
			w := do(mux, http.MethodPost, "/api/step", `{"scores":[0.5],"total_uids":[1,2]}`)

			Convey("Then success is false with a 200", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				So(decode(w)["success"], ShouldEqual, false)
				So(deps.stepped, ShouldBeEmpty)
			})
		})
	})
}

func TestWeightsEndpoint(t *testing.T) {
	Convey("Given a ledger with weights", t, func() {
		deps := &mockDeps{weightsU: []int{1, 2}, weightsW: []float64{0.25, 0.75}}
		mux := newMux(deps)

		Convey("When reading weights", func() {
			w := do(mux, http.MethodGet, "/api/weights", "")

			Convey("Then both vectors are returned", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				body := decode(w)
				So(body["uids"], ShouldResemble, []any{1.0, 2.0})
				So(body["weights"], ShouldResemble, []any{0.25, 0.75})
			})
		})

		Convey("When the ledger fails", func() {
			deps.weightErr = errors.New("db gone")
			w := do(mux, http.MethodGet, "/api/weights", "")
			So(w.Code, ShouldEqual, http.StatusServiceUnavailable)
		})
	})
}

func TestMonitorEndpoints(t *testing.T) {
	Convey("Given workers and usage", t, func() {
		deps := &mockDeps{
			workers: []model.Standing{
				{Worker: model.Worker{UID: 1, Credit: 100, AccumulatedScore: 0.2}, Rank: 2},
				{Worker: model.Worker{UID: 2, Credit: 0, AccumulatedScore: 0.7}, Rank: 1},
			},
			usage: []model.QuotaUsage{
				model.NewQuotaUsage(2, 9, 10),
				model.NewQuotaUsage(1, 1, 10),
			},
		}
		mux := newMux(deps)

		Convey("When listing workers", func() {
			w := do(mux, http.MethodGet, "/api/workers", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			body := decode(w)
			So(body["count"], ShouldEqual, 2.0)

			Convey("Then each row carries its uid and rank at the top level", func() {
				rows := body["workers"].([]any)
				first := rows[0].(map[string]any)
				So(first["uid"], ShouldEqual, 1.0)
				So(first["rank"], ShouldEqual, 2.0)
				So(first["credit"], ShouldEqual, 100.0)
			})
		})

		Convey("When reading quota with a limit", func() {
			w := do(mux, http.MethodGet, "/api/quota?limit=1", "")

			Convey("Then only the most used row is returned with the full count", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				body := decode(w)
				So(body["count"], ShouldEqual, 2.0)
				rows := body["usage"].([]any)
				So(rows, ShouldHaveLength, 1)
				So(rows[0].(map[string]any)["uid"], ShouldEqual, 2.0)
			})
		})

		Convey("When the limit is malformed", func() {
			w := do(mux, http.MethodGet, "/api/quota?limit=abc", "")
			So(w.Code, ShouldEqual, http.StatusBadRequest)
		})

		Convey("When the counter fails", func() {
			deps.usageErr = errors.New("redis down")
			w := do(mux, http.MethodGet, "/api/quota", "")
			So(w.Code, ShouldEqual, http.StatusServiceUnavailable)
		})
	})
}

func TestOrganicEndpoint(t *testing.T) {
	const body = `{"id":"req-1","model":"gpt-4o","messages":[{"role":"user","content":"hi"}],"max_tokens":64}`

	Convey("Given the admin API", t, func() {
		deps := &mockDeps{}
		mux := newMux(deps)

		Convey("When a payload is submitted", func() {
			w := do(mux, http.MethodPost, "/api/organic", body)

			Convey("Then it is accepted as an organic streaming payload", func() {
				So(w.Code, ShouldEqual, http.StatusAccepted)
				So(decode(w)["status"], ShouldEqual, "accepted")
				So(deps.pushed, ShouldHaveLength, 1)
				So(deps.pushed[0].Organic, ShouldBeTrue)
				So(deps.pushed[0].Stream, ShouldBeTrue)
			})

			Convey("And resubmitting the same id is a duplicate", func() {
				w2 := do(mux, http.MethodPost, "/api/organic", body)
				So(w2.Code, ShouldEqual, http.StatusOK)
				So(decode(w2)["duplicate"], ShouldEqual, true)
				So(deps.pushed, ShouldHaveLength, 1)
			})
		})

		Convey("When the id is missing one is generated", func() {
			w := do(mux, http.MethodPost, "/api/organic", `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`)
			So(w.Code, ShouldEqual, http.StatusAccepted)
			So(decode(w)["id"], ShouldNotBeEmpty)
		})

		Convey("When the queue is full", func() {
			deps.pushErr = fmt.Errorf("%w: organic lane", api.ErrBackpressure)
			w := do(mux, http.MethodPost, "/api/organic", body)

			Convey("Then it reports backpressure and forgets the id", func() {
				So(w.Code, ShouldEqual, http.StatusTooManyRequests)
				So(deps.Size(), ShouldEqual, int64(0))
			})
		})

		Convey("When the model is unknown", func() {
			deps.pushErr = fmt.Errorf("%w: nope", model.ErrUnknownProfile)
			w := do(mux, http.MethodPost, "/api/organic", body)
			So(w.Code, ShouldEqual, http.StatusBadRequest)
		})

		Convey("When messages are missing", func() {
			w := do(mux, http.MethodPost, "/api/organic", `{"model":"gpt-4o"}`)
			So(w.Code, ShouldEqual, http.StatusBadRequest)
		})
	})
}

func TestHealthAndStats(t *testing.T) {
	Convey("Given the admin API", t, func() {
		mux := newMux(&mockDeps{})

		Convey("Then /healthz exposes prometheus text", func() {
			w := do(mux, http.MethodGet, "/healthz", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Body.String(), ShouldContainSubstring, "# HELP")
		})

		Convey("Then /stats returns the provider map", func() {
			w := do(mux, http.MethodGet, "/stats", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(decode(w)["started"], ShouldEqual, true)
		})
	})
}

func TestRegisterNilMux(t *testing.T) {
	Convey("Given a nil mux", t, func() {
		srv := api.NewServer(&mockDeps{}, mockStats{})
		So(func() { srv.Register(context.Background(), nil) }, ShouldPanic)
	})
}
