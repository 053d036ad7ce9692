package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/randalmurphal/comet/pkg/comet/api"
	"github.com/randalmurphal/comet/pkg/comet/event"
	"github.com/randalmurphal/comet/pkg/comet/store"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func sampleGroup(state store.State) *store.Group {
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	return &store.Group{
		Key:        store.Key{SourceType: "forseti", Fingerprint: "forseti_abc"},
		Generation: 2,
		State:      state,
		Owner:      "alice@example.com",
		Members: []event.Record{{
			ID:          "r1",
			SourceType:  "forseti",
			Fingerprint: "forseti_abc",
			Owner:       "alice@example.com",
			Metadata: map[string]any{
				"source_readable":     "Forseti Scanner",
				"resource_readable":   "Bucket logs",
				"issue_type_readable": "Public bucket",
			},
			ReceivedAt: now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func do(router http.Handler, method, path string, body []byte, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

var _ = Describe("Router", func() {
	var (
		router *gin.Engine
		svc    *mockService
	)

	BeforeEach(func() {
		gin.SetMode(gin.TestMode)
		svc = &mockService{}
		router = api.NewRouter(svc, api.Config{Registry: prometheus.NewRegistry()}, quietLogger)
	})

	It("reports health", func() {
		w := do(router, http.MethodGet, "/health", nil)
		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(w.Body.String()).To(ContainSubstring(`"ok"`))
	})

	Describe("GET /api/v1/groups", func() {
		It("passes filters to the service", func() {
			var got store.Filter
			svc.groupsFn = func(_ context.Context, f store.Filter) ([]*store.Group, error) {
				got = f
				return []*store.Group{sampleGroup(store.StateRouted)}, nil
			}

			w := do(router, http.MethodGet, "/api/v1/groups?source_type=forseti&state=routed,ready&owner=alice@example.com", nil)

			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(got.SourceType).To(Equal("forseti"))
			Expect(got.Owner).To(Equal("alice@example.com"))
			Expect(got.States).To(Equal([]store.State{store.StateRouted, store.StateReady}))
			Expect(got.Limit).To(Equal(100))

			var resp struct {
				Groups []api.GroupResponse `json:"groups"`
			}
			Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
			Expect(resp.Groups).To(HaveLen(1))
			Expect(resp.Groups[0].State).To(Equal("ROUTED"))
			Expect(resp.Groups[0].Members).To(Equal(1))
			Expect(resp.Groups[0].Generation).To(Equal(int64(2)))
		})

		It("rejects unknown states", func() {
			w := do(router, http.MethodGet, "/api/v1/groups?state=bogus", nil)
			Expect(w.Code).To(Equal(http.StatusBadRequest))
		})

		It("rejects bad limits", func() {
			w := do(router, http.MethodGet, "/api/v1/groups?limit=-1", nil)
			Expect(w.Code).To(Equal(http.StatusBadRequest))
		})

		It("returns 500 when the store fails", func() {
			svc.groupsFn = func(context.Context, store.Filter) ([]*store.Group, error) {
				return nil, errors.New("boom")
			}
			w := do(router, http.MethodGet, "/api/v1/groups", nil)
			Expect(w.Code).To(Equal(http.StatusInternalServerError))
		})
	})

	Describe("GET /api/v1/groups/:source_type/:fingerprint", func() {
		It("returns the group with rendered events", func() {
			svc.groupFn = func(_ context.Context, key store.Key) (*store.Group, error) {
				Expect(key).To(Equal(store.Key{SourceType: "forseti", Fingerprint: "forseti_abc"}))
				return sampleGroup(store.StateCollecting), nil
			}

			w := do(router, http.MethodGet, "/api/v1/groups/forseti/forseti_abc", nil)

			Expect(w.Code).To(Equal(http.StatusOK))
			var resp api.GroupDetailResponse
			Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
			Expect(resp.Events).To(HaveLen(1))
			Expect(resp.Events[0].Details).To(Equal(
				"Forseti Scanner alert for owner alice@example.com: Bucket logs has the following issue: Public bucket"))
		})

		It("returns 404 for unknown groups", func() {
			w := do(router, http.MethodGet, "/api/v1/groups/forseti/missing", nil)
			Expect(w.Code).To(Equal(http.StatusNotFound))
		})
	})

	Describe("GET /api/v1/events", func() {
		It("requires an owner", func() {
			w := do(router, http.MethodGet, "/api/v1/events", nil)
			Expect(w.Code).To(Equal(http.StatusBadRequest))
		})

		It("lists the owner's events", func() {
			svc.recordsFn = func(_ context.Context, f store.RecordFilter) ([]event.Record, error) {
				Expect(f.Owner).To(Equal("alice@example.com"))
				Expect(f.Limit).To(Equal(10))
				return sampleGroup(store.StateRouted).Members, nil
			}

			w := do(router, http.MethodGet, "/api/v1/events?owner=alice@example.com&limit=10", nil)

			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(w.Body.String()).To(ContainSubstring("has the following issue: Public bucket"))
		})
	})

	Describe("GET /api/v1/quarantine", func() {
		It("lists quarantined messages", func() {
			svc.quarantinedFn = func(_ context.Context, limit int) ([]event.QuarantinedMessage, error) {
				Expect(limit).To(Equal(1000))
				return []event.QuarantinedMessage{{ID: 1, SourceType: "x", Reason: event.ReasonUnknownSource}}, nil
			}

			w := do(router, http.MethodGet, "/api/v1/quarantine?limit=5000", nil)

			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(w.Body.String()).To(ContainSubstring(event.ReasonUnknownSource))
		})
	})

	Describe("POST /api/v1/acknowledge", func() {
		It("acknowledges a group", func() {
			svc.acknowledgeFn = func(_ context.Context, key store.Key, generation int64) (bool, error) {
				Expect(key.Fingerprint).To(Equal("forseti_abc"))
				Expect(generation).To(Equal(int64(2)))
				return true, nil
			}
			body, _ := json.Marshal(map[string]any{"source_type": "forseti", "fingerprint": "forseti_abc", "generation": 2})

			w := do(router, http.MethodPost, "/api/v1/acknowledge", body)

			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(w.Body.String()).To(MatchJSON(`{"acknowledged":true}`))
		})

		It("returns 400 on invalid request body", func() {
			w := do(router, http.MethodPost, "/api/v1/acknowledge", []byte(`{"source_type":"forseti"}`))
			Expect(w.Code).To(Equal(http.StatusBadRequest))
		})

		It("returns 500 when the engine fails", func() {
			svc.acknowledgeFn = func(context.Context, store.Key, int64) (bool, error) {
				return false, errors.New("boom")
			}
			w := do(router, http.MethodPost, "/api/v1/acknowledge", []byte(`{"source_type":"a","fingerprint":"b"}`))
			Expect(w.Code).To(Equal(http.StatusInternalServerError))
		})
	})

	It("serves group metrics", func() {
		svc.groupsFn = func(context.Context, store.Filter) ([]*store.Group, error) {
			return []*store.Group{sampleGroup(store.StateRouted), sampleGroup(store.StateRouted)}, nil
		}
		w := do(router, http.MethodGet, "/metrics", nil)
		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(w.Body.String()).To(ContainSubstring(`comet_groups{source_type="forseti",state="ROUTED"} 2`))
		Expect(w.Body.String()).To(ContainSubstring("comet_store_up 1"))
	})
})

var _ = Describe("BearerAuth", func() {
	var router *gin.Engine

	BeforeEach(func() {
		gin.SetMode(gin.TestMode)
		router = api.NewRouter(&mockService{}, api.Config{Token: "s3cret", Registry: prometheus.NewRegistry()}, quietLogger)
	})

	It("rejects missing credentials", func() {
		w := do(router, http.MethodGet, "/api/v1/groups", nil)
		Expect(w.Code).To(Equal(http.StatusUnauthorized))
		Expect(w.Header().Get("WWW-Authenticate")).To(HavePrefix("Bearer"))
	})

	It("rejects a wrong token", func() {
		w := do(router, http.MethodGet, "/api/v1/groups", nil, "Authorization", "Bearer nope")
		Expect(w.Code).To(Equal(http.StatusUnauthorized))
	})

	It("accepts the configured token", func() {
		w := do(router, http.MethodGet, "/api/v1/groups", nil, "Authorization", "Bearer s3cret")
		Expect(w.Code).To(Equal(http.StatusOK))
	})

	It("leaves health open", func() {
		w := do(router, http.MethodGet, "/health", nil)
		Expect(w.Code).To(Equal(http.StatusOK))
	})
})

var _ = Describe("GroupCollector", func() {
	It("reports store failures as down", func() {
		svc := &mockService{groupsFn: func(context.Context, store.Filter) ([]*store.Group, error) {
			return nil, errors.New("down")
		}}
		c := api.NewGroupCollector(svc, quietLogger)
		Expect(testutil.CollectAndCompare(c, strings.NewReader(`
# HELP comet_store_up Whether the last scrape could read the store.
# TYPE comet_store_up gauge
comet_store_up 0
`), "comet_store_up")).To(Succeed())
	})
})

var _ = Describe("Details", func() {
	It("fills unknown fields", func() {
		r := event.Record{Owner: "bob@example.com"}
		Expect(api.Details(r)).To(Equal("unknown alert for owner bob@example.com: unknown has the following issue: unknown"))
	})
})
