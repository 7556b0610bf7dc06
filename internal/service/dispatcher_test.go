package service_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"maven-proxy-go/internal/config"
	"maven-proxy-go/internal/metrics"
	"maven-proxy-go/internal/model"
	"maven-proxy-go/internal/service"
)

// reply scripts what a fake backend host answers.
type reply struct {
	status int
	body   string
	delay  time.Duration
	err    error
}

type fakeDoer struct {
	mu      sync.Mutex
	replies map[string]reply
	calls   []*http.Request
}

func newFakeDoer(replies map[string]reply) *fakeDoer {
	return &fakeDoer{replies: replies}
}

func (f *fakeDoer) Do(req *http.Request) (*model.ProxyResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	r, ok := f.replies[req.URL.Host]
	f.mu.Unlock()

	if !ok {
		r = reply{status: http.StatusNotFound}
	}
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-req.Context().Done():
			return nil, req.Context().Err()
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	return &model.ProxyResponse{
		StatusCode: r.status,
		Header:     http.Header{"X-Served-By": {req.URL.Host}},
		Body:       io.NopCloser(strings.NewReader(r.body)),
	}, nil
}

func (f *fakeDoer) requests() []*http.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*http.Request(nil), f.calls...)
}

func (f *fakeDoer) urls() []string {
	var out []string
	for _, r := range f.requests() {
		out = append(out, r.URL.String())
	}
	return out
}

func newDispatcher(doer service.Doer, m *metrics.Metrics, timeout time.Duration, policy string, repos ...string) *service.Dispatcher {
	cfg := config.Default()
	cfg.Upstream.Repositories = repos
	cfg.Upstream.Timeout = config.Duration{Duration: timeout}
	cfg.Upstream.UnexpectedStatus = policy

	d, err := service.NewDispatcher(doer, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), m)
	Expect(err).NotTo(HaveOccurred())
	return d
}

func artifactRequest(method, path string) *model.ProxyRequest {
	return &model.ProxyRequest{Method: method, ArtifactPath: path, Header: http.Header{}}
}

func readWinner(res *model.RaceResult) string {
	GinkgoHelper()
	Expect(res.Winner).NotTo(BeNil())
	Expect(res.Winner.Response).NotTo(BeNil())
	defer func() { _ = res.Winner.Response.Body.Close() }()
	b, err := io.ReadAll(res.Winner.Response.Body)
	Expect(err).NotTo(HaveOccurred())
	return string(b)
}

const pom = "/org/x/lib/1.0/lib-1.0.pom"

var _ = Describe("Dispatcher", func() {
	var m *metrics.Metrics

	BeforeEach(func() {
		m = metrics.New()
	})

	Describe("NewDispatcher", func() {
		It("rejects a non-positive timeout", func() {
			cfg := config.Default()
			cfg.Upstream.Timeout = config.Duration{}
			_, err := service.NewDispatcher(newFakeDoer(nil), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
			Expect(err).To(MatchError(ContainSubstring("timeout")))
		})

		It("rejects an unparsable repository", func() {
			cfg := config.Default()
			cfg.Upstream.Repositories = []string{"http://bad host/"}
			_, err := service.NewDispatcher(newFakeDoer(nil), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
			Expect(err).To(HaveOccurred())
		})

		It("keeps backends in configuration order, duplicates included", func() {
			d := newDispatcher(newFakeDoer(nil), nil, time.Second, config.StatusPolicyNotFound,
				"https://b.example.org/m", "https://a.example.org/m", "https://b.example.org/m")
			var hosts []string
			for _, b := range d.Backends() {
				hosts = append(hosts, b.Host)
			}
			Expect(hosts).To(Equal([]string{"b.example.org", "a.example.org", "b.example.org"}))
		})

		It("does not let callers modify its backend list", func() {
			d := newDispatcher(newFakeDoer(nil), nil, time.Second, config.StatusPolicyNotFound,
				"https://a.example.org/m", "https://b.example.org/m")

			got := d.Backends()
			got[0].Host = "evil.example.org"
			got[1] = got[0]

			var hosts []string
			for _, b := range d.Backends() {
				hosts = append(hosts, b.Host)
			}
			Expect(hosts).To(Equal([]string{"a.example.org", "b.example.org"}))
		})
	})

	Describe("Dispatch", func() {
		It("reports exhaustion without calling anything when no backends are configured", func() {
			doer := newFakeDoer(nil)
			d := newDispatcher(doer, m, time.Second, config.StatusPolicyNotFound)

			res := d.Dispatch(context.Background(), artifactRequest(http.MethodGet, pom))

			Expect(res.Winner).To(BeNil())
			Expect(res.UnexpectedStatus).To(BeZero())
			Expect(doer.requests()).To(BeEmpty())
			Expect(testutil.ToFloat64(m.RaceResults.WithLabelValues(metrics.RaceExhausted))).To(Equal(1.0))
		})

		It("returns an accepting backend's response with its body", func() {
			doer := newFakeDoer(map[string]reply{
				"repo1.example.org": {status: http.StatusOK, body: "<project/>"},
			})
			d := newDispatcher(doer, m, time.Second, config.StatusPolicyNotFound, "https://repo1.example.org/maven2")

			res := d.Dispatch(context.Background(), artifactRequest(http.MethodGet, pom))

			Expect(res.Winner.StatusCode).To(Equal(http.StatusOK))
			Expect(res.Winner.Verdict).To(Equal(model.Accepted))
			Expect(res.Winner.Response.Header.Get("X-Served-By")).To(Equal("repo1.example.org"))
			Expect(readWinner(res)).To(Equal("<project/>"))
			Expect(doer.urls()).To(ConsistOf("https://repo1.example.org/maven2" + pom))
			Expect(testutil.ToFloat64(m.RaceResults.WithLabelValues(metrics.RaceWon))).To(Equal(1.0))
		})

		It("accepts 304 Not Modified", func() {
			doer := newFakeDoer(map[string]reply{
				"a.example.org": {status: http.StatusNotModified},
			})
			d := newDispatcher(doer, m, time.Second, config.StatusPolicyNotFound, "https://a.example.org/m")

			res := d.Dispatch(context.Background(), artifactRequest(http.MethodGet, pom))

			Expect(res.Winner).NotTo(BeNil())
			Expect(res.Winner.StatusCode).To(Equal(http.StatusNotModified))
			_ = res.Winner.Response.Body.Close()
		})

		It("reports exhaustion when every backend answers 404", func() {
			doer := newFakeDoer(nil)
			d := newDispatcher(doer, m, time.Second, config.StatusPolicyNotFound,
				"https://a.example.org/m", "https://b.example.org/m", "https://c.example.org/m")

			res := d.Dispatch(context.Background(), artifactRequest(http.MethodGet, pom))

			Expect(res.Winner).To(BeNil())
			Expect(res.UnexpectedStatus).To(BeZero())
			Expect(doer.requests()).To(HaveLen(3))
			Expect(testutil.ToFloat64(m.BackendOutcomes.WithLabelValues("b.example.org", "rejected"))).To(Equal(1.0))
		})

		It("lets a later acceptance win over earlier rejections and failures", func() {
			doer := newFakeDoer(map[string]reply{
				"missing.example.org": {status: http.StatusNotFound},
				"broken.example.org":  {err: errors.New("connection refused")},
				"slow.example.org":    {status: http.StatusOK, body: "jar", delay: 50 * time.Millisecond},
			})
			d := newDispatcher(doer, m, time.Second, config.StatusPolicyNotFound,
				"https://missing.example.org/m", "https://broken.example.org/m", "https://slow.example.org/m")

			res := d.Dispatch(context.Background(), artifactRequest(http.MethodGet, pom))

			Expect(res.Winner.Backend.Host).To(Equal("slow.example.org"))
			Expect(readWinner(res)).To(Equal("jar"))
			Expect(testutil.ToFloat64(m.BackendOutcomes.WithLabelValues("broken.example.org", "failed"))).To(Equal(1.0))
		})

		It("returns the first acceptance without waiting for slower backends", func() {
			doer := newFakeDoer(map[string]reply{
				"fast.example.org": {status: http.StatusOK, body: "fast"},
				"slow.example.org": {status: http.StatusOK, body: "slow", delay: 2 * time.Second},
			})
			d := newDispatcher(doer, m, 5*time.Second, config.StatusPolicyNotFound,
				"https://slow.example.org/m", "https://fast.example.org/m")

			start := time.Now()
			res := d.Dispatch(context.Background(), artifactRequest(http.MethodGet, pom))

			Expect(time.Since(start)).To(BeNumerically("<", time.Second))
			Expect(readWinner(res)).To(Equal("fast"))
		})

		It("drains stragglers in the background after the race is won", func() {
			doer := newFakeDoer(map[string]reply{
				"fast.example.org": {status: http.StatusOK},
				"late.example.org": {status: http.StatusNotFound, delay: 100 * time.Millisecond},
			})
			d := newDispatcher(doer, m, 5*time.Second, config.StatusPolicyNotFound,
				"https://late.example.org/m", "https://fast.example.org/m")

			res := d.Dispatch(context.Background(), artifactRequest(http.MethodGet, pom))
			_ = res.Winner.Response.Body.Close()

			Eventually(func() float64 {
				return testutil.ToFloat64(m.DrainedOutcomes.WithLabelValues("rejected"))
			}).WithTimeout(2 * time.Second).Should(Equal(1.0))
		})

		It("lets stragglers finish after the inbound request is canceled", func() {
			doer := newFakeDoer(map[string]reply{
				"fast.example.org": {status: http.StatusOK},
				"late.example.org": {status: http.StatusNotFound, delay: 100 * time.Millisecond},
			})
			d := newDispatcher(doer, m, 5*time.Second, config.StatusPolicyNotFound,
				"https://late.example.org/m", "https://fast.example.org/m")

			ctx, cancel := context.WithCancel(context.Background())
			res := d.Dispatch(ctx, artifactRequest(http.MethodGet, pom))
			_ = res.Winner.Response.Body.Close()
			cancel()

			Eventually(func() float64 {
				return testutil.ToFloat64(m.BackendOutcomes.WithLabelValues("late.example.org", "rejected"))
			}).WithTimeout(2 * time.Second).Should(Equal(1.0))
			Expect(testutil.ToFloat64(m.BackendOutcomes.WithLabelValues("late.example.org", "failed"))).To(BeZero())
		})

		It("fails a backend that exceeds the timeout", func() {
			doer := newFakeDoer(map[string]reply{
				"stuck.example.org": {status: http.StatusOK, delay: 10 * time.Second},
			})
			d := newDispatcher(doer, m, 50*time.Millisecond, config.StatusPolicyNotFound, "https://stuck.example.org/m")

			start := time.Now()
			res := d.Dispatch(context.Background(), artifactRequest(http.MethodGet, pom))

			Expect(time.Since(start)).To(BeNumerically("<", 2*time.Second))
			Expect(res.Winner).To(BeNil())
			Expect(res.UnexpectedStatus).To(BeZero())
			Expect(testutil.ToFloat64(m.BackendOutcomes.WithLabelValues("stuck.example.org", "failed"))).To(Equal(1.0))
		})

		It("keeps the race going when one backend times out", func() {
			doer := newFakeDoer(map[string]reply{
				"stuck.example.org": {status: http.StatusOK, delay: 10 * time.Second},
				"ok.example.org":    {status: http.StatusOK, body: "ok", delay: 20 * time.Millisecond},
			})
			d := newDispatcher(doer, m, 200*time.Millisecond, config.StatusPolicyNotFound,
				"https://stuck.example.org/m", "https://ok.example.org/m")

			res := d.Dispatch(context.Background(), artifactRequest(http.MethodGet, pom))

			Expect(readWinner(res)).To(Equal("ok"))
		})

		It("fails only the backend whose rewritten address is invalid", func() {
			doer := newFakeDoer(map[string]reply{
				"ok.example.org": {status: http.StatusOK, body: "ok"},
			})
			d := newDispatcher(doer, m, time.Second, config.StatusPolicyNotFound, "https://ok.example.org/m")

			res := d.Dispatch(context.Background(), artifactRequest(http.MethodGet, "/org/%zz/lib.pom"))

			Expect(res.Winner).To(BeNil())
			Expect(doer.requests()).To(BeEmpty())
			Expect(testutil.ToFloat64(m.BackendOutcomes.WithLabelValues("ok.example.org", "failed"))).To(Equal(1.0))
		})

		It("calls every configured backend exactly once, duplicates included", func() {
			doer := newFakeDoer(nil)
			d := newDispatcher(doer, m, time.Second, config.StatusPolicyNotFound,
				"https://a.example.org/m", "https://b.example.org/n", "https://a.example.org/m")

			_ = d.Dispatch(context.Background(), artifactRequest(http.MethodGet, pom))

			Expect(doer.urls()).To(ConsistOf(
				"https://a.example.org/m"+pom,
				"https://b.example.org/n"+pom,
				"https://a.example.org/m"+pom,
			))
		})

		It("forwards the method and end-to-end headers", func() {
			doer := newFakeDoer(map[string]reply{
				"a.example.org": {status: http.StatusOK},
			})
			d := newDispatcher(doer, m, time.Second, config.StatusPolicyNotFound, "https://a.example.org/m")

			pr := artifactRequest(http.MethodHead, pom+"?ts=1")
			pr.Header.Set("User-Agent", "Apache-Maven/3.9.6")
			pr.Header.Set("If-None-Match", `"etag"`)
			pr.Header.Set("Connection", "close")
			pr.Header.Set("Proxy-Authorization", "Basic xyz")

			res := d.Dispatch(context.Background(), pr)
			_ = res.Winner.Response.Body.Close()

			reqs := doer.requests()
			Expect(reqs).To(HaveLen(1))
			Expect(reqs[0].Method).To(Equal(http.MethodHead))
			Expect(reqs[0].URL.RawQuery).To(Equal("ts=1"))
			Expect(reqs[0].Header.Get("User-Agent")).To(Equal("Apache-Maven/3.9.6"))
			Expect(reqs[0].Header.Get("If-None-Match")).To(Equal(`"etag"`))
			Expect(reqs[0].Header.Get("Connection")).To(BeEmpty())
			Expect(reqs[0].Header.Get("Proxy-Authorization")).To(BeEmpty())
		})

		Context("with an unexpected backend status", func() {
			var doer *fakeDoer

			BeforeEach(func() {
				doer = newFakeDoer(map[string]reply{
					"error.example.org": {status: http.StatusInternalServerError, body: "boom"},
				})
			})

			It("treats it as a miss under the not_found policy", func() {
				d := newDispatcher(doer, m, time.Second, config.StatusPolicyNotFound,
					"https://error.example.org/m", "https://missing.example.org/m")

				res := d.Dispatch(context.Background(), artifactRequest(http.MethodGet, pom))

				Expect(res.Winner).To(BeNil())
				Expect(res.UnexpectedStatus).To(BeZero())
				Expect(testutil.ToFloat64(m.RaceResults.WithLabelValues(metrics.RaceExhausted))).To(Equal(1.0))
			})

			It("reports it under the bad_gateway policy once the race is exhausted", func() {
				d := newDispatcher(doer, m, time.Second, config.StatusPolicyBadGateway,
					"https://error.example.org/m", "https://missing.example.org/m")

				res := d.Dispatch(context.Background(), artifactRequest(http.MethodGet, pom))

				Expect(res.Winner).To(BeNil())
				Expect(res.UnexpectedStatus).To(Equal(http.StatusInternalServerError))
				Expect(testutil.ToFloat64(m.RaceResults.WithLabelValues(metrics.RaceBadGateway))).To(Equal(1.0))
			})

			It("still lets another backend win under the bad_gateway policy", func() {
				doer.replies["ok.example.org"] = reply{status: http.StatusOK, body: "ok", delay: 50 * time.Millisecond}
				d := newDispatcher(doer, m, time.Second, config.StatusPolicyBadGateway,
					"https://error.example.org/m", "https://ok.example.org/m")

				res := d.Dispatch(context.Background(), artifactRequest(http.MethodGet, pom))

				Expect(readWinner(res)).To(Equal("ok"))
			})
		})
	})
})
