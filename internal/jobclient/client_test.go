package jobclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"JobChat/internal/backend"
)

// ---------------------------------------------------------------------------
// fakes
// ---------------------------------------------------------------------------

// fakeBackend serves /start and /result. pollReply decides the answer to the
// n-th result request (1-based).
type fakeBackend struct {
	mu         sync.Mutex
	starts     int
	polls      int
	jobID      string
	startCode  int
	startBody  string
	lastStart  backend.StartRequest
	polledJobs []string
	pollReply  func(n int) (int, backend.Job)
}

func (f *fakeBackend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.starts++
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&f.lastStart)
		if f.startCode != 0 {
			w.WriteHeader(f.startCode)
		}
		if f.startBody != "" {
			_, _ = w.Write([]byte(f.startBody))
			return
		}
		_ = json.NewEncoder(w).Encode(backend.StartResponse{JobID: f.jobID})
	})
	mux.HandleFunc("/result", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.polls++
		n := f.polls
		f.polledJobs = append(f.polledJobs, r.URL.Query().Get("job_id"))
		reply := f.pollReply
		f.mu.Unlock()

		code, job := http.StatusOK, backend.Job{Status: backend.StatusPending}
		if reply != nil {
			code, job = reply(n)
		}
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(job)
	})
	return mux
}

func (f *fakeBackend) counts() (starts, polls int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.polls
}

// fakeClock records every requested sleep without waiting.
type fakeClock struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (f *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sleeps = append(f.sleeps, d)
	return nil
}

func (f *fakeClock) recorded() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.sleeps...)
}

// flakyTransport fails the first n requests that use method.
type flakyTransport struct {
	mu     sync.Mutex
	base   http.RoundTripper
	method string
	n      int
	failed int
}

func (t *flakyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.mu.Lock()
	if req.Method == t.method && t.failed < t.n {
		t.failed++
		t.mu.Unlock()
		return nil, errors.New("connection reset by peer")
	}
	t.mu.Unlock()
	return t.base.RoundTrip(req)
}

func completedOn(k int, text string) func(n int) (int, backend.Job) {
	return func(n int) (int, backend.Job) {
		if n == k {
			return http.StatusOK, backend.Job{Status: backend.StatusCompleted, Response: text}
		}
		return http.StatusOK, backend.Job{Status: backend.StatusPending}
	}
}

func newTestClient(t *testing.T, srv *httptest.Server, clock *fakeClock, opts ...Option) *Client {
	t.Helper()
	base := []Option{
		WithSleep(clock.Sleep),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithHTTPClient(srv.Client()),
	}
	c, err := New(srv.URL+"/start", srv.URL+"/result", append(base, opts...)...)
	require.NoError(t, err)
	return c
}

// ---------------------------------------------------------------------------
// New
// ---------------------------------------------------------------------------

func TestNew_Validation(t *testing.T) {
	cases := []struct {
		name      string
		start     string
		result    string
		errSubstr string
	}{
		{"empty start", "", "https://api.example.com/result", "start url must not be empty"},
		{"empty result", "https://api.example.com/start", "", "result url"},
		{"bad scheme", "ftp://api.example.com/start", "https://api.example.com/result", "unsupported scheme"},
		{"missing host", "https://api.example.com/start", "https:///result", "missing host"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.start, tc.result)
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.errSubstr)
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	c, err := New("https://api.example.com/start", "https://api.example.com/result",
		WithMaxAttempts(0), WithPollInterval(-time.Second), WithHTTPClient(nil))
	require.NoError(t, err)
	require.Equal(t, DefaultMaxAttempts, c.maxAttempts)
	require.Equal(t, DefaultPollInterval, c.pollInterval)
	require.NotNil(t, c.httpClient)
	require.Equal(t, DefaultRequestTimeout, c.httpClient.Timeout)
}

func TestPollURL_KeepsExistingQuery(t *testing.T) {
	c, err := New("https://api.example.com/start", "https://api.example.com/dev/result?stage=dev")
	require.NoError(t, err)
	require.Equal(t, "https://api.example.com/dev/result?job_id=abc+123&stage=dev", c.pollURL("abc 123"))
}

// ---------------------------------------------------------------------------
// Submit: success paths
// ---------------------------------------------------------------------------

func TestSubmit_CompletesOnAttemptK(t *testing.T) {
	for _, k := range []int{1, 7, DefaultMaxAttempts} {
		t.Run(fmt.Sprintf("attempt_%d", k), func(t *testing.T) {
			fb := &fakeBackend{jobID: "job-1", pollReply: completedOn(k, "the answer")}
			srv := httptest.NewServer(fb.handler())
			defer srv.Close()
			clock := &fakeClock{}

			got, err := newTestClient(t, srv, clock).Submit(context.Background(), "what is up?", "sess-1")
			require.NoError(t, err)
			require.Equal(t, "the answer", got)

			starts, polls := fb.counts()
			require.Equal(t, 1, starts)
			require.Equal(t, k, polls)
			require.Len(t, clock.recorded(), k)
		})
	}
}

func TestSubmit_SendsQuestionSessionAndJobID(t *testing.T) {
	fb := &fakeBackend{jobID: "job-42", pollReply: completedOn(2, "ok")}
	srv := httptest.NewServer(fb.handler())
	defer srv.Close()

	_, err := newTestClient(t, srv, &fakeClock{}).Submit(context.Background(), "How are sales?", "sess-abc")
	require.NoError(t, err)

	require.Equal(t, "How are sales?", fb.lastStart.Question)
	require.Equal(t, "sess-abc", fb.lastStart.SessionID)
	require.Equal(t, []string{"job-42", "job-42"}, fb.polledJobs)
}

func TestSubmit_CompletedWithoutResponse(t *testing.T) {
	fb := &fakeBackend{jobID: "job-1", pollReply: func(int) (int, backend.Job) {
		return http.StatusOK, backend.Job{Status: backend.StatusCompleted}
	}}
	srv := httptest.NewServer(fb.handler())
	defer srv.Close()

	got, err := newTestClient(t, srv, &fakeClock{}).Submit(context.Background(), "q", "s")
	require.NoError(t, err)
	require.Empty(t, got)
}

// ---------------------------------------------------------------------------
// Submit: timeout and transient poll failures
// ---------------------------------------------------------------------------

func TestSubmit_TimesOutAfterMaxAttempts(t *testing.T) {
	fb := &fakeBackend{jobID: "job-1", pollReply: func(int) (int, backend.Job) {
		return http.StatusOK, backend.Job{Status: "processing"}
	}}
	srv := httptest.NewServer(fb.handler())
	defer srv.Close()
	clock := &fakeClock{}

	_, err := newTestClient(t, srv, clock).Submit(context.Background(), "q", "s")
	require.Error(t, err)
	require.ErrorIs(t, err, ErrTimeout)
	require.Equal(t, TimeoutMessage, UserMessage(err))

	var jobErr *Error
	require.ErrorAs(t, err, &jobErr)
	require.Equal(t, "job-1", jobErr.JobID)

	_, polls := fb.counts()
	require.Equal(t, DefaultMaxAttempts, polls)
	sleeps := clock.recorded()
	require.Len(t, sleeps, DefaultMaxAttempts)
	for _, d := range sleeps {
		require.GreaterOrEqual(t, d, 2*time.Second)
	}
}

func TestSubmit_HonoursConfiguredBudget(t *testing.T) {
	fb := &fakeBackend{jobID: "job-1"}
	srv := httptest.NewServer(fb.handler())
	defer srv.Close()
	clock := &fakeClock{}

	_, err := newTestClient(t, srv, clock, WithMaxAttempts(5), WithPollInterval(250*time.Millisecond)).
		Submit(context.Background(), "q", "s")
	require.ErrorIs(t, err, ErrTimeout)

	_, polls := fb.counts()
	require.Equal(t, 5, polls)
	require.Equal(t, []time.Duration{
		250 * time.Millisecond, 250 * time.Millisecond, 250 * time.Millisecond,
		250 * time.Millisecond, 250 * time.Millisecond,
	}, clock.recorded())
}

func TestSubmit_TransientTransportErrorsDoNotAbort(t *testing.T) {
	fb := &fakeBackend{jobID: "job-1", pollReply: completedOn(1, "recovered")}
	srv := httptest.NewServer(fb.handler())
	defer srv.Close()

	transport := &flakyTransport{base: srv.Client().Transport, method: http.MethodGet, n: 5}
	c := newTestClient(t, srv, &fakeClock{}, WithHTTPClient(&http.Client{Transport: transport}))

	got, err := c.Submit(context.Background(), "q", "s")
	require.NoError(t, err)
	require.Equal(t, "recovered", got)
	require.Equal(t, 5, transport.failed)

	// the five failed attempts never reached the server; the sixth did
	_, polls := fb.counts()
	require.Equal(t, 1, polls)
}

func TestSubmit_ServerErrorsWhilePollingAreRetried(t *testing.T) {
	fb := &fakeBackend{jobID: "job-1", pollReply: func(n int) (int, backend.Job) {
		if n <= 5 {
			return http.StatusBadGateway, backend.Job{}
		}
		return http.StatusOK, backend.Job{Status: backend.StatusCompleted, Response: "done"}
	}}
	srv := httptest.NewServer(fb.handler())
	defer srv.Close()

	got, err := newTestClient(t, srv, &fakeClock{}).Submit(context.Background(), "q", "s")
	require.NoError(t, err)
	require.Equal(t, "done", got)

	_, polls := fb.counts()
	require.Equal(t, 6, polls)
}

func TestSubmit_EarlyAbortAfterConsecutiveErrors(t *testing.T) {
	fb := &fakeBackend{jobID: "job-1", pollReply: func(int) (int, backend.Job) {
		return http.StatusServiceUnavailable, backend.Job{}
	}}
	srv := httptest.NewServer(fb.handler())
	defer srv.Close()

	_, err := newTestClient(t, srv, &fakeClock{}, WithMaxConsecutiveErrors(3)).
		Submit(context.Background(), "q", "s")
	require.ErrorIs(t, err, ErrPollTransport)

	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusServiceUnavailable, statusErr.HTTPStatusCode())

	_, polls := fb.counts()
	require.Equal(t, 3, polls)
}

func TestSubmit_EarlyAbortCounterResetsOnSuccess(t *testing.T) {
	fb := &fakeBackend{jobID: "job-1", pollReply: func(n int) (int, backend.Job) {
		switch {
		case n == 8:
			return http.StatusOK, backend.Job{Status: backend.StatusCompleted, Response: "fine"}
		case n%2 == 0:
			return http.StatusOK, backend.Job{Status: backend.StatusPending}
		default:
			return http.StatusInternalServerError, backend.Job{}
		}
	}}
	srv := httptest.NewServer(fb.handler())
	defer srv.Close()

	got, err := newTestClient(t, srv, &fakeClock{}, WithMaxConsecutiveErrors(2)).
		Submit(context.Background(), "q", "s")
	require.NoError(t, err)
	require.Equal(t, "fine", got)
}

// ---------------------------------------------------------------------------
// Submit: submission failures
// ---------------------------------------------------------------------------

func TestSubmit_StartFailures(t *testing.T) {
	cases := []struct {
		name      string
		code      int
		body      string
		wantCode  int
		errSubstr string
	}{
		{name: "missing job id", body: `{}`, errSubstr: "missing_job_id"},
		{name: "blank job id", body: `{"job_id":"  "}`, errSubstr: "missing_job_id"},
		{name: "malformed body", body: `{"job_id":`, errSubstr: "unmarshal"},
		{name: "server error", code: http.StatusInternalServerError, body: `{"message":"boom"}`, wantCode: http.StatusInternalServerError, errSubstr: "boom"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fb := &fakeBackend{startCode: tc.code, startBody: tc.body}
			srv := httptest.NewServer(fb.handler())
			defer srv.Close()
			clock := &fakeClock{}

			_, err := newTestClient(t, srv, clock).Submit(context.Background(), "q", "s")
			require.ErrorIs(t, err, ErrSubmissionFailed)
			require.Contains(t, err.Error(), tc.errSubstr)
			if tc.wantCode != 0 {
				var statusErr *HTTPStatusError
				require.ErrorAs(t, err, &statusErr)
				require.Equal(t, tc.wantCode, statusErr.StatusCode)
			}

			starts, polls := fb.counts()
			require.Equal(t, 1, starts)
			require.Zero(t, polls)
			require.Empty(t, clock.recorded())
		})
	}
}

func TestSubmit_StartNetworkError(t *testing.T) {
	fb := &fakeBackend{jobID: "job-1"}
	srv := httptest.NewServer(fb.handler())
	defer srv.Close()

	transport := &flakyTransport{base: srv.Client().Transport, method: http.MethodPost, n: 1}
	c := newTestClient(t, srv, &fakeClock{}, WithHTTPClient(&http.Client{Transport: transport}))

	_, err := c.Submit(context.Background(), "q", "s")
	require.ErrorIs(t, err, ErrSubmissionFailed)
	require.Contains(t, err.Error(), "connection reset")

	// no retry of the submission, no polling
	starts, polls := fb.counts()
	require.Zero(t, starts)
	require.Zero(t, polls)
	require.Equal(t, 1, transport.failed)
}

func TestSubmit_EmptyQuestionMakesNoRequests(t *testing.T) {
	fb := &fakeBackend{jobID: "job-1"}
	srv := httptest.NewServer(fb.handler())
	defer srv.Close()

	_, err := newTestClient(t, srv, &fakeClock{}).Submit(context.Background(), "   ", "s")
	require.ErrorIs(t, err, ErrSubmissionFailed)

	starts, polls := fb.counts()
	require.Zero(t, starts)
	require.Zero(t, polls)
}

// ---------------------------------------------------------------------------
// Submit: cancellation and progress
// ---------------------------------------------------------------------------

func TestSubmit_ContextCancelledDuringWait(t *testing.T) {
	fb := &fakeBackend{jobID: "job-1"}
	srv := httptest.NewServer(fb.handler())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	polls := 0
	c := newTestClient(t, srv, &fakeClock{}, WithProgress(func(p Progress) {
		if p.State == StatePolling {
			polls++
			if polls == 3 {
				cancel()
			}
		}
	}))

	_, err := c.Submit(ctx, "q", "s")
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, "Request cancelled.", UserMessage(err))
	require.Equal(t, 3, polls)
}

func TestSubmit_DefaultSleepHonoursContext(t *testing.T) {
	fb := &fakeBackend{jobID: "job-1"}
	srv := httptest.NewServer(fb.handler())
	defer srv.Close()

	c, err := New(srv.URL+"/start", srv.URL+"/result",
		WithHTTPClient(srv.Client()),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithPollInterval(time.Hour),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = c.Submit(ctx, "q", "s")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	_, polls := fb.counts()
	require.Zero(t, polls)
}

func TestSubmit_ReportsStateTransitions(t *testing.T) {
	fb := &fakeBackend{jobID: "job-7", pollReply: completedOn(2, "hi")}
	srv := httptest.NewServer(fb.handler())
	defer srv.Close()

	var got []Progress
	c := newTestClient(t, srv, &fakeClock{}, WithProgress(func(p Progress) { got = append(got, p) }))

	_, err := c.Submit(context.Background(), "q", "s")
	require.NoError(t, err)
	require.Equal(t, []Progress{
		{State: StateSubmitting},
		{State: StatePolling, JobID: "job-7", Attempt: 1},
		{State: StatePolling, JobID: "job-7", Attempt: 2},
		{State: StateCompleted},
	}, got)
	require.True(t, got[len(got)-1].State.Terminal())
}

func TestSubmit_ReportsFailure(t *testing.T) {
	fb := &fakeBackend{startBody: `{}`}
	srv := httptest.NewServer(fb.handler())
	defer srv.Close()

	var states []State
	c := newTestClient(t, srv, &fakeClock{}, WithProgress(func(p Progress) { states = append(states, p.State) }))

	_, err := c.Submit(context.Background(), "q", "s")
	require.Error(t, err)
	require.Equal(t, []State{StateSubmitting, StateFailed}, states)
}
