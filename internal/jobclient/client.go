package jobclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"JobChat/internal/backend"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultMaxAttempts    = 60
	DefaultPollInterval   = 2 * time.Second
	DefaultRequestTimeout = 30 * time.Second

	instrumentationName = "jobchat"
	maxErrorBody        = 512
)

// Client submits questions to the start endpoint and polls the result
// endpoint until the job completes or the attempt budget runs out.
//
// A Client holds no per-job state, so it can be shared. Each Submit call runs
// its own poll loop; two callers must not poll the same job concurrently.
type Client struct {
	startURL   string
	resultURL  *url.URL
	httpClient *http.Client
	logger     *slog.Logger
	tracer     trace.Tracer
	meter      metric.Meter

	maxAttempts          int
	pollInterval         time.Duration
	maxConsecutiveErrors int
	sleep                func(ctx context.Context, d time.Duration) error
	progress             ProgressFunc

	submissions     metric.Int64Counter
	pollAttempts    metric.Int64Counter
	pollErrors      metric.Int64Counter
	requestDuration metric.Float64Histogram
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(c *Client) {
		c.tracer = tracer
	}
}

func WithMeter(meter metric.Meter) Option {
	return func(c *Client) {
		c.meter = meter
	}
}

// WithMaxAttempts bounds the number of result requests per submission.
func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		c.maxAttempts = n
	}
}

// WithPollInterval sets the delay that precedes every poll attempt.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		c.pollInterval = d
	}
}

// WithMaxConsecutiveErrors gives up polling after n transport errors in a
// row. Zero keeps polling through errors until the attempt budget is spent.
func WithMaxConsecutiveErrors(n int) Option {
	return func(c *Client) {
		c.maxConsecutiveErrors = n
	}
}

// WithSleep replaces the inter-poll wait, mainly so tests can run on a fake clock.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) {
		c.sleep = sleep
	}
}

func WithProgress(fn ProgressFunc) Option {
	return func(c *Client) {
		c.progress = fn
	}
}

// New creates a Client for the given start and result endpoints.
func New(startURL, resultURL string, opts ...Option) (*Client, error) {
	startURL = strings.TrimSpace(startURL)
	if startURL == "" {
		return nil, errors.New("jobclient: start url must not be empty")
	}
	if _, err := parseEndpoint(startURL); err != nil {
		return nil, fmt.Errorf("jobclient: start url: %w", err)
	}
	result, err := parseEndpoint(strings.TrimSpace(resultURL))
	if err != nil {
		return nil, fmt.Errorf("jobclient: result url: %w", err)
	}

	c := &Client{
		startURL:     startURL,
		resultURL:    result,
		httpClient:   &http.Client{Timeout: DefaultRequestTimeout},
		logger:       slog.Default(),
		maxAttempts:  DefaultMaxAttempts,
		pollInterval: DefaultPollInterval,
		sleep:        sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: DefaultRequestTimeout}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer(instrumentationName)
	}
	if c.meter == nil {
		c.meter = otel.Meter(instrumentationName)
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = DefaultMaxAttempts
	}
	if c.pollInterval <= 0 {
		c.pollInterval = DefaultPollInterval
	}
	if c.maxConsecutiveErrors < 0 {
		c.maxConsecutiveErrors = 0
	}
	if c.sleep == nil {
		c.sleep = sleepContext
	}

	if err := c.initInstruments(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) initInstruments() error {
	var err error
	c.submissions, err = c.meter.Int64Counter(
		"jobchat.submissions",
		metric.WithDescription("Questions submitted, by outcome"),
	)
	if err != nil {
		return fmt.Errorf("jobclient: create submissions counter: %w", err)
	}
	c.pollAttempts, err = c.meter.Int64Counter(
		"jobchat.poll.attempts",
		metric.WithDescription("Result endpoint requests"),
	)
	if err != nil {
		return fmt.Errorf("jobclient: create poll attempts counter: %w", err)
	}
	c.pollErrors, err = c.meter.Int64Counter(
		"jobchat.poll.errors",
		metric.WithDescription("Result endpoint requests that failed and were retried"),
	)
	if err != nil {
		return fmt.Errorf("jobclient: create poll errors counter: %w", err)
	}
	c.requestDuration, err = c.meter.Float64Histogram(
		"http.client.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return fmt.Errorf("jobclient: create request duration histogram: %w", err)
	}
	return nil
}

// Submit starts a job for question and blocks until it completes, polling
// fails for good, or ctx is done. The start request is sent exactly once.
func (c *Client) Submit(ctx context.Context, question, sessionID string) (answer string, err error) {
	ctx, span := c.tracer.Start(ctx, "jobchat.submit",
		trace.WithAttributes(attribute.String("jobchat.session_id", sessionID)),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		outcome := "completed"
		if err != nil {
			outcome = outcomeOf(err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.notify(Progress{State: StateFailed, Err: err})
			c.logger.Error("submission failed",
				"session_id", sessionID,
				"outcome", outcome,
				"duration_ms", time.Since(start).Milliseconds(),
				"error", err,
			)
		} else {
			c.notify(Progress{State: StateCompleted})
			c.logger.Info("submission completed",
				"session_id", sessionID,
				"duration_ms", time.Since(start).Milliseconds(),
				"response_len", len(answer),
			)
		}
		c.submissions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}()

	c.notify(Progress{State: StateSubmitting})
	jobID, err := c.startJob(ctx, question, sessionID)
	if err != nil {
		return "", err
	}
	span.SetAttributes(attribute.String("jobchat.job_id", jobID))

	return c.pollForResult(ctx, jobID)
}

// startJob posts the question and returns the job id assigned by the backend.
func (c *Client) startJob(ctx context.Context, question, sessionID string) (string, error) {
	if strings.TrimSpace(question) == "" {
		return "", newError(KindSubmissionFailed, "empty_question", nil)
	}

	body, err := json.Marshal(backend.StartRequest{
		Question:  question,
		SessionID: sessionID,
	})
	if err != nil {
		return "", newError(KindSubmissionFailed, "marshal_request", err)
	}

	var resp backend.StartResponse
	if err := c.doJSON(ctx, "jobchat.start_job", http.MethodPost, c.startURL, body, &resp); err != nil {
		return "", newError(KindSubmissionFailed, "start_request", err)
	}
	if strings.TrimSpace(resp.JobID) == "" {
		return "", newError(KindSubmissionFailed, "missing_job_id", nil)
	}

	c.logger.Info("job started", "job_id", resp.JobID, "session_id", sessionID)
	return resp.JobID, nil
}

// pollForResult waits pollInterval before each of up to maxAttempts result
// requests. Failed requests are logged and retried.
func (c *Client) pollForResult(ctx context.Context, jobID string) (string, error) {
	consecutiveErrors := 0

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := c.sleep(ctx, c.pollInterval); err != nil {
			return "", fmt.Errorf("jobclient: poll job %s: %w", jobID, err)
		}

		c.notify(Progress{State: StatePolling, JobID: jobID, Attempt: attempt})
		c.pollAttempts.Add(ctx, 1)

		job, err := c.fetchJob(ctx, jobID)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", fmt.Errorf("jobclient: poll job %s: %w", jobID, ctxErr)
			}
			consecutiveErrors++
			c.pollErrors.Add(ctx, 1)
			c.logger.Warn("error polling for result",
				"job_id", jobID,
				"attempt", attempt,
				"consecutive_errors", consecutiveErrors,
				"error", err,
			)
			if c.maxConsecutiveErrors > 0 && consecutiveErrors >= c.maxConsecutiveErrors {
				pollErr := newError(KindPollTransport, "consecutive_poll_errors", err)
				pollErr.JobID = jobID
				return "", pollErr
			}
			continue
		}
		consecutiveErrors = 0

		if job.Completed() {
			c.logger.Info("job completed", "job_id", jobID, "attempts", attempt)
			return job.Response, nil
		}
		c.logger.Debug("job not ready", "job_id", jobID, "attempt", attempt, "status", job.Status)
	}

	timeoutErr := newError(KindTimeout, "max_attempts_exhausted", nil)
	timeoutErr.JobID = jobID
	return "", timeoutErr
}

func (c *Client) fetchJob(ctx context.Context, jobID string) (backend.Job, error) {
	var job backend.Job
	err := c.doJSON(ctx, "jobchat.poll_result", http.MethodGet, c.pollURL(jobID), nil, &job)
	return job, err
}

func (c *Client) pollURL(jobID string) string {
	u := *c.resultURL
	q := u.Query()
	q.Set("job_id", jobID)
	u.RawQuery = q.Encode()
	return u.String()
}

// doJSON sends one request and decodes a 2xx JSON body into out.
func (c *Client) doJSON(ctx context.Context, spanName, method, endpoint string, body []byte, out any) error {
	ctx, span := c.tracer.Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	start := time.Now()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	c.requestDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.Int("http.response.status_code", resp.StatusCode),
		),
	)
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if len(data) > maxErrorBody {
			data = data[:maxErrorBody]
		}
		span.SetStatus(codes.Error, resp.Status)
		return &HTTPStatusError{StatusCode: resp.StatusCode, URL: endpoint, Body: string(data)}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

func (c *Client) notify(p Progress) {
	if c.progress != nil {
		c.progress(p)
	}
}

func outcomeOf(err error) string {
	var jobErr *Error
	switch {
	case errors.As(err, &jobErr):
		return strings.ToLower(string(jobErr.Kind))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}

func parseEndpoint(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, errors.New("must not be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("missing host")
	}
	return u, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
