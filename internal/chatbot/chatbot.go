package chatbot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"JobChat/internal/config"
	"JobChat/internal/jobclient"
	"JobChat/internal/session"
	"JobChat/internal/telemetry"
)

// Submitter sends one question and waits for the answer.
// *jobclient.Client satisfies it.
type Submitter interface {
	Submit(ctx context.Context, question, sessionID string) (string, error)
}

// Reply is the assistant message appended for a question. Err is set when
// Message holds an error text instead of a backend answer.
type Reply struct {
	Message session.Message
	Err     error
}

// ChatBot owns the conversation: the current session, its message log and
// the busy guard that keeps one question in flight at a time.
type ChatBot struct {
	submitter Submitter
	logger    *slog.Logger
	in        io.Reader
	out       io.Writer

	mu      sync.Mutex
	session *session.Session
	busy    atomic.Bool

	telemetry *telemetry.Provider
	closeLog  func() error
}

type Option func(*ChatBot)

func WithInput(r io.Reader) Option {
	return func(cb *ChatBot) {
		cb.in = r
	}
}

func WithOutput(w io.Writer) Option {
	return func(cb *ChatBot) {
		cb.out = w
	}
}

// WithSessionID resumes an existing session id instead of generating one.
func WithSessionID(id string) Option {
	return func(cb *ChatBot) {
		cb.session = session.New(strings.TrimSpace(id))
	}
}

// New creates a ChatBot around an already configured submitter.
func New(submitter Submitter, logger *slog.Logger, opts ...Option) *ChatBot {
	if logger == nil {
		logger = slog.Default()
	}
	cb := &ChatBot{
		submitter: submitter,
		logger:    logger,
		in:        os.Stdin,
		out:       os.Stdout,
	}
	for _, opt := range opts {
		opt(cb)
	}
	if cb.session == nil {
		cb.session = session.New("")
	}
	cb.logger.Info("created new session", "session_id", cb.session.ID)
	return cb
}

// NewChatBot wires logging, telemetry and the job client from cfg.
func NewChatBot(ctx context.Context, cfg config.Config) (*ChatBot, error) {
	logger, closeLog, err := telemetry.InitLogger(cfg.Log.Dir, cfg.Log.Debug)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	if cfg.Log.Debug {
		logger.Info("Debug mode enabled")
	}

	cb := New(nil, logger, WithSessionID(cfg.SessionID))
	cb.closeLog = closeLog

	opts := []jobclient.Option{
		jobclient.WithHTTPClient(&http.Client{Timeout: cfg.Endpoints.RequestTimeout}),
		jobclient.WithLogger(logger),
		jobclient.WithMaxAttempts(cfg.Poll.MaxAttempts),
		jobclient.WithPollInterval(cfg.Poll.Interval),
		jobclient.WithMaxConsecutiveErrors(cfg.Poll.MaxConsecutiveErrors),
		jobclient.WithProgress(cb.onProgress),
	}

	if cfg.Log.Telemetry {
		provider, err := telemetry.InitTelemetry(ctx, cfg.Log.Dir)
		if err != nil {
			logger.Warn("failed to initialize telemetry, continuing without it", "error", err)
		} else {
			cb.telemetry = provider
			opts = append(opts,
				jobclient.WithTracer(provider.Tracer),
				jobclient.WithMeter(provider.Meter),
			)
		}
	}

	client, err := jobclient.New(cfg.Endpoints.StartURL, cfg.Endpoints.ResultURL, opts...)
	if err != nil {
		_ = cb.Close()
		return nil, fmt.Errorf("failed to create job client: %w", err)
	}
	cb.submitter = client

	logger.Info("job backend configured",
		"start_url", cfg.Endpoints.StartURL,
		"result_url", cfg.Endpoints.ResultURL,
		"max_attempts", cfg.Poll.MaxAttempts,
		"poll_interval", cfg.Poll.Interval.String(),
	)
	return cb, nil
}

// Close flushes telemetry and closes the log file.
func (cb *ChatBot) Close() error {
	var errs []error
	if cb.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := cb.telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if cb.closeLog != nil {
		if err := cb.closeLog(); err != nil {
			errs = append(errs, fmt.Errorf("close log file: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Send asks input on behalf of the user. It reports false, touching neither
// the log nor the network, when input is blank or a question is in flight.
// Failures come back as an assistant message carrying the user-facing error.
func (cb *ChatBot) Send(ctx context.Context, input string) (Reply, bool) {
	question := strings.TrimSpace(input)
	if question == "" {
		return Reply{}, false
	}
	if !cb.busy.CompareAndSwap(false, true) {
		cb.logger.Warn("ignoring question while another is in flight")
		return Reply{}, false
	}
	defer cb.busy.Store(false)

	// The reply lands in the session that asked, even if /new-session ran meanwhile.
	cb.mu.Lock()
	sess := cb.session
	sess.Append(session.RoleUser, question)
	cb.mu.Unlock()

	cb.logger.Info("question submitted", "session_id", sess.ID, "question_len", len(question))

	answer, err := cb.submitter.Submit(ctx, question, sess.ID)
	content := answer
	if err != nil {
		cb.logger.Error("failed to get response", "session_id", sess.ID, "error", err)
		content = jobclient.UserMessage(err)
	}

	cb.mu.Lock()
	msg := sess.Append(session.RoleAssistant, content)
	cb.mu.Unlock()

	return Reply{Message: msg, Err: err}, true
}

// Busy reports whether a question is in flight.
func (cb *ChatBot) Busy() bool {
	return cb.busy.Load()
}

// NewSession discards the conversation and starts over with a fresh id.
func (cb *ChatBot) NewSession() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	old := cb.session.ID
	cb.session = session.New("")
	cb.logger.Info("created new session", "session_id", cb.session.ID, "previous_session_id", old)
	return cb.session.ID
}

// SessionID returns the id sent with the next question.
func (cb *ChatBot) SessionID() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.session.ID
}

// Messages returns a copy of the current conversation log.
func (cb *ChatBot) Messages() []session.Message {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.session.History()
}

func (cb *ChatBot) sessionInfo() (id string, started time.Time, count int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.session.ID, cb.session.StartTime, len(cb.session.Messages)
}
