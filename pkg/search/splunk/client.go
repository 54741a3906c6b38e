package splunk

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/idlogsync/pkg/backoff"
	"github.com/3leaps/idlogsync/pkg/credentials"
	"github.com/3leaps/idlogsync/pkg/job"
	"github.com/3leaps/idlogsync/pkg/search"
)

// BackendName identifies this implementation in errors and logs.
const BackendName = "splunk"

const (
	jobsPath = "/services/search/jobs"

	// maxErrorBody caps how much of a rejection body is kept in errors.
	maxErrorBody = 512
)

// Client talks to one Splunk deployment.
//
// The underlying http.Client pools connections and is safe for concurrent
// use; a Client may be shared by independent jobs.
type Client struct {
	cfg     Config
	creds   credentials.Provider
	http    *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

var _ search.Client = (*Client)(nil)

// New creates a client. Zero config values take DefaultConfig values.
func New(cfg Config, creds credentials.Provider) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	def := DefaultConfig()
	if cfg.Scheme == "" {
		cfg.Scheme = def.Scheme
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = def.RetryAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for self-signed management ports
	}

	c := &Client{
		cfg:    cfg,
		creds:  creds,
		http:   &http.Client{Timeout: cfg.Timeout, Transport: transport},
		logger: zap.NewNop(),
		sleep:  backoff.Sleep,
	}
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return c, nil
}

// WithLogger sets the logger.
func (c *Client) WithLogger(l *zap.Logger) *Client {
	if l != nil {
		c.logger = l
	}
	return c
}

// WithHTTPClient replaces the HTTP client (tests, custom transports).
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	if hc != nil {
		c.http = hc
	}
	return c
}

type submitResponse struct {
	SID string `json:"sid"`
}

type statusResponse struct {
	Entry []struct {
		Content struct {
			DispatchState string `json:"dispatchState"`
			IsFailed      bool   `json:"isFailed"`
		} `json:"content"`
	} `json:"entry"`
}

type resultsResponse struct {
	Results []json.RawMessage `json:"results"`
}

// Submit implements search.Client.
func (c *Client) Submit(ctx context.Context, query string) (string, error) {
	form := url.Values{}
	form.Set("search", normalizeQuery(query))
	form.Set("exec_mode", "normal")
	form.Set("output_mode", "json")
	body := form.Encode()

	attempts := 1
	var idemKey string
	if c.cfg.SubmitIdempotency {
		attempts = 2
		idemKey = uuid.NewString()
	}

	var out submitResponse
	err := c.do(ctx, "Submit", "", attempts, func(base string) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+jobsPath, strings.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		if idemKey != "" {
			req.Header.Set("Idempotency-Key", idemKey)
		}
		return req, nil
	}, &out)
	if err != nil {
		return "", err
	}
	if out.SID == "" {
		return "", &search.Error{Op: "Submit", Backend: BackendName, Err: search.Backend(errors.New("response has no sid"))}
	}
	return out.SID, nil
}

// Status implements search.Client.
func (c *Client) Status(ctx context.Context, jobID string) (job.Status, error) {
	var out statusResponse
	err := c.do(ctx, "Status", jobID, c.cfg.RetryAttempts, func(base string) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, base+jobPath(jobID)+"?output_mode=json", nil)
	}, &out)
	if err != nil {
		return job.StatusUnknown, err
	}
	if len(out.Entry) == 0 {
		return job.StatusUnknown, nil
	}
	content := out.Entry[0].Content
	if content.IsFailed {
		return job.StatusFailed, nil
	}
	return MapDispatchState(content.DispatchState), nil
}

// FetchChunk implements search.Client.
func (c *Client) FetchChunk(ctx context.Context, jobID string, offset, limit int) (*job.ResultChunk, error) {
	if offset < 0 || limit <= 0 {
		return nil, &search.Error{Op: "FetchChunk", Backend: BackendName, JobID: jobID,
			Err: fmt.Errorf("invalid window offset=%d limit=%d", offset, limit)}
	}

	q := url.Values{}
	q.Set("offset", strconv.Itoa(offset))
	q.Set("count", strconv.Itoa(limit))
	q.Set("output_mode", "json")

	var out resultsResponse
	err := c.do(ctx, "FetchChunk", jobID, c.cfg.RetryAttempts, func(base string) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, base+jobPath(jobID)+"/results?"+q.Encode(), nil)
	}, &out)
	if err != nil {
		return nil, err
	}
	if len(out.Results) > limit {
		return nil, &search.Error{Op: "FetchChunk", Backend: BackendName, JobID: jobID,
			Err: search.Backend(fmt.Errorf("returned %d records for count=%d", len(out.Results), limit))}
	}
	return &job.ResultChunk{Offset: offset, Records: out.Results}, nil
}

// Cancel implements search.Client. A job the backend no longer knows is
// treated as cancelled.
func (c *Client) Cancel(ctx context.Context, jobID string) error {
	err := c.do(ctx, "Cancel", jobID, 1, func(base string) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodDelete, base+jobPath(jobID)+"?output_mode=json", nil)
	}, nil)
	var serr *search.Error
	if errors.As(err, &serr) && serr.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

// MapDispatchState converts a Splunk dispatchState to a job status.
func MapDispatchState(state string) job.Status {
	switch strings.ToUpper(strings.TrimSpace(state)) {
	case "QUEUED", "PARSING":
		return job.StatusQueued
	case "RUNNING", "FINALIZING", "PAUSED":
		return job.StatusRunning
	case "DONE":
		return job.StatusDone
	case "FAILED":
		return job.StatusFailed
	default:
		return job.StatusUnknown
	}
}

// normalizeQuery prefixes the search command unless the query starts with a
// generating command.
func normalizeQuery(q string) string {
	q = strings.TrimSpace(q)
	if strings.HasPrefix(q, "search ") || strings.HasPrefix(q, "|") {
		return q
	}
	return "search " + q
}

func jobPath(jobID string) string {
	return jobsPath + "/" + url.PathEscape(jobID)
}

// do runs one logical request, retrying transport failures up to attempts
// total tries. Backend rejections are returned immediately.
func (c *Client) do(ctx context.Context, op, jobID string, attempts int, build func(base string) (*http.Request, error), out any) error {
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := c.sleep(ctx, c.cfg.RetryDelay); err != nil {
				return &search.Error{Op: op, Backend: BackendName, JobID: jobID, Attempts: attempt - 1, Err: err}
			}
		}

		status, err := c.once(ctx, build, out)
		if err == nil {
			return nil
		}

		serr := &search.Error{Op: op, Backend: BackendName, JobID: jobID, StatusCode: status, Attempts: attempt, Err: err}
		if !job.IsTransport(err) || ctx.Err() != nil {
			return serr
		}
		lastErr = serr
		if attempt < attempts {
			c.logger.Debug("Search request failed, retrying",
				zap.String("op", op),
				zap.String("job_id", jobID),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		}
	}
	return lastErr
}

// once performs a single HTTP exchange and decodes a 2xx body into out.
func (c *Client) once(ctx context.Context, build func(base string) (*http.Request, error), out any) (int, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return 0, err
		}
	}

	creds, err := c.creds.Get(ctx, c.cfg.SecretRef)
	if err != nil {
		return 0, err
	}

	req, err := build(c.cfg.Scheme + "://" + creds.Address())
	if err != nil {
		return 0, err
	}
	if creds.Token != "" {
		req.Header.Set("Authorization", "Bearer "+creds.Token)
	} else {
		req.SetBasicAuth(creds.Username, creds.Password)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, search.Transport(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if resp.StatusCode == http.StatusUnauthorized {
			if inv, ok := c.creds.(credentials.Invalidator); ok {
				inv.Invalidate(c.cfg.SecretRef)
			}
		}
		return resp.StatusCode, search.Backend(fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(snippet))))
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		// A body cut off mid-stream is a transport failure; anything else is
		// a malformed response.
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return resp.StatusCode, search.Transport(err)
		}
		return resp.StatusCode, search.Backend(fmt.Errorf("decode response: %w", err))
	}
	return resp.StatusCode, nil
}
