package bakta

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/genomeops/amr-service/internal/domain"
)

// Client is a stateless HTTP client for the remote annotation API.
// Calls are retried on transient failures with exponential backoff;
// 4xx responses other than 408/429 are permanent.
type Client struct {
	baseURL  string
	apiKey   string
	hc       *http.Client
	uploadHC *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default request client (tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc; c.uploadHC = hc }
}

// New constructs a Client for the given base URL. Uploads get their own
// client with a long timeout; everything else uses the short one.
func New(baseURL, apiKey string, timeout, uploadTimeout time.Duration) *Client {
	transport := otelhttp.NewTransport(&http.Transport{
		IdleConnTimeout:     60 * time.Second,
		MaxIdleConnsPerHost: 8,
	})
	c := &Client{
		baseURL:  baseURL,
		apiKey:   apiKey,
		hc:       &http.Client{Timeout: timeout, Transport: transport},
		uploadHC: &http.Client{Timeout: uploadTimeout, Transport: transport},
	}
	return c
}

// NewWithOptions is New plus functional options.
func NewWithOptions(baseURL, apiKey string, timeout, uploadTimeout time.Duration, opts ...Option) *Client {
	c := New(baseURL, apiKey, timeout, uploadTimeout)
	for _, o := range opts {
		o(c)
	}
	return c
}

const (
	backoffBase    = 500 * time.Millisecond
	backoffCap     = 30 * time.Second
	backoffRetries = 5
)

// retryAfterError carries a server-provided wait hint through backoff.
type retryAfterError struct {
	err  error
	wait time.Duration
}

func (e *retryAfterError) Error() string { return e.err.Error() }
func (e *retryAfterError) Unwrap() error { return e.err }

func newBackoff(ctx context.Context) backoff.BackOff {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = backoffBase
	expo.Multiplier = 2
	expo.MaxInterval = backoffCap
	expo.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(expo, backoffRetries), ctx)
}

// do sends one request attempt and classifies the response. The caller
// passes a factory because request bodies must be rebuilt per attempt.
func (c *Client) do(ctx context.Context, hc *http.Client, build func() (*http.Request, error), out any) error {
	op := func() error {
		req, err := build()
		if err != nil {
			return backoff.Permanent(err)
		}
		req = req.WithContext(ctx)
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}
		resp, err := hc.Do(req)
		if err != nil {
			// Transport errors echo the request URL, which may carry
			// the job secret as a query parameter.
			return fmt.Errorf("%w: %s", domain.ErrRemoteTransient, scrubSecrets(err.Error()))
		}
		defer func() { _ = resp.Body.Close() }()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if out == nil {
				_, _ = io.Copy(io.Discard, resp.Body)
				return nil
			}
			if w, ok := out.(io.Writer); ok {
				if _, err := io.Copy(w, resp.Body); err != nil {
					// The writer already holds a partial body; an
					// in-place retry would append to it. Callers retry
					// with a fresh writer.
					return backoff.Permanent(fmt.Errorf("%w: body copy: %v", domain.ErrRemoteTransient, err))
				}
				return nil
			}
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return backoff.Permanent(fmt.Errorf("%w: decode: %v", domain.ErrRemotePermanent, err))
			}
			return nil
		case resp.StatusCode == http.StatusTooManyRequests:
			err := fmt.Errorf("%w: status 429", domain.ErrRemoteTransient)
			if ra := resp.Header.Get("Retry-After"); ra != "" {
				if secs, perr := strconv.Atoi(ra); perr == nil && secs > 0 {
					return &retryAfterError{err: err, wait: time.Duration(secs) * time.Second}
				}
			}
			return err
		case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode >= 500:
			return fmt.Errorf("%w: status %d: %s", domain.ErrRemoteTransient, resp.StatusCode, readSnippet(resp.Body, 256))
		default:
			return backoff.Permanent(fmt.Errorf("%w: status %d: %s", domain.ErrRemotePermanent, resp.StatusCode, readSnippet(resp.Body, 256)))
		}
	}

	bo := newBackoff(ctx)
	return backoff.RetryNotify(op, bo, func(err error, next time.Duration) {
		if rae, ok := err.(*retryAfterError); ok && rae.wait > next {
			// Retry-After dominates the computed backoff.
			time.Sleep(rae.wait - next)
		}
		slog.Debug("bakta call retrying", slog.Duration("in", next), slog.String("error", redact(err.Error())))
	})
}

// readSnippet returns up to n bytes of r for error context.
func readSnippet(r io.Reader, n int) string {
	b, _ := io.ReadAll(io.LimitReader(r, int64(n)))
	return string(b)
}

var secretParamRE = regexp.MustCompile(`(?i)(secret=)[^&"'\s]+`)

// scrubSecrets masks secret query values. Transport errors and upstream
// messages may echo the full request URL.
func scrubSecrets(s string) string {
	return secretParamRE.ReplaceAllString(s, "${1}REDACTED")
}

// redact is a guard against secrets leaking into log lines through
// upstream error strings.
func redact(s string) string {
	s = scrubSecrets(s)
	if len(s) > 512 {
		s = s[:512]
	}
	return s
}

func (c *Client) endpoint(p string) string { return c.baseURL + p }

func (c *Client) jsonRequest(method, url string, v any) func() (*http.Request, error) {
	return func() (*http.Request, error) {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequest(method, url, bytes.NewReader(b))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}
}

// Version fetches the remote version triple. Used by readiness.
func (c *Client) Version(ctx context.Context) (VersionResponse, error) {
	var out VersionResponse
	err := c.do(ctx, c.hc, func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, c.endpoint("/api/v1/version"), nil)
	}, &out)
	if err != nil {
		return VersionResponse{}, fmt.Errorf("op=bakta.version: %w", err)
	}
	return out, nil
}

// Init registers a new remote job and returns its id, secret, and
// upload links.
func (c *Client) Init(ctx context.Context, name, repliconTableType string) (InitResponse, error) {
	if repliconTableType == "" {
		repliconTableType = "CSV"
	}
	var out InitResponse
	err := c.do(ctx, c.hc, c.jsonRequest(http.MethodPost, c.endpoint("/api/v1/job/init"),
		initRequest{Name: name, RepliconTableType: repliconTableType}), &out)
	if err != nil {
		return InitResponse{}, fmt.Errorf("op=bakta.init: %w", err)
	}
	if err := out.validate(); err != nil {
		return InitResponse{}, fmt.Errorf("op=bakta.init: %w", err)
	}
	slog.Info("bakta job initialized", slog.String("name", name), slog.String("remote_id", out.Job.JobID))
	return out, nil
}

// Upload PUTs raw bytes to a pre-signed upload link. The link carries
// its own auth, so no API key header is added by the server side.
func (c *Client) Upload(ctx context.Context, uploadURL string, body []byte) error {
	err := c.do(ctx, c.uploadHC, func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodPut, uploadURL, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/octet-stream")
		return req, nil
	}, nil)
	if err != nil {
		return fmt.Errorf("op=bakta.upload: %w", err)
	}
	return nil
}

// Start launches the remote annotation run with the merged config.
func (c *Client) Start(ctx context.Context, ref JobRef, cfg domain.BaktaConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("op=bakta.start: %w", err)
	}
	err := c.do(ctx, c.hc, c.jsonRequest(http.MethodPost, c.endpoint("/api/v1/job/start"),
		startRequest{Config: cfg, Job: ref}), nil)
	if err != nil {
		return fmt.Errorf("op=bakta.start: %w", err)
	}
	return nil
}

// List fetches the status of the given jobs. Entries the remote refused
// (UNAUTHORIZED, NOT_FOUND) come back in FailedJobs.
func (c *Client) List(ctx context.Context, refs []JobRef) (ListResponse, error) {
	var out ListResponse
	err := c.do(ctx, c.hc, c.jsonRequest(http.MethodPost, c.endpoint("/api/v1/job/list"),
		listRequest{Jobs: refs}), &out)
	if err != nil {
		return ListResponse{}, fmt.Errorf("op=bakta.list: %w", err)
	}
	for _, e := range out.Jobs {
		if err := e.validate(); err != nil {
			return ListResponse{}, fmt.Errorf("op=bakta.list: %w", err)
		}
	}
	return out, nil
}

// Logs fetches the remote job log as text.
func (c *Client) Logs(ctx context.Context, ref JobRef) (string, error) {
	var buf bytes.Buffer
	err := c.do(ctx, c.hc, func() (*http.Request, error) {
		u := c.endpoint("/api/v1/job/logs") + "?" + url.Values{
			"jobId":  {ref.JobID},
			"secret": {ref.Secret},
		}.Encode()
		return http.NewRequest(http.MethodGet, u, nil)
	}, &buf)
	if err != nil {
		return "", fmt.Errorf("op=bakta.logs: %w", err)
	}
	return buf.String(), nil
}

// Result fetches the pre-signed download URLs of a finished job.
func (c *Client) Result(ctx context.Context, ref JobRef) (ResultResponse, error) {
	var out ResultResponse
	err := c.do(ctx, c.hc, c.jsonRequest(http.MethodPost, c.endpoint("/api/v1/job/result"),
		resultRequest{JobID: ref.JobID, Secret: ref.Secret}), &out)
	if err != nil {
		return ResultResponse{}, fmt.Errorf("op=bakta.result: %w", err)
	}
	if err := out.validate(); err != nil {
		return ResultResponse{}, fmt.Errorf("op=bakta.result: %w", err)
	}
	return out, nil
}

// Download streams a pre-signed URL into w.
func (c *Client) Download(ctx context.Context, fileURL string, w io.Writer) error {
	err := c.do(ctx, c.uploadHC, func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, fileURL, nil)
	}, w)
	if err != nil {
		return fmt.Errorf("op=bakta.download: %w", err)
	}
	return nil
}

// DeleteJob removes a remote job by id and secret.
func (c *Client) DeleteJob(ctx context.Context, remoteID, secret string) error {
	return c.Delete(ctx, JobRef{JobID: remoteID, Secret: secret})
}

// Delete removes the remote job. A NotFound answer is acceptable to
// callers doing best-effort cleanup.
func (c *Client) Delete(ctx context.Context, ref JobRef) error {
	err := c.do(ctx, c.hc, func() (*http.Request, error) {
		u := c.endpoint("/api/v1/job/delete") + "?" + url.Values{
			"jobID":  {ref.JobID},
			"secret": {ref.Secret},
		}.Encode()
		return http.NewRequest(http.MethodDelete, u, nil)
	}, nil)
	if err != nil {
		return fmt.Errorf("op=bakta.delete: %w", err)
	}
	return nil
}
