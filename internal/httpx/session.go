// Package httpx provides the outbound HTTP session shared by source
// producers and raw-content realization.
package httpx

import (
	"context"
	"io"
	"net/http"
	"time"
	"unicode/utf8"

	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/leakwatch/leakwatch/errs"
)

// DefaultUserAgent identifies the pipeline to origin APIs.
const DefaultUserAgent = "leakwatch"

const defaultTimeout = 10 * time.Second

// Session wraps an http.Client with default headers, optional request
// pacing, and status-to-error mapping. A Session is safe for concurrent use.
type Session struct {
	client  *http.Client
	source  string
	headers map[string]string
	limiter *rate.Limiter
}

// Response carries the status, headers, and fully read body of a request.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// NotModified reports whether the origin answered a conditional request
// with 304.
func (r *Response) NotModified() bool { return r.Status == http.StatusNotModified }

// Option configures a Session.
type Option func(*Session)

// WithTimeout sets the per-request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(s *Session) {
		if timeout > 0 {
			s.client.Timeout = timeout
		}
	}
}

// WithHeader adds a default header sent on every request.
func WithHeader(key, value string) Option {
	return func(s *Session) {
		s.headers[key] = value
	}
}

// WithRateLimit paces requests to rps with the given burst.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Session) {
		if rps > 0 {
			if burst < 1 {
				burst = 1
			}
			s.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		}
	}
}

// NewSession builds a session attributed to source in error envelopes.
func NewSession(source string, opts ...Option) *Session {
	client := new(http.Client)
	client.Timeout = defaultTimeout
	s := &Session{
		client:  client,
		source:  source,
		headers: map[string]string{"User-Agent": DefaultUserAgent},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Get performs a GET against url. Per-call headers are applied after the
// session defaults. A 304 answer to a conditional request is returned as a
// normal response; every other non-2xx status maps to a code-bearing error.
func (s *Session) Get(ctx context.Context, url string, headers map[string]string) (*Response, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, errs.New(s.source, errs.CodeTransport,
				errs.WithMessage("awaiting request slot"), errs.WithCause(err))
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errs.New(s.source, errs.CodeTransport,
			errs.WithMessage("creating request"), errs.WithCause(err))
	}
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errs.New(s.source, errs.CodeTransport,
			errs.WithMessage("performing request"), errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.New(s.source, errs.CodeTransport,
			errs.WithMessage("reading response body"), errs.WithCause(err))
	}
	out := &Response{Status: resp.StatusCode, Header: resp.Header, Body: body}
	if err := s.statusError(out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetJSON performs a GET and decodes the body into v. The response is
// returned alongside so callers can read caching headers; on 304 the body
// is empty and v is left untouched.
func (s *Session) GetJSON(ctx context.Context, url string, headers map[string]string, v any) (*Response, error) {
	resp, err := s.Get(ctx, url, headers)
	if err != nil {
		return nil, err
	}
	if resp.NotModified() {
		return resp, nil
	}
	if err := json.Unmarshal(resp.Body, v); err != nil {
		return nil, errs.New(s.source, errs.CodeDecode,
			errs.WithMessage("decoding json response"), errs.WithCause(err))
	}
	return resp, nil
}

// GetText performs a GET and returns the body, requiring valid UTF-8.
// GetText satisfies the content fetcher contract used by raw-content
// realization.
func (s *Session) GetText(ctx context.Context, url string) ([]byte, error) {
	resp, err := s.Get(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	if !utf8.Valid(resp.Body) {
		return nil, errs.New(s.source, errs.CodeDecode,
			errs.WithMessage("response body is not valid utf-8 text"))
	}
	return resp.Body, nil
}

func (s *Session) statusError(resp *Response) error {
	switch {
	case resp.Status >= 200 && resp.Status < 300:
		return nil
	case resp.Status == http.StatusNotModified:
		return nil
	case resp.Status == http.StatusTooManyRequests:
		return errs.New(s.source, errs.CodeRateLimited, errs.WithHTTP(resp.Status),
			errs.WithMessage("origin throttled the request"))
	case resp.Status == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0":
		// GitHub reports an exhausted quota as 403 rather than 429.
		return errs.New(s.source, errs.CodeRateLimited, errs.WithHTTP(resp.Status),
			errs.WithMessage("origin rate quota exhausted"))
	case resp.Status == http.StatusUnauthorized || resp.Status == http.StatusForbidden:
		return errs.New(s.source, errs.CodeAuth, errs.WithHTTP(resp.Status),
			errs.WithMessage("origin rejected the configured credentials"))
	default:
		return errs.New(s.source, errs.CodeTransport, errs.WithHTTP(resp.Status),
			errs.WithMessage("unexpected response status"))
	}
}
