// Copyright 2025 Relay Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Request is one delivery attempt of an encoded batch.
type Request struct {
	Endpoint        string
	ContentType     string
	ContentEncoding string
	Records         int
	Body            []byte
}

// Sender delivers a batch to the collector. A nil error means the
// collector accepted it. Implementations return *DeliveryError for
// responses the collector rejected and any other error for transport
// failures, which are always retried.
type Sender interface {
	Send(ctx context.Context, req *Request) error
}

const (
	DefaultSendTimeout = 30 * time.Second
	maxDrainBytes      = 64 << 10
)

// HTTPSender POSTs batches over HTTP.
type HTTPSender struct {
	Client    *http.Client
	UserAgent string
	// Now resolves HTTP-date Retry-After values.
	Now func() time.Time
}

func NewHTTPSender(client *http.Client, userAgent string) *HTTPSender {
	if client == nil {
		client = &http.Client{Timeout: DefaultSendTimeout}
	}
	return &HTTPSender{Client: client, UserAgent: userAgent, Now: time.Now}
}

func (s *HTTPSender) Send(ctx context.Context, req *Request) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.Endpoint, bytes.NewReader(req.Body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", req.ContentType)
	if req.ContentEncoding != "" {
		httpReq.Header.Set("Content-Encoding", req.ContentEncoding)
	}
	if s.UserAgent != "" {
		httpReq.Header.Set("User-Agent", s.UserAgent)
	}

	resp, err := s.Client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("post %s: %w", req.Endpoint, err)
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused.
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &DeliveryError{
		StatusCode: resp.StatusCode,
		RetryAfter: s.retryAfter(resp),
		Permanent:  isPermanentStatus(resp.StatusCode),
	}
}

func (s *HTTPSender) retryAfter(resp *http.Response) time.Duration {
	if resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusServiceUnavailable {
		return 0
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	return parseRetryAfter(resp.Header.Get("Retry-After"), now())
}

// isPermanentStatus reports whether resending the same payload can never
// succeed. Request timeout and rate limiting are the 4xx exceptions.
func isPermanentStatus(code int) bool {
	if code < 400 || code >= 500 {
		return false
	}
	return code != http.StatusRequestTimeout && code != http.StatusTooManyRequests
}

// parseRetryAfter accepts delay-seconds or an HTTP-date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
