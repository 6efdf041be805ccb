package engine

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fetchy-dl/fetchy/internal/task"
	"github.com/fetchy-dl/fetchy/internal/utils"
)

// ProbeInfo is what a lightweight request reveals about the resource
// before any planning happens.
type ProbeInfo struct {
	TotalSize         int64 // 0 when the server gave no usable length
	AcceptsRanges     bool
	Validator         task.Validator
	SuggestedFilename string
	ContentType       string
}

// Prober establishes size, range support and validators for a URL.
type Prober struct {
	client  utils.HTTPDoer
	retries int
	timeout time.Duration
}

func NewProber(client utils.HTTPDoer, retries int, timeout time.Duration) *Prober {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Prober{client: client, retries: retries, timeout: timeout}
}

// Probe issues a HEAD request and interprets the range-related headers.
// When HEAD omits Content-Length, a body-discarded GET is tried, since
// some servers only report a length on GET. Network failures and
// retryable statuses are retried with backoff up to the configured
// attempts.
func (p *Prober) Probe(ctx context.Context, link string) (*ProbeInfo, error) {
	var lastErr error
	for attempt := 0; attempt <= p.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}
		info, err := p.probeOnce(ctx, link)
		if err == nil {
			return info, nil
		}
		lastErr = err
		if !task.Retryable(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("probe failed after %d attempts: %w", p.retries+1, lastErr)
}

func (p *Prober) probeOnce(ctx context.Context, link string) (*ProbeInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := p.request(ctx, http.MethodHead, link)
	if err != nil {
		return nil, &task.NetworkError{Op: "probe", Err: err}
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, &task.RemoteError{Status: resp.StatusCode}
	}

	info := &ProbeInfo{
		AcceptsRanges:     strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes"),
		Validator:         validatorFromHeader(resp.Header),
		SuggestedFilename: filenameFromHeader(resp.Header, link),
		ContentType:       resp.Header.Get("Content-Type"),
	}
	info.TotalSize = parseContentLength(resp.Header)

	// Some servers answer HEAD without a length but include one on GET.
	if info.TotalSize == 0 {
		if resp, err := p.request(ctx, http.MethodGet, link); err == nil {
			if resp.StatusCode < 400 {
				info.TotalSize = parseContentLength(resp.Header)
				if v := validatorFromHeader(resp.Header); info.Validator.IsZero() {
					info.Validator = v
				}
			}
			resp.Body.Close()
		}
	}
	info.Validator.ContentLength = info.TotalSize
	return info, nil
}

func (p *Prober) request(ctx context.Context, method, link string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, link, nil)
	if err != nil {
		return nil, err
	}
	return p.client.Do(req)
}

func parseContentLength(h http.Header) int64 {
	size, err := strconv.ParseInt(h.Get("Content-Length"), 10, 64)
	if err != nil || size < 0 {
		return 0
	}
	return size
}

func validatorFromHeader(h http.Header) task.Validator {
	return task.Validator{
		ETag:         h.Get("ETag"),
		LastModified: h.Get("Last-Modified"),
	}
}

// filenameFromHeader prefers Content-Disposition (both the plain and
// RFC 5987 forms), falling back to the last URL path segment.
func filenameFromHeader(h http.Header, link string) string {
	if cd := h.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if fn, ok := params["filename"]; ok && fn != "" {
				return utils.SanitizeFilename(fn)
			}
			if fn, ok := params["filename*"]; ok && strings.HasPrefix(fn, "UTF-8''") {
				if unescaped, err := url.PathUnescape(strings.TrimPrefix(fn, "UTF-8''")); err == nil {
					return utils.SanitizeFilename(unescaped)
				}
			}
		}
	}
	parsed, err := url.Parse(link)
	if err != nil {
		return "download"
	}
	segments := strings.Split(parsed.Path, "/")
	name := segments[len(segments)-1]
	if name == "" {
		return "download"
	}
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}
	return utils.SanitizeFilename(name)
}
