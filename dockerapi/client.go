// Copyright 2021 Harald Albrecht.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package dockerapi implements a deliberately minimal HTTP/1.1 client that
// speaks just enough of the wire protocol to issue request-line-only GETs
// to a container runtime's API over a local UNIX socket and classify the
// response. It is not a general-purpose HTTP client: there is no
// connection pooling, no retries, no TLS, and no support for any method
// other than GET.
package dockerapi

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/thediveo/once"
)

// DefaultSocketPath is the well-known location of the Docker daemon's UNIX
// socket on Linux hosts.
const DefaultSocketPath = "/var/run/docker.sock"

// DefaultAPIVersion is the versioned API path prefix tried first; callers
// may fall back to the empty (unversioned) prefix after a RespBadRequest,
// see ClearAPIVersion.
const DefaultAPIVersion = "/v1.24"

// Status classifies the outcome of a Get call.
type Status int

const (
	// RespOK means the request completed with a 2xx status.
	RespOK Status = iota
	// RespBadRequest means the request completed with a 4xx status; the
	// caller may retry once with a different (usually empty) API version
	// prefix, see ClearAPIVersion.
	RespBadRequest
	// RespError means the request failed at the transport level, or
	// completed with any other (non-2xx, non-4xx) status.
	RespError
)

// Client issues raw HTTP/1.1 GET requests to a container runtime's API
// exposed over a UNIX socket. A Client is safe for concurrent use, though in
// practice only a single worker goroutine is expected to use it at a time.
type Client struct {
	socketPath string
	timeout    time.Duration
	log        logrus.FieldLogger

	mu           sync.RWMutex
	apiVersion   string
	clearVersion func() // one-shot transition, see ClearAPIVersion.
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithTimeout bounds how long a single Get call may take, including
// connecting to the socket, writing the request and reading the response.
// The default is 5 seconds.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithLogger attaches a structured logger; by default a Client logs
// through logrus's standard logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(c *Client) { c.log = log }
}

// New returns a new Client talking to the runtime API exposed at
// socketPath, prefixing every request path with apiVersion (typically
// something like "/v1.24"; the empty string means no version prefix).
func New(socketPath, apiVersion string, opts ...Option) *Client {
	c := &Client{
		socketPath: socketPath,
		apiVersion: apiVersion,
		timeout:    5 * time.Second,
		log:        logrus.StandardLogger(),
	}
	c.clearVersion = once.Once(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.log.WithField("socket", c.socketPath).
			Info("dockerapi: permanently falling back to unversioned API paths")
		c.apiVersion = ""
	}).Do
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ClearAPIVersion blanks this Client's API-version prefix exactly once, for
// the lifetime of the Client. Every subsequent request, for any container
// id and not just the one that triggered the fallback, uses an
// unversioned path from then on. A per-request fallback would avoid
// touching instance-wide state, but this Client talks to a single runtime
// whose API version does not change mid-process, so the sticky fallback is
// simpler and needs no extra state threaded through every call site.
func (c *Client) ClearAPIVersion() {
	c.clearVersion()
}

// APIVersion returns the API-version prefix currently in effect.
func (c *Client) APIVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.apiVersion
}

// Get issues "GET <apiVersion><path> HTTP/1.1" to the runtime's socket and
// classifies the response. On RespOK the returned string is the response
// body; on RespBadRequest and RespError it is the response body (if any)
// purely for diagnostics, and err carries the classified failure reason.
func (c *Client) Get(ctx context.Context, path string) (Status, string, error) {
	if err := ctx.Err(); err != nil {
		return RespError, "", errors.Wrap(err, "dockerapi: cancelled before request")
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return RespError, "", errors.Wrapf(err, "dockerapi: cannot connect to %s", c.socketPath)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetDeadline(deadline)

	reqLine := fmt.Sprintf("GET %s%s HTTP/1.1\r\nHost: docker\r\n\r\n", c.APIVersion(), path)
	if _, err := io.WriteString(conn, reqLine); err != nil {
		if ctx.Err() != nil {
			return RespError, "", errors.Wrap(ctx.Err(), "dockerapi: cancelled while sending request")
		}
		return RespError, "", errors.Wrap(err, "dockerapi: cannot write request")
	}

	status, body, err := readResponse(conn)
	if err != nil {
		if ctx.Err() != nil {
			return RespError, "", errors.Wrap(ctx.Err(), "dockerapi: cancelled while reading response")
		}
		return RespError, "", errors.Wrap(err, "dockerapi: cannot read response")
	}

	c.log.WithFields(logrus.Fields{
		"path":   path,
		"status": status,
	}).Debug("dockerapi: request completed")

	switch {
	case status >= 200 && status < 300:
		return RespOK, body, nil
	case status >= 400 && status < 500:
		return RespBadRequest, body, fmt.Errorf("dockerapi: runtime returned HTTP %d for %s", status, path)
	default:
		return RespError, body, fmt.Errorf("dockerapi: runtime returned HTTP %d for %s", status, path)
	}
}

// readResponse decodes a raw HTTP/1.1 response off conn: a status line,
// headers (discarded beyond what is needed to frame the body), and the
// body itself. The body is framed by chunked transfer encoding when the
// response announces it, else by Content-Length, else by connection close.
func readResponse(conn net.Conn) (statusCode int, body string, err error) {
	r := bufio.NewReader(conn)
	statusLine, err := r.ReadString('\n')
	if err != nil {
		return 0, "", errors.Wrap(err, "cannot read status line")
	}
	fields := strings.Fields(statusLine)
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "HTTP/") {
		return 0, "", errors.Errorf("malformed status line %q", statusLine)
	}
	if statusCode, err = strconv.Atoi(fields[1]); err != nil {
		return 0, "", errors.Wrapf(err, "malformed status line %q", statusLine)
	}

	contentLength := -1
	chunked := false
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return 0, "", errors.Wrap(err, "cannot read headers")
		}
		line = trimCRLF(line)
		if line == "" {
			break // end of headers
		}
		if n, ok := parseContentLength(line); ok {
			contentLength = n
		}
		if isChunkedTransferEncoding(line) {
			chunked = true
		}
	}

	if chunked {
		b, err := readChunkedBody(r)
		return statusCode, b, err
	}
	if contentLength >= 0 {
		buf := make([]byte, contentLength)
		if _, err := io.ReadFull(r, buf); err != nil {
			return statusCode, "", errors.Wrap(err, "cannot read response body")
		}
		return statusCode, string(buf), nil
	}
	// No framing information at all: read until EOF or connection close.
	rest, err := io.ReadAll(r)
	if err != nil {
		return statusCode, "", errors.Wrap(err, "cannot read response body")
	}
	return statusCode, string(rest), nil
}

// trimCRLF strips a single trailing "\r\n" or "\n" from a line read via
// bufio.Reader.ReadString('\n').
func trimCRLF(line string) string {
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	return line
}

// parseContentLength recognizes a "Content-Length: <n>" header line,
// case-insensitively, returning its value and true if it matched.
func parseContentLength(line string) (int, bool) {
	const prefix = "content-length:"
	if len(line) <= len(prefix) || !strings.EqualFold(line[:len(prefix)], prefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(line[len(prefix):]))
	if err != nil {
		return 0, false
	}
	return n, true
}

// isChunkedTransferEncoding recognizes a "Transfer-Encoding: chunked"
// header line, case-insensitively.
func isChunkedTransferEncoding(line string) bool {
	const prefix = "transfer-encoding:"
	if len(line) <= len(prefix) || !strings.EqualFold(line[:len(prefix)], prefix) {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(line[len(prefix):]), "chunked")
}

func readChunkedBody(r *bufio.Reader) (string, error) {
	var body []byte
	for {
		sizeLine, err := r.ReadString('\n')
		if err != nil {
			return "", errors.Wrap(err, "cannot read chunk size")
		}
		sizeLine = trimCRLF(sizeLine)
		var size int64
		if _, err := fmt.Sscanf(sizeLine, "%x", &size); err != nil {
			return "", errors.Wrapf(err, "malformed chunk size %q", sizeLine)
		}
		if size == 0 {
			// Consume the trailing CRLF after the zero chunk and stop.
			_, _ = r.ReadString('\n')
			break
		}
		chunk := make([]byte, size)
		if _, err := io.ReadFull(r, chunk); err != nil {
			return "", errors.Wrap(err, "cannot read chunk body")
		}
		body = append(body, chunk...)
		_, _ = r.ReadString('\n') // trailing CRLF after each chunk
	}
	return string(body), nil
}
