// Package forwarder implements the Forwarder (C10): making one attempt
// against one upstream, streaming the response back to the downstream
// client chunk by chunk, and reporting enough detail (TTFT, bytes
// committed, error category) for the Failover Controller to decide
// whether a retry is still possible. Request-body buffering mirrors the
// read/forward loop the teacher uses for SSE (providers/anthropic.go's
// CompleteStream), generalized to a raw byte pass-through since AutoRouter
// proxies wire bytes rather than decoding them into a provider-neutral
// shape.
package forwarder

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/g1331/AutoRouter-sub005/internal/selector"
)

// Category classifies why an attempt ended the way it did, feeding the
// Failover Controller's continue/stop decision (spec §7).
type Category string

const (
	CategoryNone            Category = ""
	CategoryTimeout         Category = "timeout"
	CategoryConnectionError Category = "connection_error"
	CategoryHTTP5xx         Category = "http_5xx"
	CategoryHTTP4xx         Category = "http_4xx"
	CategoryHTTP429         Category = "http_429"
	CategoryAborted         Category = "aborted"
)

// DefaultChunkReadTimeout bounds how long a streaming read may block
// between chunks before the attempt is declared timed out (spec §4.10).
const DefaultChunkReadTimeout = 60 * time.Second

// DefaultReplayBufferMaxBytes caps how much of the inbound request body is
// retained for replay against a subsequent upstream on failover (spec
// §4.10). A body larger than this makes ReplayBuffer.Truncated report true;
// this package records no body_too_large_to_replay annotation itself.
const DefaultReplayBufferMaxBytes = 8 << 20

// Config tunes one Forwarder instance.
type Config struct {
	ChunkReadTimeout      time.Duration
	ReplayBufferMaxBytes  int
}

func (c Config) withDefaults() Config {
	if c.ChunkReadTimeout <= 0 {
		c.ChunkReadTimeout = DefaultChunkReadTimeout
	}
	if c.ReplayBufferMaxBytes <= 0 {
		c.ReplayBufferMaxBytes = DefaultReplayBufferMaxBytes
	}
	return c
}

// Attempt summarizes the outcome of one Forward call.
type Attempt struct {
	UpstreamID   string
	StatusCode   int
	Header       http.Header
	TTFT         *time.Duration
	BytesWritten int64
	Category     Category
	Err          error
	// Committed is true once any response byte reached the downstream
	// writer. Per spec §4.10, a committed attempt can never be retried —
	// the client has already seen part of this upstream's answer.
	Committed bool
	// Body holds the upstream's response bytes for a non-2xx attempt,
	// which Forward never writes to downstream itself (the Failover
	// Controller may still retry it). The caller is responsible for
	// writing Body to the real client once an attempt's disposition is
	// known to be final.
	Body []byte
}

// Forwarder executes single attempts against upstreams and publishes
// in-flight counts for the Selector's least_connections strategy.
type Forwarder struct {
	client   *http.Client
	cfg      Config
	inFlight *selector.AtomicInFlight
}

// New creates a Forwarder. client must not be nil; its Timeout should be
// zero or generous, since per-chunk timing is enforced independently here.
func New(cfg Config, client *http.Client, inFlight *selector.AtomicInFlight) *Forwarder {
	return &Forwarder{client: client, cfg: cfg.withDefaults(), inFlight: inFlight}
}

// Forward issues httpReq against one upstream. A 2xx response is committed
// to downstream immediately — non-streaming bodies are read in full before
// any bytes are written (so a failed read never partially commits),
// streaming bodies are flushed per SSE chunk, boundary-delimited by a blank
// line, matching how every capability in scope (spec §3) frames its
// events. A non-2xx response is never written to downstream or announced
// via onHeader here: the Failover Controller may still retry it, and only
// the caller, once an attempt's disposition is final, knows whether this
// response or a later one belongs on the wire. Its body is returned on
// Attempt.Body (bounded) for that caller to replay.
func (f *Forwarder) Forward(ctx context.Context, upstreamID string, httpReq *http.Request, downstream io.Writer, onHeader func(statusCode int, header http.Header), flush func(), isStream bool) Attempt {
	if f.inFlight != nil {
		f.inFlight.Inc(upstreamID)
		defer f.inFlight.Dec(upstreamID)
	}

	start := time.Now()
	resp, err := f.client.Do(httpReq)
	if err != nil {
		return Attempt{UpstreamID: upstreamID, Category: categorizeDialError(ctx, err), Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	attempt := Attempt{UpstreamID: upstreamID, StatusCode: resp.StatusCode, Header: resp.Header}
	success := resp.StatusCode >= 200 && resp.StatusCode < 300
	if resp.StatusCode >= 500 {
		attempt.Category = CategoryHTTP5xx
	} else if resp.StatusCode == http.StatusTooManyRequests {
		attempt.Category = CategoryHTTP429
	} else if resp.StatusCode >= 400 {
		attempt.Category = CategoryHTTP4xx
	}

	if !success {
		body, rerr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if rerr != nil {
			attempt.Category = CategoryConnectionError
			attempt.Err = rerr
			return attempt
		}
		attempt.Body = body
		return attempt
	}

	if onHeader != nil {
		onHeader(resp.StatusCode, resp.Header)
	}

	if !isStream {
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<30))
		if err != nil {
			attempt.Category = CategoryConnectionError
			attempt.Err = err
			return attempt
		}
		n, werr := downstream.Write(body)
		attempt.BytesWritten = int64(n)
		if n > 0 {
			attempt.Committed = true
		}
		if werr != nil {
			attempt.Category = CategoryAborted
			attempt.Err = werr
		}
		attempt.Body = body
		return attempt
	}

	reader := newDeadlineReader(resp.Body, f.cfg.ChunkReadTimeout)
	var ttft *time.Duration
	var buf bytes.Buffer
	chunk := make([]byte, 32*1024)
	for {
		n, rerr := reader.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			for {
				idx := bytes.Index(buf.Bytes(), []byte("\n\n"))
				if idx < 0 {
					break
				}
				piece := buf.Next(idx + 2)
				if ttft == nil {
					d := time.Since(start)
					ttft = &d
				}
				wn, werr := downstream.Write(piece)
				attempt.BytesWritten += int64(wn)
				if wn > 0 {
					attempt.Committed = true
				}
				if flush != nil {
					flush()
				}
				if werr != nil {
					attempt.Category = CategoryAborted
					attempt.Err = werr
					attempt.TTFT = ttft
					return attempt
				}
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				if buf.Len() > 0 {
					if ttft == nil {
						d := time.Since(start)
						ttft = &d
					}
					wn, _ := downstream.Write(buf.Bytes())
					attempt.BytesWritten += int64(wn)
					if wn > 0 {
						attempt.Committed = true
					}
					if flush != nil {
						flush()
					}
				}
				break
			}
			attempt.TTFT = ttft
			if attempt.Committed {
				attempt.Category = CategoryAborted
			} else if isTimeoutErr(rerr) {
				attempt.Category = CategoryTimeout
			} else {
				attempt.Category = CategoryConnectionError
			}
			attempt.Err = rerr
			return attempt
		}
	}
	attempt.TTFT = ttft
	return attempt
}

func categorizeDialError(ctx context.Context, err error) Category {
	if ctx.Err() != nil {
		return CategoryTimeout
	}
	if isTimeoutErr(err) {
		return CategoryTimeout
	}
	return CategoryConnectionError
}

func isTimeoutErr(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// deadlineReader enforces a maximum duration per Read call, used to detect
// a stalled upstream mid-stream (spec §4.10) since http.Response.Body
// exposes no per-read deadline of its own.
type deadlineReader struct {
	r       io.Reader
	timeout time.Duration
}

func newDeadlineReader(r io.Reader, timeout time.Duration) *deadlineReader {
	return &deadlineReader{r: r, timeout: timeout}
}

type readResult struct {
	n   int
	err error
}

func (d *deadlineReader) Read(p []byte) (int, error) {
	resultCh := make(chan readResult, 1)
	go func() {
		n, err := d.r.Read(p)
		resultCh <- readResult{n, err}
	}()

	timer := time.NewTimer(d.timeout)
	defer timer.Stop()
	select {
	case res := <-resultCh:
		return res.n, res.err
	case <-timer.C:
		return 0, errChunkTimeout
	}
}

var errChunkTimeout = chunkTimeoutError{}

type chunkTimeoutError struct{}

func (chunkTimeoutError) Error() string { return "forwarder: chunk read deadline exceeded" }
func (chunkTimeoutError) Timeout() bool { return true }
func (chunkTimeoutError) Temporary() bool { return true }

// ReplayBuffer captures up to maxBytes of an inbound request body so a
// failed attempt can be retried against a different upstream without
// re-reading from the original client connection.
type ReplayBuffer struct {
	data      bytes.Buffer
	max       int
	truncated bool
}

// NewReplayBuffer creates a ReplayBuffer capped at maxBytes.
func NewReplayBuffer(maxBytes int) *ReplayBuffer {
	if maxBytes <= 0 {
		maxBytes = DefaultReplayBufferMaxBytes
	}
	return &ReplayBuffer{max: maxBytes}
}

// Capture wraps body in a TeeReader that records up to b.max bytes into
// the buffer as the original reader is consumed, and returns the wrapped
// reader to use in place of body.
func (b *ReplayBuffer) Capture(body io.Reader) io.Reader {
	return io.TeeReader(body, &limitedWriter{buf: &b.data, max: b.max, truncated: &b.truncated})
}

// Truncated reports whether the captured body exceeded the cap, meaning it
// cannot be replayed — the caller should annotate the request as
// body_too_large_to_replay and treat the first attempt as final.
func (b *ReplayBuffer) Truncated() bool { return b.truncated }

// Reader returns a fresh reader over the captured bytes, for replay on a
// subsequent attempt. Must not be called if Truncated is true.
func (b *ReplayBuffer) Reader() io.Reader {
	return bytes.NewReader(b.data.Bytes())
}

type limitedWriter struct {
	buf       *bytes.Buffer
	max       int
	truncated *bool
	written   int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	if w.written >= w.max {
		*w.truncated = true
		return len(p), nil
	}
	remaining := w.max - w.written
	if len(p) > remaining {
		w.buf.Write(p[:remaining])
		w.written = w.max
		*w.truncated = true
		return len(p), nil
	}
	w.buf.Write(p)
	w.written += len(p)
	return len(p), nil
}
