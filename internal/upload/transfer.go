package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/johnnynu/chaosfiles/internal"
)

// Target is one storage PUT: a byte range of Source sent to a pre-signed
// URL. Part is the 1-based part number of a multipart upload and zero for a
// single part upload.
type Target struct {
	URL         string
	Source      io.ReaderAt
	Offset      uint64
	Length      uint64
	ContentType string
	Part        uint32
}

// ProgressFunc is called with the bytes sent so far and the payload size.
type ProgressFunc func(sent, total uint64)

// DefaultConcurrency calculates the default part concurrency based on CPU count.
func DefaultConcurrency() int {
	c := runtime.NumCPU() * 3

	if c > 20 {
		c = 20
	}

	if c < 2 {
		c = 2
	}

	return c
}

// DefaultHTTPClient creates an HTTP client tuned for parallel part uploads.
// Request deadlines come from the context, not the client.
func DefaultHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        50,
			MaxConnsPerHost:     20,
			IdleConnTimeout:     10 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
			Proxy:               http.ProxyFromEnvironment,
		},
	}
}

// Transferer executes storage PUTs. It never retries.
type Transferer struct {
	client      *http.Client
	timeout     time.Duration
	verifyETags bool
	sent        internal.Counter
	log         logrus.FieldLogger
}

type TransfererOption func(*Transferer)

// WithRequestTimeout bounds every PUT. Expiry is reported as a network
// failure.
func WithRequestTimeout(d time.Duration) TransfererOption {
	return func(t *Transferer) { t.timeout = d }
}

// WithETagVerification compares the MD5 of each part with a plain ETag.
func WithETagVerification(enabled bool) TransfererOption {
	return func(t *Transferer) { t.verifyETags = enabled }
}

func WithTransferLogger(log logrus.FieldLogger) TransfererOption {
	return func(t *Transferer) { t.log = log }
}

func NewTransferer(client *http.Client, opts ...TransfererOption) *Transferer {
	if client == nil {
		client = DefaultHTTPClient()
	}
	t := &Transferer{
		client: client,
		log:    logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// BytesSent returns the payload bytes handed to the transport so far,
// across all transfers.
func (t *Transferer) BytesSent() int64 {
	return t.sent.Get()
}

// CloseIdleConnections closes idle connections in the HTTP client.
func (t *Transferer) CloseIdleConnections() {
	t.client.CloseIdleConnections()
}

// Transfer PUTs the target's byte range and returns the ETag for multipart
// parts. onProgress may be nil.
func (t *Transferer) Transfer(ctx context.Context, target Target, onProgress ProgressFunc) (string, error) {
	log := t.log.WithFields(logrus.Fields{"part": target.Part, "size": target.Length})
	pr := &progressTracker{total: target.Length, fn: onProgress, counter: &t.sent}
	pr.report(0)

	reqCtx := ctx
	if t.timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	var body io.Reader = http.NoBody
	if target.Length > 0 {
		body = pr.body(target)
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPut, target.URL, body)
	if err != nil {
		return "", &TransferError{Kind: TransferNetwork, Part: target.Part, Err: fmt.Errorf("create request: %w", err)}
	}
	req.ContentLength = int64(target.Length)
	if target.Length > 0 {
		// a redirect re-sends the range while the first body may still be read
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(pr.body(target)), nil
		}
	}
	if target.ContentType != "" {
		req.Header.Set("Content-Type", target.ContentType)
	}

	start := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		pr.finish(false)
		if ctx.Err() != nil {
			return "", &TransferError{Kind: TransferCancelled, Part: target.Part, Err: ctx.Err()}
		}
		return "", &TransferError{Kind: TransferNetwork, Part: target.Part, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		pr.finish(false)
		errorBody := make([]byte, 1024)
		n, _ := io.ReadAtLeast(resp.Body, errorBody, 1)
		return "", &TransferError{
			Kind:   TransferHTTP,
			Status: resp.StatusCode,
			Part:   target.Part,
			Err:    errors.New(strings.TrimSpace(string(errorBody[:n]))),
		}
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	var etag string
	if target.Part > 0 {
		etag = resp.Header.Get("ETag")
		if etag == "" {
			pr.finish(false)
			return "", &TransferError{Kind: TransferHTTP, Status: resp.StatusCode, Part: target.Part, Err: errMissingETag}
		}
		if t.verifyETags && target.Length > 0 {
			if err := verifyETag(targetRange(target), etag); err != nil {
				pr.finish(false)
				return "", &TransferError{Kind: TransferHTTP, Status: resp.StatusCode, Part: target.Part, Err: err}
			}
		}
	}

	pr.finish(true)
	log.WithField("took", time.Since(start).Round(time.Millisecond)).Debug("transfer finished")
	return etag, nil
}

func targetRange(target Target) *internal.ChunkReader {
	return internal.NewChunkReader(target.Source, int64(target.Offset), int64(target.Offset+target.Length))
}

// verifyETag compares the part checksum with etag when etag is a plain MD5.
// Other ETag forms, e.g. from SSE-KMS objects, are accepted as is.
func verifyETag(chunk *internal.ChunkReader, etag string) error {
	plain := strings.Trim(etag, `"`)
	if !isHexMD5(plain) {
		return nil
	}
	_, sum, err := chunk.MD5()
	if err != nil {
		return fmt.Errorf("checksum part: %w", err)
	}
	if !strings.EqualFold(sum, plain) {
		return fmt.Errorf("%w: got %s, want %s", errETagMismatch, plain, sum)
	}
	return nil
}

func isHexMD5(s string) bool {
	if len(s) != 32 {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// progressTracker reports the bytes the transport has read. A redirect
// starts a new body from offset zero, so only reads past the high-water
// mark of all bodies are reported and counted. Reporting stops at finish
// since the transport may keep reading after Do returns.
type progressTracker struct {
	mu       sync.Mutex
	reported uint64
	total    uint64
	done     bool
	fn       ProgressFunc
	counter  *internal.Counter
}

// progressBody is the request body of one attempt.
type progressBody struct {
	r    io.Reader
	sent uint64
	t    *progressTracker
}

func (p *progressTracker) body(target Target) *progressBody {
	return &progressBody{r: targetRange(target), t: p}
}

func (b *progressBody) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if n > 0 {
		b.t.advance(b, uint64(n))
	}
	return n, err
}

func (p *progressTracker) advance(b *progressBody, n uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b.sent += n
	if p.done || b.sent <= p.reported {
		return
	}
	p.count(b.sent)
	p.report(b.sent)
}

// count moves the high-water mark to sent. Must hold p.mu.
func (p *progressTracker) count(sent uint64) {
	if p.counter != nil {
		p.counter.Increment(int64(sent - p.reported))
	}
	p.reported = sent
}

func (p *progressTracker) report(sent uint64) {
	if p.fn != nil {
		p.fn(sent, p.total)
	}
}

func (p *progressTracker) finish(success bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return
	}
	p.done = true
	if success {
		if p.reported < p.total {
			p.count(p.total)
		}
		p.report(p.total)
	}
}
