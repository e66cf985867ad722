package upload

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/johnnynu/chaosfiles/internal/auth"
	"github.com/johnnynu/chaosfiles/internal/backend"
	"github.com/johnnynu/chaosfiles/internal/types"
)

func testLogger() logrus.FieldLogger {
	log, _ := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	return log
}

// patternSource is an io.ReaderAt of any size whose byte at offset i is
// a function of i, so no file has to exist.
type patternSource struct{}

func (patternSource) ReadAt(p []byte, off int64) (int, error) {
	for i := range p {
		p[i] = byte((off + int64(i)) % 251)
	}
	return len(p), nil
}

func patternMD5(off, length uint64) string {
	h := md5.New()
	io.Copy(h, io.NewSectionReader(patternSource{}, int64(off), int64(length)))
	return hex.EncodeToString(h.Sum(nil))
}

type fakeSession struct {
	mu     sync.Mutex
	token  string
	err    error
	calls  int
	events chan auth.Event
}

func (s *fakeSession) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.token, s.err
}

func (s *fakeSession) setToken(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

func (s *fakeSession) Events() <-chan auth.Event {
	return s.events
}

func (s *fakeSession) tokenCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// fakeBackend issues targets on storageURL: /single/<name> for single part
// uploads and /parts/<name>/<n> for each part.
type fakeBackend struct {
	mu         sync.Mutex
	storageURL string

	uploadReqs   []types.UploadURLRequest
	tokens       []string
	rejectToken  string
	completeReqs []types.CompleteUploadRequest

	uploadErr   error
	completeErr error
	mangle      func(*types.UploadURLResponse)
	onRequest   func(ctx context.Context) error
}

func (b *fakeBackend) RequestUpload(ctx context.Context, token string, req types.UploadURLRequest) (types.UploadURLResponse, error) {
	b.mu.Lock()
	b.uploadReqs = append(b.uploadReqs, req)
	b.tokens = append(b.tokens, token)
	hook, uploadErr := b.onRequest, b.uploadErr
	if b.rejectToken != "" && token == b.rejectToken {
		uploadErr = &backend.APIError{Status: http.StatusUnauthorized}
	}
	b.mu.Unlock()

	if hook != nil {
		if err := hook(ctx); err != nil {
			return types.UploadURLResponse{}, err
		}
	}
	if uploadErr != nil {
		return types.UploadURLResponse{}, uploadErr
	}

	resp := types.UploadURLResponse{FileID: "file-" + req.FileName}
	if req.ChunkSize == 0 {
		resp.UploadURL = fmt.Sprintf("%s/single/%s", b.storageURL, req.FileName)
	} else {
		n := (req.FileSize + req.ChunkSize - 1) / req.ChunkSize
		resp.UploadID = "upload-" + req.FileName
		for i := int64(1); i <= n; i++ {
			resp.PartURLs = append(resp.PartURLs, fmt.Sprintf("%s/parts/%s/%d", b.storageURL, req.FileName, i))
		}
	}
	if b.mangle != nil {
		b.mangle(&resp)
	}
	return resp, nil
}

func (b *fakeBackend) CompleteUpload(ctx context.Context, token string, req types.CompleteUploadRequest) (types.CompleteUploadResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.completeReqs = append(b.completeReqs, req)
	if b.completeErr != nil {
		return types.CompleteUploadResponse{}, b.completeErr
	}
	return types.CompleteUploadResponse{Message: "Upload completed successfully", FileID: req.FileID}, nil
}

func (b *fakeBackend) setCompleteErr(err error) {
	b.mu.Lock()
	b.completeErr = err
	b.mu.Unlock()
}

func (b *fakeBackend) sentTokens() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.tokens...)
}

func (b *fakeBackend) uploadCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.uploadReqs)
}

func (b *fakeBackend) completions() []types.CompleteUploadRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]types.CompleteUploadRequest(nil), b.completeReqs...)
}

// fakeStorage accepts PUTs and answers with the MD5 of the body as ETag.
// Paths containing a fail substring get a 500.
type fakeStorage struct {
	mu       sync.Mutex
	received map[string]int64
	types    map[string]string
	fail     []string
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{received: map[string]int64{}, types: map[string]string{}}
}

func (s *fakeStorage) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h := md5.New()
	n, err := io.Copy(h, r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if n != r.ContentLength {
		http.Error(w, "short body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	fail := false
	for _, f := range s.fail {
		if strings.Contains(r.URL.Path, f) {
			fail = true
		}
	}
	s.received[r.URL.Path] = n
	s.types[r.URL.Path] = r.Header.Get("Content-Type")
	s.mu.Unlock()

	if fail {
		http.Error(w, "InternalError", http.StatusInternalServerError)
		return
	}
	w.Header().Set("ETag", `"`+hex.EncodeToString(h.Sum(nil))+`"`)
	w.WriteHeader(http.StatusOK)
}

func (s *fakeStorage) failOn(substr ...string) {
	s.mu.Lock()
	s.fail = append(s.fail, substr...)
	s.mu.Unlock()
}

func (s *fakeStorage) contentType(path string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.types[path]
}

func (s *fakeStorage) puts() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.received))
	for k, v := range s.received {
		out[k] = v
	}
	return out
}

// fakePutter stands in for the network. Parts finish after delay(part),
// and parts listed in fail return an http error.
type fakePutter struct {
	mu       sync.Mutex
	targets  []Target
	inFlight int
	maxIn    int
	fail     map[uint32]bool
	delay    func(part uint32) time.Duration
	block    chan struct{}
}

func (f *fakePutter) Transfer(ctx context.Context, target Target, onProgress ProgressFunc) (string, error) {
	f.mu.Lock()
	f.targets = append(f.targets, target)
	f.inFlight++
	if f.inFlight > f.maxIn {
		f.maxIn = f.inFlight
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	onProgress(0, target.Length)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return "", &TransferError{Kind: TransferCancelled, Part: target.Part, Err: ctx.Err()}
		}
	}
	if f.delay != nil {
		time.Sleep(f.delay(target.Part))
	}
	onProgress(target.Length/2, target.Length)
	if f.fail[target.Part] {
		return "", &TransferError{Kind: TransferHTTP, Status: http.StatusForbidden, Part: target.Part, Err: fmt.Errorf("AccessDenied")}
	}
	onProgress(target.Length, target.Length)
	if target.Part == 0 {
		return "", nil
	}
	return fmt.Sprintf(`"etag-%d"`, target.Part), nil
}

func (f *fakePutter) calls() []Target {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Target(nil), f.targets...)
}

// recordingSink keeps every percentage seen per file.
type recordingSink struct {
	*Progress
	mu   sync.Mutex
	seen map[string][]float64
}

func newRecordingSink() *recordingSink {
	return &recordingSink{Progress: NewProgress(), seen: map[string][]float64{}}
}

func (r *recordingSink) Record(name string, partIndex int, fraction float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Progress.Record(name, partIndex, fraction)
	r.seen[name] = append(r.seen[name], r.Progress.Current(name))
}

func (r *recordingSink) history(name string) []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]float64(nil), r.seen[name]...)
}

func assertNonDecreasing(t *testing.T, values []float64) {
	t.Helper()
	for i := 1; i < len(values); i++ {
		if values[i] < values[i-1] {
			t.Fatalf("progress went backwards at %d: %v -> %v", i, values[i-1], values[i])
		}
	}
}
