// Package upload moves local files into object storage through pre-signed
// URLs. Files under MultipartThreshold go up in one PUT; larger files are
// split into parts that are sent concurrently and then finalized with a
// single completion call.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/johnnynu/chaosfiles/internal"
	"github.com/johnnynu/chaosfiles/internal/auth"
	"github.com/johnnynu/chaosfiles/internal/backend"
	"github.com/johnnynu/chaosfiles/internal/types"
)

const defaultMediaType = "application/octet-stream"

// SessionProvider supplies the bearer token for the upload API and
// announces sign-in state changes on a channel with a single consumer.
type SessionProvider interface {
	Token(ctx context.Context) (string, error)
	Events() <-chan auth.Event
}

// Backend issues upload targets and finalizes multipart uploads.
type Backend interface {
	RequestUpload(ctx context.Context, token string, req types.UploadURLRequest) (types.UploadURLResponse, error)
	CompleteUpload(ctx context.Context, token string, req types.CompleteUploadRequest) (types.CompleteUploadResponse, error)
}

// Putter performs one storage PUT. *Transferer is the network
// implementation.
type Putter interface {
	Transfer(ctx context.Context, target Target, onProgress ProgressFunc) (string, error)
}

// Request is one file to upload. It is not modified by the orchestrator.
type Request struct {
	Source    io.ReaderAt
	Name      string
	Size      uint64
	MediaType string
}

type Result struct {
	Name   string
	FileID string
	Plan   Plan
	State  State
	// Err is a *FileError when State is Failed.
	Err error
}

// Session is the set of targets issued for one upload attempt.
type Session struct {
	FileID   string
	UploadID string
	Targets  []string
}

type Orchestrator struct {
	session  SessionProvider
	backend  Backend
	transfer Putter
	progress ProgressSink
	log      logrus.FieldLogger

	partConcurrency int
	fileConcurrency int

	mu         sync.Mutex
	token      string
	authCtx    context.Context
	authCancel context.CancelFunc
}

type Option func(*Orchestrator)

func WithLogger(log logrus.FieldLogger) Option {
	return func(o *Orchestrator) { o.log = log }
}

func WithProgress(sink ProgressSink) Option {
	return func(o *Orchestrator) { o.progress = sink }
}

func WithTransferer(t Putter) Option {
	return func(o *Orchestrator) { o.transfer = t }
}

// WithPartConcurrency bounds the parts of one file in flight at once.
func WithPartConcurrency(n int) Option {
	return func(o *Orchestrator) { o.partConcurrency = n }
}

// WithFileConcurrency bounds the files of a batch uploading at once.
func WithFileConcurrency(n int) Option {
	return func(o *Orchestrator) { o.fileConcurrency = n }
}

func New(session SessionProvider, backend Backend, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		session:         session,
		backend:         backend,
		log:             logrus.StandardLogger(),
		partConcurrency: DefaultConcurrency(),
		fileConcurrency: 1,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.progress == nil {
		o.progress = NewProgress()
	}
	if o.transfer == nil {
		o.transfer = NewTransferer(nil, WithTransferLogger(o.log))
	}
	if o.partConcurrency < 1 {
		o.partConcurrency = 1
	}
	if o.fileConcurrency < 1 {
		o.fileConcurrency = 1
	}
	o.authCtx, o.authCancel = context.WithCancel(context.Background())
	return o
}

// Watch consumes auth events until ctx is done or the channel closes. Any
// event drops the cached token; SignedOut and SignInFailed also abort
// credential requests in flight. Run it in its own goroutine.
func (o *Orchestrator) Watch(ctx context.Context) {
	events := o.session.Events()
	if events == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			o.handleAuthEvent(e)
		}
	}
}

func (o *Orchestrator) handleAuthEvent(e auth.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.token = ""
	if e == auth.SignedOut || e == auth.SignInFailed {
		o.authCancel()
		o.authCtx, o.authCancel = context.WithCancel(context.Background())
	}
	o.log.WithField("event", e).Info("auth state changed, token cache cleared")
}

// bearer returns the token and the auth generation it belongs to. The
// generation is cancelled when the session ends.
func (o *Orchestrator) bearer(ctx context.Context) (string, context.Context, error) {
	o.mu.Lock()
	token, gen := o.token, o.authCtx
	o.mu.Unlock()
	if token != "" {
		return token, gen, nil
	}

	token, err := o.session.Token(ctx)
	if err != nil {
		return "", nil, err
	}
	if token == "" {
		return "", nil, auth.ErrTokenUnavailable
	}

	o.mu.Lock()
	if o.authCtx == gen {
		o.token = token
	}
	o.mu.Unlock()
	return token, gen, nil
}

// dropToken forgets a token the API refused, unless the generation it came
// from has already been replaced.
func (o *Orchestrator) dropToken(gen context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.authCtx == gen {
		o.token = ""
	}
}

// Upload runs the whole pipeline for one file. Calling it again with the
// same request starts a fresh attempt.
func (o *Orchestrator) Upload(ctx context.Context, req Request) Result {
	return o.upload(ctx, req, nil)
}

func (o *Orchestrator) upload(ctx context.Context, req Request, track func(State)) Result {
	log := o.log.WithField("file", req.Name)
	res := Result{Name: req.Name, State: Selected}
	start := time.Now()

	move := func(s State) {
		res.State = s
		if track != nil {
			track(s)
		}
		log.WithField("state", s).Debug("upload state changed")
	}
	fail := func(reason Reason, err error) Result {
		ferr := &FileError{Name: req.Name, Stage: res.State, Reason: reason, Err: err}
		log.WithError(err).WithFields(logrus.Fields{
			"stage":  res.State,
			"reason": reason,
		}).Error("upload failed")
		move(Failed)
		res.Err = ferr
		return res
	}

	move(Planning)
	if err := ctx.Err(); err != nil {
		return fail(ReasonCancelled, err)
	}
	if req.Name == "" || (req.Source == nil && req.Size > 0) {
		return fail(ReasonPlanning, errInvalidRequest)
	}
	plan := NewPlan(req.Size)
	res.Plan = plan
	o.progress.Begin(req.Name, int(plan.PartCount))
	log.WithFields(logrus.Fields{
		"size":      internal.HumanSize(req.Size),
		"mode":      plan.Mode,
		"part_size": internal.HumanSize(plan.PartSize),
		"parts":     plan.PartCount,
	}).Info("upload planned")

	token, gen, err := o.bearer(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return fail(ReasonCancelled, err)
		}
		return fail(ReasonAuth, err)
	}

	move(AwaitingCredentials)
	sess, reason, err := o.requestSession(ctx, gen, token, req, plan)
	if err != nil {
		return fail(reason, err)
	}
	res.FileID = sess.FileID

	move(Transferring)
	parts, reason, err := o.transferAll(ctx, req, plan, sess)
	if err != nil {
		return fail(reason, err)
	}

	if plan.Mode == Multipart {
		move(Completing)
		if reason, err := o.complete(ctx, gen, token, sess, parts); err != nil {
			return fail(reason, err)
		}
	}

	move(Done)
	log.WithFields(logrus.Fields{
		"file_id": sess.FileID,
		"took":    time.Since(start).Round(time.Millisecond),
	}).Info("upload finished")
	return res
}

func (o *Orchestrator) requestSession(ctx, gen context.Context, token string, req Request, plan Plan) (Session, Reason, error) {
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(gen, cancel)
	defer stop()

	urlReq := types.UploadURLRequest{
		FileName: req.Name,
		FileType: mediaType(req),
		FileSize: int64(req.Size),
	}
	if plan.Mode == Multipart {
		urlReq.ChunkSize = int64(plan.PartSize)
	}

	resp, err := o.backend.RequestUpload(reqCtx, token, urlReq)
	if err != nil {
		if gen.Err() != nil {
			return Session{}, ReasonAuth, fmt.Errorf("session ended during credential request: %w", err)
		}
		reason := backendReason(ctx, err)
		if reason == ReasonAuth {
			o.dropToken(gen)
		}
		return Session{}, reason, fmt.Errorf("request upload url: %w", err)
	}

	sess, err := newSession(resp, plan)
	if err != nil {
		return Session{}, ReasonServerReject, err
	}
	return sess, 0, nil
}

func newSession(resp types.UploadURLResponse, plan Plan) (Session, error) {
	if plan.Mode == SinglePart {
		if resp.UploadURL == "" {
			return Session{}, fmt.Errorf("%w: no upload url", errBadSession)
		}
		return Session{FileID: resp.FileID, Targets: []string{resp.UploadURL}}, nil
	}
	if resp.UploadID == "" || resp.FileID == "" {
		return Session{}, fmt.Errorf("%w: missing upload or file id", errBadSession)
	}
	if len(resp.PartURLs) != int(plan.PartCount) {
		return Session{}, fmt.Errorf("%w: got %d part urls, want %d", errBadSession, len(resp.PartURLs), plan.PartCount)
	}
	return Session{
		FileID:   resp.FileID,
		UploadID: resp.UploadID,
		Targets:  resp.PartURLs,
	}, nil
}

// transferAll sends every part and waits for all of them, successful or
// not. Any failed part fails the file; all part errors are returned.
func (o *Orchestrator) transferAll(ctx context.Context, req Request, plan Plan, sess Session) ([]PartResult, Reason, error) {
	ranges := plan.Ranges(req.Size)

	if plan.Mode == SinglePart {
		_, err := o.transfer.Transfer(ctx, Target{
			URL:         sess.Targets[0],
			Source:      req.Source,
			Length:      req.Size,
			ContentType: mediaType(req),
		}, func(sent, total uint64) {
			o.progress.Record(req.Name, 0, fraction(sent, total))
		})
		if err != nil {
			return nil, transferReason(err), err
		}
		return nil, 0, nil
	}

	log := o.log.WithFields(logrus.Fields{"file": req.Name, "upload_id": sess.UploadID})
	parts := newPartSet(plan.PartCount)
	errs := make([]error, len(ranges))
	sem := semaphore.NewWeighted(int64(o.partConcurrency))
	var wg sync.WaitGroup

	for i, rng := range ranges {
		part := uint32(i + 1)
		if err := sem.Acquire(ctx, 1); err != nil {
			for j := i; j < len(ranges); j++ {
				errs[j] = &TransferError{Kind: TransferCancelled, Part: uint32(j + 1), Err: err}
			}
			break
		}
		wg.Add(1)
		go func(i int, part uint32, rng ByteRange) {
			defer wg.Done()
			defer sem.Release(1)

			etag, err := o.transfer.Transfer(ctx, Target{
				URL:         sess.Targets[i],
				Source:      req.Source,
				Offset:      rng.Offset,
				Length:      rng.Length,
				ContentType: defaultMediaType,
				Part:        part,
			}, func(sent, total uint64) {
				o.progress.Record(req.Name, i, fraction(sent, total))
			})
			if err != nil {
				log.WithError(err).WithField("part", part).Warn("part upload failed")
				errs[i] = err
				return
			}
			if !parts.accept(PartResult{PartNumber: part, ETag: etag}) {
				log.WithField("part", part).Warn("duplicate part result ignored")
			}
		}(i, part, rng)
	}
	wg.Wait()

	var merr *multierror.Error
	reason := Reason(0)
	for _, err := range errs {
		if err == nil {
			continue
		}
		merr = multierror.Append(merr, err)
		r := transferReason(err)
		if reason == 0 || r == ReasonCancelled {
			reason = r
		}
	}
	if err := merr.ErrorOrNil(); err != nil {
		return nil, reason, err
	}
	if !parts.complete() {
		return nil, ReasonHTTP, errMissingParts
	}
	return parts.sorted(), 0, nil
}

func (o *Orchestrator) complete(ctx, gen context.Context, token string, sess Session, parts []PartResult) (Reason, error) {
	_, err := o.backend.CompleteUpload(ctx, token, types.CompleteUploadRequest{
		FileID:   sess.FileID,
		UploadID: sess.UploadID,
		Parts:    completedParts(parts),
	})
	if err != nil {
		reason := backendReason(ctx, err)
		if reason == ReasonAuth {
			o.dropToken(gen)
		}
		return reason, fmt.Errorf("complete upload: %w", err)
	}
	return 0, nil
}

func mediaType(req Request) string {
	if req.MediaType == "" {
		return defaultMediaType
	}
	return req.MediaType
}

func backendReason(ctx context.Context, err error) Reason {
	if ctx.Err() != nil {
		return ReasonCancelled
	}
	var apiErr *backend.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Unauthorized() {
			return ReasonAuth
		}
		return ReasonServerReject
	}
	return ReasonNetwork
}

func transferReason(err error) Reason {
	var terr *TransferError
	if errors.As(err, &terr) {
		return terr.Kind.reason()
	}
	return ReasonNetwork
}
