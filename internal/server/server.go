// Package server is the reference upload API: it registers files, hands out
// pre-signed storage URLs and finalizes multipart uploads.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/johnnynu/chaosfiles/internal"
	"github.com/johnnynu/chaosfiles/internal/types"
	"github.com/johnnynu/chaosfiles/internal/upload"
)

const (
	DefaultMaxFileSize = int64(1) << 40
	MaxParts           = 10000
)

type Options struct {
	MaxFileSize   int64
	PutURLExpiry  time.Duration
	PartURLExpiry time.Duration
	// Tokens maps accepted bearer tokens to user ids.
	Tokens map[string]string
}

type Server struct {
	store ObjectStore
	files *Registry
	opts  Options
	log   logrus.FieldLogger
	newID func() string
}

func New(store ObjectStore, files *Registry, opts Options, log logrus.FieldLogger) *Server {
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}
	if opts.PutURLExpiry <= 0 {
		opts.PutURLExpiry = 15 * time.Minute
	}
	if opts.PartURLExpiry <= 0 {
		opts.PartURLExpiry = 24 * time.Hour
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{
		store: store,
		files: files,
		opts:  opts,
		log:   log,
		newID: func() string { return uuid.New().String() },
	}
}

// Router returns the API routes. Upload routes require a bearer token.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "ok")
	}).Methods(http.MethodGet)

	api := r.NewRoute().Subrouter()
	api.Use(s.authenticate)
	api.HandleFunc("/upload-url", s.handleUploadURL).Methods(http.MethodPost)
	api.HandleFunc("/complete-upload", s.handleCompleteUpload).Methods(http.MethodPost)
	return r
}

type userKey struct{}

func userFrom(ctx context.Context) string {
	user, _ := ctx.Value(userKey{}).(string)
	return user
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		user := s.opts.Tokens[strings.TrimSpace(token)]
		if !ok || user == "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, user)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
			"status": rec.status,
			"took":   time.Since(start).Round(time.Millisecond),
		}).Info("request handled")
	})
}

func (s *Server) handleUploadURL(w http.ResponseWriter, r *http.Request) {
	var req types.UploadURLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.validateUploadRequest(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	user := userFrom(r.Context())
	file := File{
		FileID:   s.newID(),
		UserID:   user,
		FileName: req.FileName,
		FileType: req.FileType,
		FileSize: req.FileSize,
	}
	log := s.log.WithFields(logrus.Fields{"file_id": file.FileID, "user": user, "name": req.FileName})

	ctx := r.Context()
	resp := types.UploadURLResponse{FileID: file.FileID}
	if req.FileSize < int64(upload.MultipartThreshold) {
		u, err := s.store.PresignPut(ctx, file.FileID, req.FileType, s.opts.PutURLExpiry)
		if err != nil {
			s.internalError(w, log, err)
			return
		}
		resp.UploadURL = u
		file.Completed = true
	} else {
		uploadID, err := s.store.CreateMultipart(ctx, file.FileID, req.FileType)
		if err != nil {
			s.internalError(w, log, err)
			return
		}
		file.UploadID = uploadID
		resp.UploadID = uploadID

		n := partCount(req.FileSize, req.ChunkSize)
		resp.PartURLs = make([]string, n)
		for i := int64(0); i < n; i++ {
			u, err := s.store.PresignPart(ctx, file.FileID, uploadID, i+1, s.opts.PartURLExpiry)
			if err != nil {
				s.internalError(w, log, err)
				return
			}
			resp.PartURLs[i] = u
		}
	}

	if err := s.files.Create(file); err != nil {
		s.internalError(w, log, err)
		return
	}
	log.WithFields(logrus.Fields{
		"size":  internal.HumanSize(uint64(req.FileSize)),
		"parts": len(resp.PartURLs),
	}).Info("upload url issued")
	s.writeJSON(w, log, resp)
}

func (s *Server) validateUploadRequest(req types.UploadURLRequest) error {
	switch {
	case req.FileName == "":
		return errors.New("fileName is required")
	case req.FileSize <= 0:
		return errors.New("fileSize must be positive")
	case req.FileSize > s.opts.MaxFileSize:
		return fmt.Errorf("file exceeds the %s limit", internal.HumanSize(uint64(s.opts.MaxFileSize)))
	}
	if req.FileSize < int64(upload.MultipartThreshold) {
		return nil
	}
	if req.ChunkSize <= 0 {
		return errors.New("chunkSize is required for multipart uploads")
	}
	if partCount(req.FileSize, req.ChunkSize) > MaxParts {
		return errors.New("file size results in too many parts")
	}
	return nil
}

func (s *Server) handleCompleteUpload(w http.ResponseWriter, r *http.Request) {
	var req types.CompleteUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.FileID == "" || req.UploadID == "" || len(req.Parts) == 0 {
		http.Error(w, "fileID, uploadId and parts are required", http.StatusBadRequest)
		return
	}

	user := userFrom(r.Context())
	log := s.log.WithFields(logrus.Fields{"file_id": req.FileID, "user": user, "upload_id": req.UploadID})

	file, err := s.files.Get(req.FileID)
	if errors.Is(err, errFileNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		s.internalError(w, log, err)
		return
	}
	if file.UserID != user {
		log.Warn("completion refused, file belongs to another user")
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if file.UploadID != req.UploadID {
		http.Error(w, "uploadId does not match file", http.StatusBadRequest)
		return
	}

	if err := s.store.CompleteMultipart(r.Context(), file.FileID, req.UploadID, req.Parts); err != nil {
		s.internalError(w, log, err)
		return
	}
	if err := s.files.MarkCompleted(file.FileID); err != nil {
		s.internalError(w, log, err)
		return
	}

	log.WithField("parts", len(req.Parts)).Info("multipart upload completed")
	s.writeJSON(w, log, types.CompleteUploadResponse{
		Message: "Upload completed successfully",
		FileID:  file.FileID,
	})
}

func (s *Server) internalError(w http.ResponseWriter, log logrus.FieldLogger, err error) {
	log.WithError(err).Error("request failed")
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func partCount(size, chunk int64) int64 {
	return (size + chunk - 1) / chunk
}

func (s *Server) writeJSON(w http.ResponseWriter, log logrus.FieldLogger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Error("write response")
	}
}
