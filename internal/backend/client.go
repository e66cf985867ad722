// Package backend is the HTTP client for the upload API: the Upload-URL
// Service that issues pre-signed targets and the Completion Service that
// finalizes multipart objects.
package backend

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"

	"github.com/johnnynu/chaosfiles/internal/types"
)

const (
	uploadURLPath      = "/upload-url"
	completeUploadPath = "/complete-upload"
)

// APIError is a non-2xx answer from the upload API.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upload api: %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("upload api: %d %s", e.Status, e.Body)
}

// Unauthorized reports whether the API refused the bearer token.
func (e *APIError) Unauthorized() bool {
	return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
}

type Client struct {
	c   *resty.Client
	log logrus.FieldLogger
}

func New(baseURL string, timeout time.Duration, log logrus.FieldLogger) *Client {
	if log == nil {
		log = logrus.StandardLogger()
	}
	c := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	return &Client{c: c, log: log}
}

// RequestUpload obtains either a single pre-signed PUT URL or a multipart
// upload id with one pre-signed URL per part.
func (c *Client) RequestUpload(ctx context.Context, token string, req types.UploadURLRequest) (types.UploadURLResponse, error) {
	var result types.UploadURLResponse
	resp, err := c.c.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(req).
		SetResult(&result).
		Post(uploadURLPath)
	if err != nil {
		return types.UploadURLResponse{}, fmt.Errorf("request upload url: %w", err)
	}
	if resp.IsError() {
		return types.UploadURLResponse{}, apiError(resp)
	}

	c.log.WithFields(logrus.Fields{
		"file":      req.FileName,
		"file_id":   result.FileID,
		"upload_id": result.UploadID,
		"parts":     len(result.PartURLs),
	}).Debug("upload url issued")
	return result, nil
}

// CompleteUpload finalizes a multipart upload.
func (c *Client) CompleteUpload(ctx context.Context, token string, req types.CompleteUploadRequest) (types.CompleteUploadResponse, error) {
	var result types.CompleteUploadResponse
	resp, err := c.c.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(req).
		SetResult(&result).
		Post(completeUploadPath)
	if err != nil {
		return types.CompleteUploadResponse{}, fmt.Errorf("complete upload: %w", err)
	}
	if resp.IsError() {
		return types.CompleteUploadResponse{}, apiError(resp)
	}

	c.log.WithFields(logrus.Fields{
		"file_id":   req.FileID,
		"upload_id": req.UploadID,
		"parts":     len(req.Parts),
	}).Debug("upload completed")
	return result, nil
}

func apiError(resp *resty.Response) error {
	return &APIError{
		Status: resp.StatusCode(),
		Body:   strings.TrimSpace(resp.String()),
	}
}
