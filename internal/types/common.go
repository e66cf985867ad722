package types

// UploadURLRequest asks the backend for pre-signed upload targets.
// ChunkSize is set only for multipart uploads.
type UploadURLRequest struct {
	FileName  string `json:"fileName"`
	FileType  string `json:"fileType"`
	FileSize  int64  `json:"fileSize"`
	ChunkSize int64  `json:"chunkSize,omitempty"`
}

// UploadURLResponse carries either UploadURL (single part) or UploadID
// and PartURLs (multipart, one URL per part in part order).
type UploadURLResponse struct {
	UploadURL string   `json:"uploadUrl,omitempty"`
	FileID    string   `json:"fileID"`
	UploadID  string   `json:"uploadId,omitempty"`
	PartURLs  []string `json:"partUrls,omitempty"`
}

type CompleteUploadRequest struct {
	FileID   string               `json:"fileID"`
	UploadID string               `json:"uploadId"`
	Parts    []CompleteUploadPart `json:"parts"`
}

type CompleteUploadPart struct {
	ETag       string `json:"ETag"`
	PartNumber int32  `json:"PartNumber"`
}

type CompleteUploadResponse struct {
	Message string `json:"message"`
	FileID  string `json:"fileID"`
}
