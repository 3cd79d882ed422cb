package models

// CaptionResponse is the result of captioning one image.
type CaptionResponse struct {
	RequestID         string    `json:"request_id"`
	Caption           string    `json:"caption"`
	Backend           string    `json:"backend"`
	Model             string    `json:"model,omitempty"`
	Image             ImageInfo `json:"image"`
	Timestamp         string    `json:"timestamp"`
	ProcessingTimeSec float64   `json:"processing_time_sec"`
}

// ImageInfo describes the captioned image.
type ImageInfo struct {
	Name        string `json:"name,omitempty"`
	Reference   string `json:"reference,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	SizeBytes   int    `json:"size_bytes"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error          string `json:"error"`
	Type           string `json:"type,omitempty"`
	Message        string `json:"message,omitempty"`
	UpstreamStatus int    `json:"upstream_status,omitempty"`
}
