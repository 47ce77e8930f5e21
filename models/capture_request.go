package models

import "time"

// CaptureRequest is the decoded form of a snapshot channel's "capture"
// control message.
type CaptureRequest struct {
	Quality    int
	SaveToDisk bool
}

// CaptureResult accompanies the JPEG payload of a successful capture.
type CaptureResult struct {
	CaptureID  string    `json:"capture_id"`
	Serial     string    `json:"serial"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	CapturedAt time.Time `json:"captured_at"`
	Path       *string   `json:"path"`
	Bytes      int       `json:"bytes"`
}
