package models

import (
	"time"
)

// ImageStatus represents the transfer state of an image
type ImageStatus string

const (
	ImageReceiving ImageStatus = "receiving"
	ImageComplete  ImageStatus = "complete"
	ImageFailed    ImageStatus = "failed"
)

// Image represents one chunked image transfer. At most one image is
// attached to a wake. CapturedAt is preserved verbatim across
// retries; ResentReceivedAt records when a retried transfer finished.
type Image struct {
	BaseModel
	DeviceMAC MACAddr `json:"deviceMac" db:"device_mac"`
	Name      string  `json:"name" db:"name"`

	CapturedAt  time.Time   `json:"capturedAt" db:"captured_at"`
	SizeBytes   int         `json:"sizeBytes" db:"size_bytes"`
	TotalChunks int         `json:"totalChunks" db:"total_chunks"`
	Received    int         `json:"receivedChunks" db:"received_chunks"`
	Status      ImageStatus `json:"status" db:"status"`

	// StorageURL is set once the assembled bytes are persisted
	StorageURL string `json:"storageUrl,omitempty" db:"storage_url"`

	ResentReceivedAt *time.Time `json:"resentReceivedAt,omitempty" db:"resent_received_at"`
}
