package models

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// DeviceMessage is the superset of every inbound device message
// shape. Field presence drives classification: a chunk index means
// chunk, an image name without a chunk index means metadata, a status
// marker means hello, a bare reading means telemetry-only.
type DeviceMessage struct {
	DeviceID string `json:"device_id"`

	// Status message fields
	Status        string `json:"status,omitempty"`
	PendingImages *int   `json:"pendingImg,omitempty"`

	// Metadata fields
	ImageName   string `json:"image_name,omitempty"`
	ImageSize   int    `json:"image_size,omitempty"`
	TotalChunks *int   `json:"total_chunks_count,omitempty"`
	Location    string `json:"location,omitempty"`
	ErrorCode   int    `json:"error,omitempty"`

	// CaptureTimestamp is RFC3339 from the device clock
	CaptureTimestamp string `json:"capture_timestamp,omitempty"`

	// Chunk fields
	ChunkID      *int         `json:"chunk_id,omitempty"`
	MaxChunkSize int          `json:"max_chunk_size,omitempty"`
	Payload      ChunkPayload `json:"payload,omitempty"`

	// Environmental readings (BME680)
	Temperature   *float64 `json:"temperature,omitempty"`
	Humidity      *float64 `json:"humidity,omitempty"`
	Pressure      *float64 `json:"pressure,omitempty"`
	GasResistance *float64 `json:"gas_resistance,omitempty"`
}

// CapturedAt parses the device capture timestamp, falling back to
// the server clock when absent or malformed (device RTCs drift).
func (m *DeviceMessage) CapturedAt(now time.Time) time.Time {
	if m.CaptureTimestamp == "" {
		return now
	}
	t, err := time.Parse(time.RFC3339, m.CaptureTimestamp)
	if err != nil {
		return now
	}
	return t
}

// HasReading reports whether at least one environmental value is set
func (m *DeviceMessage) HasReading() bool {
	return m.Temperature != nil || m.Humidity != nil || m.Pressure != nil || m.GasResistance != nil
}

// ChunkPayload holds raw fragment bytes. Firmware revisions disagree
// on the encoding: newer devices send base64 strings, older ones an
// array of byte values. Both decode to the same bytes.
type ChunkPayload []byte

// UnmarshalJSON implements json.Unmarshaler
func (p *ChunkPayload) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		decoded, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return fmt.Errorf("decode chunk payload: %w", err)
		}
		*p = decoded
		return nil
	}

	var ints []int
	if err := json.Unmarshal(data, &ints); err != nil {
		return fmt.Errorf("chunk payload is neither base64 nor byte array")
	}
	out := make([]byte, len(ints))
	for i, v := range ints {
		if v < 0 || v > 255 {
			return fmt.Errorf("chunk payload byte out of range: %d", v)
		}
		out[i] = byte(v)
	}
	*p = out
	return nil
}

// MarshalJSON implements json.Marshaler
func (p ChunkPayload) MarshalJSON() ([]byte, error) {
	return json.Marshal(base64.StdEncoding.EncodeToString(p))
}

// MissingChunksAck asks the device to resend specific fragments
type MissingChunksAck struct {
	ImageName     string `json:"image_name"`
	MissingChunks []int  `json:"missing_chunks"`
}

// CompletionAck acknowledges a finished wake and carries the next
// scheduled wake time.
type CompletionAck struct {
	AckOK CompletionAckBody `json:"ACK_OK"`
}

// CompletionAckBody is the ACK_OK payload
type CompletionAckBody struct {
	ImageName    string `json:"image_name,omitempty"`
	NextWakeTime string `json:"next_wake_time"`
}

// DeviceCommand is an outbound command on the device's cmd topic
type DeviceCommand struct {
	CaptureImage bool   `json:"capture_image,omitempty"`
	SendImage    string `json:"send_image,omitempty"`
	NextWake     string `json:"next_wake,omitempty"`
}
