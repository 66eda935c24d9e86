package ingest

import (
	"github.com/brainlytree/sensor-server/internal/models"
)

// MessageKind is the classified shape of an inbound device message
type MessageKind int

const (
	KindUnknown MessageKind = iota
	KindChunk
	KindMetadata
	KindStatus
	KindTelemetry
)

// String returns the kind name for logging
func (k MessageKind) String() string {
	switch k {
	case KindChunk:
		return "chunk"
	case KindMetadata:
		return "metadata"
	case KindStatus:
		return "status"
	case KindTelemetry:
		return "telemetry"
	default:
		return "unknown"
	}
}

// Classify determines a message's kind from field presence. The order
// matters: chunks also carry the image name, and metadata may carry
// readings, so the most specific shape wins.
func Classify(msg *models.DeviceMessage) MessageKind {
	switch {
	case msg.ChunkID != nil:
		return KindChunk
	case msg.ImageName != "" || msg.TotalChunks != nil:
		return KindMetadata
	case msg.Status != "":
		return KindStatus
	case msg.HasReading():
		return KindTelemetry
	default:
		return KindUnknown
	}
}
