package domain

import (
	"time"

	"github.com/google/uuid"
)

// QualityLevel is the discrete connection health shown to users
type QualityLevel string

const (
	QualityExcellent QualityLevel = "excellent"
	QualityGood      QualityLevel = "good"
	QualityFair      QualityLevel = "fair"
	QualityPoor      QualityLevel = "poor"
)

// Rank orders levels from best (0) to worst (3)
func (l QualityLevel) Rank() int {
	switch l {
	case QualityExcellent:
		return 0
	case QualityGood:
		return 1
	case QualityFair:
		return 2
	default:
		return 3
	}
}

// Bitrate holds per-kind receive rates in kbps
type Bitrate struct {
	Audio float64 `json:"audio"`
	Video float64 `json:"video"`
}

// QualityStats is one normalized sample of a peer connection. It is never
// persisted; the sampler owns it for the lifetime of the connection.
type QualityStats struct {
	Level      QualityLevel `json:"level"`
	PacketLoss float64      `json:"packet_loss"` // percent, 2 decimals
	RTT        int          `json:"rtt"`         // milliseconds
	Bitrate    Bitrate      `json:"bitrate"`
	Jitter     float64      `json:"jitter"` // milliseconds, 2 decimals
	Timestamp  time.Time    `json:"timestamp"`
}

// ConnectionKey identifies one monitored peer connection
type ConnectionKey struct {
	CallID uuid.UUID `json:"call_id"`
	UserID uuid.UUID `json:"user_id"`
}

// QualityLevelChange is reported when consecutive samples differ in level
type QualityLevelChange struct {
	ConnectionKey
	From QualityLevel `json:"from"`
	To   QualityLevel `json:"to"`
	At   time.Time    `json:"at"`
}

// Degraded reports whether the change went to a worse level
func (c QualityLevelChange) Degraded() bool {
	return c.To.Rank() > c.From.Rank()
}
