package mesh

import (
	"encoding/binary"
	"time"

	"github.com/google/uuid"

	"github.com/baderanaas/hushmesh/pkg/radio"
)

// Message is one alert as seen by the application.
type Message struct {
	ID        uint64 `json:"id"`
	TTL       uint8  `json:"ttl"`
	Sender    string `json:"sender"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`

	// Ciphertext is what travels over the radio.
	Ciphertext []byte `json:"-"`
	// SourcePeer is the neighbour the message was heard from. Empty for
	// messages originated here.
	SourcePeer radio.PeerID `json:"-"`
}

// Local reports whether the message was originated on this node.
func (m Message) Local() bool { return m.SourcePeer == "" }

// NewID mixes a random UUID with the current time into a message id.
func NewID(now time.Time) uint64 {
	u := uuid.New()
	return binary.BigEndian.Uint64(u[:8]) ^ uint64(now.UnixNano())
}

// State is the progress of one message id through the coordinator.
type State int

const (
	StateUnseen State = iota
	StateAnnounced
	StateFetching
	StateDecrypted
	StateRebroadcastScheduled
	StateRebroadcastSent
)

func (s State) String() string {
	switch s {
	case StateAnnounced:
		return "announced"
	case StateFetching:
		return "fetching"
	case StateDecrypted:
		return "decrypted"
	case StateRebroadcastScheduled:
		return "rebroadcast-scheduled"
	case StateRebroadcastSent:
		return "rebroadcast-sent"
	default:
		return "unseen"
	}
}

// Outcome is the terminal result for an id.
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeDelivered
	OutcomeDropped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeDropped:
		return "dropped"
	default:
		return "pending"
	}
}
