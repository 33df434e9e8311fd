// Package wire encodes the frames exchanged over the broadcast medium and
// the reliable payload channel. All integers are big-endian.
package wire

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"strconv"
)

const (
	Version byte = 1

	IDHashSize         = 8
	AnnouncementSize   = 10
	FragmentHeaderSize = 12
	RequestSize        = 8

	// MaxFragments is bounded by the one-byte total field.
	MaxFragments = 255
)

var (
	ErrShortFrame    = errors.New("frame shorter than header")
	ErrEmptyFragment = errors.New("fragment carries no data")
	ErrBadIndex      = errors.New("fragment index out of range")
	ErrBadRequest    = errors.New("pull request must be exactly 8 bytes")
)

type Kind int

const (
	KindInvalid Kind = iota
	KindAnnouncement
	KindFragment
)

func (k Kind) String() string {
	switch k {
	case KindAnnouncement:
		return "announcement"
	case KindFragment:
		return "fragment"
	default:
		return "invalid"
	}
}

// Classify decides the frame shape from its length alone.
func Classify(frame []byte) Kind {
	switch {
	case len(frame) == AnnouncementSize:
		return KindAnnouncement
	case len(frame) > FragmentHeaderSize:
		return KindFragment
	default:
		return KindInvalid
	}
}

// Announcement is the "this message exists, ask me for it" beacon.
type Announcement struct {
	Version byte
	ID      uint64
	TTL     uint8
}

func EncodeAnnouncement(id uint64, ttl uint8) []byte {
	b := make([]byte, AnnouncementSize)
	b[0] = Version
	binary.BigEndian.PutUint64(b[1:9], id)
	b[9] = ttl
	return b
}

func DecodeAnnouncement(b []byte) (Announcement, error) {
	if len(b) < AnnouncementSize {
		return Announcement{}, ErrShortFrame
	}
	return Announcement{
		Version: b[0],
		ID:      binary.BigEndian.Uint64(b[1:9]),
		TTL:     b[9],
	}, nil
}

// Fragment is one slice of a base64-encoded message record.
type Fragment struct {
	Version byte
	IDHash  [IDHashSize]byte
	Index   uint8
	Total   uint8
	TTL     uint8
	Data    []byte
}

func EncodeFragment(f Fragment) []byte {
	b := make([]byte, FragmentHeaderSize+len(f.Data))
	b[0] = Version
	copy(b[1:9], f.IDHash[:])
	b[9] = f.Index
	b[10] = f.Total
	b[11] = f.TTL
	copy(b[FragmentHeaderSize:], f.Data)
	return b
}

func DecodeFragment(b []byte) (Fragment, error) {
	if len(b) < FragmentHeaderSize {
		return Fragment{}, ErrShortFrame
	}
	if len(b) == FragmentHeaderSize {
		return Fragment{}, ErrEmptyFragment
	}
	f := Fragment{
		Version: b[0],
		Index:   b[9],
		Total:   b[10],
		TTL:     b[11],
		Data:    append([]byte(nil), b[FragmentHeaderSize:]...),
	}
	copy(f.IDHash[:], b[1:9])
	if f.Total == 0 || f.Index >= f.Total {
		return Fragment{}, ErrBadIndex
	}
	return f, nil
}

// IDHash is the reassembly key carried in fragment frames: the first eight
// bytes of SHA-256 over the decimal message id.
func IDHash(id uint64) [IDHashSize]byte {
	sum := sha256.Sum256([]byte(strconv.FormatUint(id, 10)))
	var h [IDHashSize]byte
	copy(h[:], sum[:IDHashSize])
	return h
}

func EncodeRequest(id uint64) []byte {
	b := make([]byte, RequestSize)
	binary.BigEndian.PutUint64(b, id)
	return b
}

func DecodeRequest(b []byte) (uint64, error) {
	if len(b) != RequestSize {
		return 0, ErrBadRequest
	}
	return binary.BigEndian.Uint64(b), nil
}
