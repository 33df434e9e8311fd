package wire

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAnnouncementLayout(t *testing.T) {
	frame := EncodeAnnouncement(0x0102030405060708, 3)
	require.Equal(t, []byte{1, 1, 2, 3, 4, 5, 6, 7, 8, 3}, frame)
	require.Equal(t, KindAnnouncement, Classify(frame))

	a, err := DecodeAnnouncement(frame)
	require.NoError(t, err)
	require.Equal(t, uint64(0x0102030405060708), a.ID)
	require.Equal(t, uint8(3), a.TTL)
}

func TestUnknownVersionStillParses(t *testing.T) {
	frame := EncodeAnnouncement(42, 1)
	frame[0] = 9
	a, err := DecodeAnnouncement(frame)
	require.NoError(t, err)
	require.Equal(t, uint64(42), a.ID)
	require.Equal(t, byte(9), a.Version)
}

func TestShortFramesAreRejected(t *testing.T) {
	_, err := DecodeAnnouncement(make([]byte, AnnouncementSize-1))
	require.ErrorIs(t, err, ErrShortFrame)

	_, err = DecodeFragment(make([]byte, FragmentHeaderSize-1))
	require.ErrorIs(t, err, ErrShortFrame)

	_, err = DecodeFragment(make([]byte, FragmentHeaderSize))
	require.ErrorIs(t, err, ErrEmptyFragment)

	require.Equal(t, KindInvalid, Classify(nil))
	require.Equal(t, KindInvalid, Classify(make([]byte, 11)))
	require.Equal(t, KindInvalid, Classify(make([]byte, FragmentHeaderSize)))
}

func TestFragmentLayout(t *testing.T) {
	f := Fragment{IDHash: IDHash(42), Index: 1, Total: 3, TTL: 2, Data: []byte("QUJD")}
	frame := EncodeFragment(f)
	require.Len(t, frame, FragmentHeaderSize+4)
	require.Equal(t, Version, frame[0])
	require.Equal(t, []byte{1, 3, 2}, frame[9:12])
	require.Equal(t, KindFragment, Classify(frame))

	got, err := DecodeFragment(frame)
	require.NoError(t, err)
	require.Equal(t, f.IDHash, got.IDHash)
	require.Equal(t, f.Data, got.Data)
	require.Equal(t, uint8(1), got.Index)
	require.Equal(t, uint8(3), got.Total)
	require.Equal(t, uint8(2), got.TTL)

	frame[9] = 3
	_, err = DecodeFragment(frame)
	require.ErrorIs(t, err, ErrBadIndex)
}

func TestIDHashIsStable(t *testing.T) {
	require.Equal(t, IDHash(42), IDHash(42))
	require.NotEqual(t, IDHash(42), IDHash(43))
}

func TestRequest(t *testing.T) {
	b := EncodeRequest(42)
	require.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 42}, b)
	id, err := DecodeRequest(b)
	require.NoError(t, err)
	require.Equal(t, uint64(42), id)

	_, err = DecodeRequest(b[:7])
	require.ErrorIs(t, err, ErrBadRequest)
	_, err = DecodeRequest(append(b, 0))
	require.ErrorIs(t, err, ErrBadRequest)
}

func TestSplitJoinAnyOrder(t *testing.T) {
	rec := Record{ID: 42, TTL: 3, Ciphertext: bytes.Repeat([]byte{0xab, 0x01, 0x7f}, 40)}
	frags, err := Split(rec, 15)
	require.NoError(t, err)
	require.Greater(t, len(frags), 1)

	rng := rand.New(rand.NewSource(1))
	rng.Shuffle(len(frags), func(i, j int) { frags[i], frags[j] = frags[j], frags[i] })

	parts := make([][]byte, len(frags))
	for _, f := range frags {
		decoded, err := DecodeFragment(EncodeFragment(f))
		require.NoError(t, err)
		require.Equal(t, IDHash(42), decoded.IDHash)
		parts[decoded.Index] = decoded.Data
	}
	got, err := Join(parts)
	require.NoError(t, err)
	require.Equal(t, rec, got)
}

func TestSplitLimits(t *testing.T) {
	_, err := Split(Record{ID: 1, Ciphertext: []byte{1}}, 0)
	require.Error(t, err)

	_, err = Split(Record{ID: 1, Ciphertext: make([]byte, 400)}, 1)
	require.Error(t, err, "more than 255 fragments")
}

func TestJoinRejectsGarbage(t *testing.T) {
	_, err := Join([][]byte{[]byte("not base64!")})
	require.Error(t, err)
}

func TestBody(t *testing.T) {
	in := Body{Sender: "ranger-7", Message: "bridge out on route 9", Timestamp: "2026-10-17T10:00:00+0000"}
	raw, err := EncodeBody(in)
	require.NoError(t, err)
	out, err := DecodeBody(raw)
	require.NoError(t, err)
	require.Equal(t, in, out)

	_, err = DecodeBody([]byte{0xff})
	require.Error(t, err)
}
