package wire

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{MaxArrayElements: 16, MaxMapPairs: 16}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Record is the full message as carried by the fragmenting transport.
// Only ciphertext travels; relays never need the key.
type Record struct {
	ID         uint64 `cbor:"1,keyasint"`
	TTL        uint8  `cbor:"2,keyasint"`
	Ciphertext []byte `cbor:"3,keyasint"`
}

func EncodeRecord(r Record) ([]byte, error) {
	return encMode.Marshal(r)
}

func DecodeRecord(b []byte) (Record, error) {
	var r Record
	if err := decMode.Unmarshal(b, &r); err != nil {
		return Record{}, fmt.Errorf("decode record: %w", err)
	}
	if len(r.Ciphertext) == 0 {
		return Record{}, errors.New("decode record: no ciphertext")
	}
	return r, nil
}

// Body is the plaintext sealed inside every ciphertext.
type Body struct {
	Sender    string `cbor:"1,keyasint"`
	Message   string `cbor:"2,keyasint"`
	Timestamp string `cbor:"3,keyasint"`
}

func EncodeBody(b Body) ([]byte, error) {
	return encMode.Marshal(b)
}

func DecodeBody(data []byte) (Body, error) {
	var b Body
	if err := decMode.Unmarshal(data, &b); err != nil {
		return Body{}, fmt.Errorf("decode body: %w", err)
	}
	return b, nil
}

// Split encodes the record, base64s it and cuts it into fragments of at most
// size bytes of base64 text each.
func Split(r Record, size int) ([]Fragment, error) {
	if size < 1 {
		return nil, fmt.Errorf("fragment size %d too small", size)
	}
	raw, err := EncodeRecord(r)
	if err != nil {
		return nil, err
	}
	text := base64.StdEncoding.EncodeToString(raw)
	total := (len(text) + size - 1) / size
	if total > MaxFragments {
		return nil, fmt.Errorf("record needs %d fragments, limit is %d", total, MaxFragments)
	}
	hash := IDHash(r.ID)
	frags := make([]Fragment, 0, total)
	for i := 0; i < total; i++ {
		end := min((i+1)*size, len(text))
		frags = append(frags, Fragment{
			Version: Version,
			IDHash:  hash,
			Index:   uint8(i),
			Total:   uint8(total),
			TTL:     r.TTL,
			Data:    []byte(text[i*size : end]),
		})
	}
	return frags, nil
}

// Join concatenates ordered fragment payloads and decodes the record.
func Join(parts [][]byte) (Record, error) {
	var n int
	for _, p := range parts {
		n += len(p)
	}
	text := make([]byte, 0, n)
	for _, p := range parts {
		text = append(text, p...)
	}
	raw, err := base64.StdEncoding.DecodeString(string(text))
	if err != nil {
		return Record{}, fmt.Errorf("base64: %w", err)
	}
	return DecodeRecord(raw)
}
