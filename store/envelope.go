package store

import (
	"encoding/binary"
	"errors"
)

var errShortEnvelope = errors.New("store: truncated envelope")

// MarshalBinary encodes the envelope as a uvarint type length, the type
// name and the data bytes.
func (e Envelope) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, binary.MaxVarintLen64+len(e.Type)+len(e.Data))
	buf = binary.AppendUvarint(buf, uint64(len(e.Type)))
	buf = append(buf, e.Type...)
	buf = append(buf, e.Data...)
	return buf, nil
}

// UnmarshalBinary decodes an envelope written by MarshalBinary.
func (e *Envelope) UnmarshalBinary(b []byte) error {
	n, size := binary.Uvarint(b)
	if size <= 0 || uint64(len(b)-size) < n {
		return errShortEnvelope
	}
	b = b[size:]
	e.Type = string(b[:n])
	e.Data = append([]byte(nil), b[n:]...)
	return nil
}
