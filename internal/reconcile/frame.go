package reconcile

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// maxFrameSize bounds a single frame body, guarding against a peer
// announcing an absurd length prefix.
const maxFrameSize = 16 << 20 // 16 MiB

// frameKind distinguishes the four message shapes carried over a session.
type frameKind string

const (
	kindTestRequest    frameKind = "test_req"
	kindTestResponse   frameKind = "test_resp"
	kindSubmitRequest  frameKind = "submit_req"
	kindSubmitResponse frameKind = "submit_resp"
)

// frame is the single wire envelope for every reconciliation message,
// length-prefixed and JSON-encoded per connection.
type frame struct {
	ID      uint64       `json:"id"`
	Kind    frameKind    `json:"kind"`
	Hash    string       `json:"hash,omitempty"`   // hex-encoded content hash
	Exists  bool         `json:"exists,omitempty"` // test_resp
	Message *wireMessage `json:"message,omitempty"`
	Err     string       `json:"err,omitempty"` // submit_resp failure reason
}

// wireMessage is the JSON shape of an inventory.Message on the wire.
type wireMessage struct {
	Payload        []byte `json:"payload"`
	Nonce          int64  `json:"nonce"`
	ExpirationTime int64  `json:"expiration_time"`
}

func readFrame(r io.Reader) (frame, error) {
	var f frame
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return f, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return f, fmt.Errorf("reconcile: frame too large (%d bytes)", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return f, err
	}
	if err := json.Unmarshal(body, &f); err != nil {
		return f, fmt.Errorf("reconcile: decode frame: %w", err)
	}
	return f, nil
}

func writeFrame(w io.Writer, f frame) error {
	body, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("reconcile: encode frame: %w", err)
	}
	if len(body) > maxFrameSize {
		return fmt.Errorf("reconcile: outgoing frame too large (%d bytes)", len(body))
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}
