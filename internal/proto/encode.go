package proto

import (
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/pkg/errors"
)

// maxBlobLen bounds a single resource proxy message.
const maxBlobLen = 1 << 20

// Resource proxy operations.
const (
	OpGet     = "get"
	OpInstall = "install"
	OpClose   = "close"
)

// ResourceRequest is sent by the driver side of the resource proxy. For
// OpInstall the descriptor to install follows the blob as a control message.
type ResourceRequest struct {
	Op      string `json:"op"`
	PID     int32  `json:"pid"`
	TID     int32  `json:"tid"`
	Fd      int32  `json:"fd,omitempty"`
	Cloexec bool   `json:"cloexec,omitempty"`
}

// ResourceResponse answers a ResourceRequest. For a successful OpGet the
// descriptor follows the blob as a control message.
type ResourceResponse struct {
	Fd    int32  `json:"fd,omitempty"`
	Errno int32  `json:"errno,omitempty"`
	Error string `json:"error,omitempty"`
}

// WriteBlob writes obj as a length-prefixed JSON blob.
func WriteBlob(dst io.Writer, obj interface{}) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	if len(data) > maxBlobLen {
		return errors.Errorf("blob of %d bytes exceeds limit", len(data))
	}

	msg := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(msg, uint32(len(data)))
	copy(msg[4:], data)
	if _, err := dst.Write(msg); err != nil {
		return errors.Wrap(err, "could not write blob")
	}
	return nil
}

// ReadBlob reads a blob written by WriteBlob into obj.
//
// It reads exactly the bytes of one blob. Decoding straight from src with a
// json.Decoder would buffer ahead and could consume the byte a descriptor
// rides on.
func ReadBlob(src io.Reader, obj interface{}) error {
	var hdr [4]byte
	if _, err := io.ReadFull(src, hdr[:]); err != nil {
		return errors.Wrap(err, "protocol error: could not read blob length")
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxBlobLen {
		return errors.Errorf("protocol error: blob length %d exceeds limit", n)
	}

	data := make([]byte, n)
	if _, err := io.ReadFull(src, data); err != nil {
		return errors.Wrapf(err, "unable to read blob of %d bytes", n)
	}
	if err := json.Unmarshal(data, obj); err != nil {
		return errors.Wrap(err, "can't decode blob")
	}
	return nil
}
