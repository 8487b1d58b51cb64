// Package requestpull implements the request-pull state machine and
// wire protocol: the server-side RPC that authorizes a pull request,
// replicates over a single connection, gossips resulting tips, and
// replies; and the client-side two-phase stream that drives a response
// channel alongside a concurrently-received git stream.
package requestpull

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// MinFrameBuffer is the buffered-I/O size for CBOR streams. A frame
// larger than the buffer is still read and written whole (bufio passes
// large reads and writes through), so it is not a frame-size cap.
const MinFrameBuffer = 4096

// ResponseKind discriminates the three response frame shapes.
type ResponseKind int

const (
	KindSuccess ResponseKind = iota
	KindError
	KindProgress
)

const (
	tagSuccess  uint64 = 0
	tagError    uint64 = 1
	tagProgress uint64 = 2
)

// Request is the single CBOR frame a client sends to start a
// request-pull session: `[ <urn:text> ]`.
type Request struct {
	URN string
}

// MarshalCBOR encodes Request as its array-encoded frame.
func (r Request) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal([]string{r.URN})
}

// UnmarshalCBOR decodes a Request frame, failing on any shape other
// than a single-element array of text. The server answers a decode
// failure with one Error response and closes.
func (r *Request) UnmarshalCBOR(data []byte) error {
	var arr []string
	if err := cbor.Unmarshal(data, &arr); err != nil {
		return fmt.Errorf("requestpull: decode request: %w", err)
	}
	if len(arr) != 1 {
		return fmt.Errorf("requestpull: request frame must have exactly 1 element, got %d", len(arr))
	}
	r.URN = arr[0]
	return nil
}

// RefEntry is one `[ <refname:text>, <oid:bytes> ]` pair in a Success
// response.
type RefEntry struct {
	Name string
	Oid  []byte
}

// Response is one of the three tagged, array-encoded response frames:
// Success carries the replicated refs, Error a single message,
// Progress a free-form status string rendered verbatim by the caller.
type Response struct {
	Kind    ResponseKind
	Refs    []RefEntry
	Message string
}

// MarshalCBOR encodes Response as `[ tag, field ]` with tag 0 for
// Success, 1 for Error, 2 for Progress.
func (r Response) MarshalCBOR() ([]byte, error) {
	switch r.Kind {
	case KindSuccess:
		pairs := make([][2]any, len(r.Refs))
		for i, e := range r.Refs {
			pairs[i] = [2]any{e.Name, e.Oid}
		}
		return cbor.Marshal([]any{tagSuccess, pairs})
	case KindError:
		return cbor.Marshal([]any{tagError, r.Message})
	case KindProgress:
		return cbor.Marshal([]any{tagProgress, r.Message})
	default:
		return nil, fmt.Errorf("requestpull: unknown response kind %d", r.Kind)
	}
}

// UnmarshalCBOR decodes a tagged response frame.
func (r *Response) UnmarshalCBOR(data []byte) error {
	var frame []cbor.RawMessage
	if err := cbor.Unmarshal(data, &frame); err != nil {
		return fmt.Errorf("requestpull: decode response: %w", err)
	}
	if len(frame) != 2 {
		return fmt.Errorf("requestpull: response frame must have exactly 2 elements, got %d", len(frame))
	}
	var tag uint64
	if err := cbor.Unmarshal(frame[0], &tag); err != nil {
		return fmt.Errorf("requestpull: decode response tag: %w", err)
	}
	switch tag {
	case tagSuccess:
		var pairs [][2]cbor.RawMessage
		if err := cbor.Unmarshal(frame[1], &pairs); err != nil {
			return fmt.Errorf("requestpull: decode success refs: %w", err)
		}
		refs := make([]RefEntry, len(pairs))
		for i, p := range pairs {
			var name string
			var oid []byte
			if err := cbor.Unmarshal(p[0], &name); err != nil {
				return fmt.Errorf("requestpull: decode ref name: %w", err)
			}
			if err := cbor.Unmarshal(p[1], &oid); err != nil {
				return fmt.Errorf("requestpull: decode ref oid: %w", err)
			}
			refs[i] = RefEntry{Name: name, Oid: oid}
		}
		r.Kind, r.Refs = KindSuccess, refs
		return nil
	case tagError:
		var msg string
		if err := cbor.Unmarshal(frame[1], &msg); err != nil {
			return fmt.Errorf("requestpull: decode error message: %w", err)
		}
		r.Kind, r.Message = KindError, msg
		return nil
	case tagProgress:
		var msg string
		if err := cbor.Unmarshal(frame[1], &msg); err != nil {
			return fmt.Errorf("requestpull: decode progress message: %w", err)
		}
		r.Kind, r.Message = KindProgress, msg
		return nil
	default:
		return fmt.Errorf("requestpull: unknown response tag %d", tag)
	}
}

// writeFrame writes one length-delimited CBOR frame: a 4-byte
// big-endian length prefix followed by the encoded bytes.
func writeFrame(w *bufio.Writer, data []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	return w.Flush()
}

// readFrame reads one length-delimited CBOR frame.
func readFrame(r *bufio.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func sendFrame(w *bufio.Writer, v any) error {
	data, err := cbor.Marshal(v)
	if err != nil {
		return fmt.Errorf("requestpull: encode frame: %w", err)
	}
	return writeFrame(w, data)
}
