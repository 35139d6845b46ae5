package githttp

import (
	"fmt"
	"io"
	"strconv"

	"github.com/pkg/errors"
)

// ErrFlush is returned by ReadPktLine when the peer sends a flush-pkt
// ("0000"), which the pkt-line framing in spec §4.2/§6 uses both to end
// the ref-advertisement banner and to terminate a command list.
var ErrFlush = errors.New("pktline: flush")

// pktLineHeaderLength is the size, in bytes, of a pkt-line's 4-hex-digit
// length prefix.
const pktLineHeaderLength = 4

// maxPktLineLength is the largest value the 4-hex-digit length prefix can
// encode: 0xffff total, header included.
const maxPktLineLength = 0xffff

// PktLineWriter frames writes to w using git's pkt-line protocol: every
// call to WritePktLine is prefixed with a 4-hex-digit length (header
// included), and Flush writes the special zero-length flush-pkt. advertise.go
// uses this for the "# service=git-<svc>\n" banner described in
// spec §4.2 and §6; see
// https://github.com/git/git/blob/master/Documentation/technical/protocol-common.txt
// for the wire format itself.
type PktLineWriter struct {
	w io.Writer
}

// NewPktLineWriter wraps w as a pkt-line sink.
func NewPktLineWriter(w io.Writer) *PktLineWriter {
	return &PktLineWriter{w: w}
}

// Flush writes a flush-pkt ("0000").
func (w *PktLineWriter) Flush() error {
	_, err := w.w.Write([]byte("0000"))
	return errors.Wrap(err, "writing pkt-line flush")
}

// Close flushes any trailing flush-pkt the caller still owes the peer.
// PktLineWriter does not otherwise own w's lifecycle.
func (w *PktLineWriter) Close() error {
	return w.Flush()
}

// WritePktLine writes one length-prefixed pkt-line containing data. An
// empty data is a valid, non-flush pkt-line (length 0004): callers that
// mean to signal end-of-stream must call Flush instead.
func (w *PktLineWriter) WritePktLine(data []byte) error {
	if len(data)+pktLineHeaderLength > maxPktLineLength {
		return errors.New("pktline: payload exceeds maximum pkt-line length")
	}
	header := fmt.Sprintf("%04x", pktLineHeaderLength+len(data))
	if _, err := w.w.Write([]byte(header)); err != nil {
		return errors.Wrap(err, "writing pkt-line header")
	}
	if _, err := w.w.Write(data); err != nil {
		return errors.Wrap(err, "writing pkt-line payload")
	}
	return nil
}

// PktLineReader parses r as a stream of git pkt-lines, the counterpart to
// PktLineWriter.
type PktLineReader struct {
	r io.Reader
}

// NewPktLineReader wraps r as a pkt-line source.
func NewPktLineReader(r io.Reader) *PktLineReader {
	return &PktLineReader{r: r}
}

// ReadPktLine returns the payload of the next pkt-line, or ErrFlush if the
// peer sent a flush-pkt.
func (r *PktLineReader) ReadPktLine() ([]byte, error) {
	header := make([]byte, pktLineHeaderLength)
	if _, err := io.ReadFull(r.r, header); err != nil {
		return nil, err
	}
	length, err := strconv.ParseUint(string(header), 16, 16)
	if err != nil {
		return nil, errors.Wrap(err, "parsing pkt-line length header")
	}
	if length == 0 {
		return nil, ErrFlush
	}
	if length < pktLineHeaderLength {
		return nil, io.ErrUnexpectedEOF
	}
	data := make([]byte, length-pktLineHeaderLength)
	if _, err := io.ReadFull(r.r, data); err != nil {
		return nil, err
	}
	return data, nil
}
