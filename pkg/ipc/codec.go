package ipc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

const maxFrameBytes = 1 << 20

// Decoder reads newline-delimited JSON-RPC frames from a stream.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder wraps r, consuming one frame per newline.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 4096), maxFrameBytes)
	return &Decoder{scanner: scanner}
}

// ReadRequest consumes the next line and unmarshals it into a Request.
// Invalid JSON is reported as an error rather than panicking; io.EOF is
// returned verbatim when the stream is exhausted.
func (d *Decoder) ReadRequest() (Request, error) {
	if !d.scanner.Scan() {
		if err := d.scanner.Err(); err != nil {
			return Request{}, err
		}
		return Request{}, io.EOF
	}
	var req Request
	if err := json.Unmarshal(d.scanner.Bytes(), &req); err != nil {
		return Request{}, fmt.Errorf("parse request: %w", err)
	}
	return req, nil
}

// Encoder writes newline-terminated JSON-RPC frames to a stream.
type Encoder struct {
	w io.Writer
}

// NewEncoder wraps w, appending "\n" after every frame it writes.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// WriteResponse marshals resp and writes it followed by a newline.
func (e *Encoder) WriteResponse(resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}
	data = append(data, '\n')
	_, err = e.w.Write(data)
	return err
}
