package tileserver

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
)

var ErrMalformedFrame = errors.New("malformed frame")

// FrameWriter writes records of the form "<len>:<bytes>," and flushes after
// each one. It does not own the underlying writer.
type FrameWriter struct {
	w      *bufio.Writer
	Frames int
	Bytes  int64
}

func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: bufio.NewWriter(w)}
}

func (fw *FrameWriter) WriteFrame(b []byte) error {
	var hdr [24]byte
	h := strconv.AppendInt(hdr[:0], int64(len(b)), 10)
	h = append(h, ':')
	if _, err := fw.w.Write(h); err != nil {
		return err
	}
	if _, err := fw.w.Write(b); err != nil {
		return err
	}
	if err := fw.w.WriteByte(','); err != nil {
		return err
	}
	if err := fw.w.Flush(); err != nil {
		return err
	}
	fw.Frames++
	fw.Bytes += int64(len(b))
	return nil
}

// FrameReader splits a stream written by FrameWriter back into records.
type FrameReader struct {
	r   *bufio.Reader
	Max int // largest accepted record, MaxFrameSize when zero
}

func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReader(r)}
}

// ReadFrame returns the next record. It returns io.EOF only when the stream
// ends exactly at a record boundary and io.ErrUnexpectedEOF when it ends
// inside a record.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	limit := fr.Max
	if limit <= 0 {
		limit = MaxFrameSize
	}
	n, digits := 0, 0
	for {
		c, err := fr.r.ReadByte()
		if err != nil {
			if err == io.EOF {
				if digits == 0 {
					return nil, io.EOF
				}
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if c == ':' {
			break
		}
		if c < '0' || c > '9' {
			return nil, fmt.Errorf("%w: unexpected byte %q in length", ErrMalformedFrame, c)
		}
		n = n*10 + int(c-'0')
		digits++
		if n > limit {
			return nil, fmt.Errorf("%w: record longer than %d bytes", ErrMalformedFrame, limit)
		}
	}
	if digits == 0 {
		return nil, fmt.Errorf("%w: empty length", ErrMalformedFrame)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(fr.r, b); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	c, err := fr.r.ReadByte()
	if err != nil {
		if err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	if c != ',' {
		return nil, fmt.Errorf("%w: record of %d bytes ends with %q, want ','", ErrMalformedFrame, n, c)
	}
	return b, nil
}
