package server

import (
	"bufio"
	"bytes"
	"io"
)

// asciiReader wraps a file reader and converts LF to CRLF on the fly for
// ASCII-mode downloads, without doubling CRs in files already stored
// with CRLF endings.
type asciiReader struct {
	r          *bufio.Reader
	prevWasCR  bool
	pending    byte
	hasPending bool
}

func newASCIIReader(r io.Reader) *asciiReader {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &asciiReader{r: br}
}

func (r *asciiReader) fill() ([]byte, error) {
	peeked, _ := r.r.Peek(r.r.Buffered())
	if len(peeked) > 0 {
		return peeked, nil
	}
	if _, err := r.r.ReadByte(); err != nil {
		return nil, err
	}
	_ = r.r.UnreadByte()
	peeked, _ = r.r.Peek(r.r.Buffered())
	if len(peeked) == 0 {
		return nil, io.ErrUnexpectedEOF
	}
	return peeked, nil
}

func (r *asciiReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	n := 0
	if r.hasPending {
		p[n] = r.pending
		n++
		r.hasPending = false
		r.pending = 0
	}

	for n < len(p) {
		peeked, err := r.fill()
		if err != nil {
			if n > 0 {
				return n, nil
			}
			return 0, err
		}

		idx := bytes.IndexByte(peeked, '\n')
		if idx == -1 {
			toCopy := len(peeked)
			if n+toCopy > len(p) {
				toCopy = len(p) - n
			}
			copy(p[n:], peeked[:toCopy])
			r.prevWasCR = peeked[toCopy-1] == '\r'
			_, _ = r.r.Discard(toCopy)
			n += toCopy
			continue
		}

		toCopy := idx
		if n+toCopy > len(p) {
			toCopy = len(p) - n
		}
		if toCopy > 0 {
			copy(p[n:], peeked[:toCopy])
			r.prevWasCR = peeked[toCopy-1] == '\r'
			_, _ = r.r.Discard(toCopy)
			n += toCopy
		}
		if n >= len(p) {
			return n, nil
		}

		// At the LF; insert CR unless one preceded it.
		if r.prevWasCR {
			p[n] = '\n'
			n++
			_, _ = r.r.Discard(1)
			r.prevWasCR = false
		} else {
			p[n] = '\r'
			n++
			r.prevWasCR = true
			if n < len(p) {
				p[n] = '\n'
				n++
				_, _ = r.r.Discard(1)
				r.prevWasCR = false
			} else {
				r.pending = '\n'
				r.hasPending = true
				_, _ = r.r.Discard(1)
				return n, nil
			}
		}
	}

	return n, nil
}

// asciiUploadTranscoder rewrites CRLF to LF for ASCII-mode uploads. The
// transfer loop feeds it raw network chunks; a CR on a chunk boundary is
// carried into the next call.
type asciiUploadTranscoder struct {
	pendingCR bool
}

// transcode appends the converted form of src to dst[:0] and returns it.
func (t *asciiUploadTranscoder) transcode(src, dst []byte) []byte {
	dst = dst[:0]
	for i := 0; i < len(src); i++ {
		b := src[i]
		if t.pendingCR {
			t.pendingCR = false
			if b == '\n' {
				dst = append(dst, '\n')
				continue
			}
			dst = append(dst, '\r')
		}
		if b == '\r' {
			if i == len(src)-1 {
				t.pendingCR = true
				break
			}
			if src[i+1] == '\n' {
				dst = append(dst, '\n')
				i++
				continue
			}
			dst = append(dst, '\r')
			continue
		}
		dst = append(dst, b)
	}
	return dst
}

// flush emits a trailing CR held over from the final chunk.
func (t *asciiUploadTranscoder) flush(dst []byte) []byte {
	dst = dst[:0]
	if t.pendingCR {
		t.pendingCR = false
		dst = append(dst, '\r')
	}
	return dst
}
