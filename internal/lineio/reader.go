// Package lineio reads newline-delimited text from peers with a bound on
// how much of a single line is held in memory.
package lineio

import (
	"bufio"
	"io"
	"strings"

	"codeberg.org/mutker/enosed/internal/errors"
)

const (
	// DefaultMaxLine is far above any instrument or observer line.
	DefaultMaxLine = 64 * 1024

	minMaxLine = 16
)

// Reader reads newline-terminated lines no longer than a fixed limit.
type Reader struct {
	r          *bufio.Reader
	max        int
	discarding bool
}

// NewReader reads lines of at most max bytes, terminator included.
func NewReader(rd io.Reader, max int) *Reader {
	if max < minMaxLine {
		max = minMaxLine
	}
	return &Reader{r: bufio.NewReaderSize(rd, max), max: max}
}

// Max returns the line limit in bytes.
func (r *Reader) Max() int { return r.max }

// ReadLine returns the next line without its "\n" or "\r\n" terminator. A
// final line without terminator is returned before io.EOF. A line longer
// than the limit is skipped and reported as ErrLineTooLong.
func (r *Reader) ReadLine() (string, error) {
	for {
		chunk, err := r.r.ReadSlice('\n')

		if errors.Is(err, bufio.ErrBufferFull) {
			r.discarding = true
			continue
		}

		if r.discarding {
			if err != nil {
				return "", err
			}
			r.discarding = false
			return "", ErrLineTooLong
		}

		if err == nil || (errors.Is(err, io.EOF) && len(chunk) > 0) {
			return strings.TrimRight(string(chunk), "\r\n"), nil
		}
		return "", err
	}
}
