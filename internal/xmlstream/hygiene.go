// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package xmlstream

// hygiene.go wraps the raw object stream before it reaches the XML decoder:
//
//   - bomSkipper drops a leading UTF-8 BOM
//   - a document declaring a non-UTF-8 encoding is transcoded to UTF-8
//   - utf8Sanitizer replaces invalid UTF-8 bytes with '?'
//   - surrogateFolder rewrites UTF-16 surrogate-pair character references
//     (&#55357;&#56832;) into the UTF-8 code point they encode
//   - CountingReader tracks source bytes consumed for progress reporting
//
// encoding/xml rejects invalid UTF-8 outright and turns each half of a
// surrogate pair into U+FFFD, and Android backup tools emit both.

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf16"
	"unicode/utf8"

	"golang.org/x/net/html/charset"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

type bomSkipper struct {
	r       io.Reader
	checked bool
	pending []byte
}

func (b *bomSkipper) Read(p []byte) (int, error) {
	if !b.checked {
		b.checked = true
		head := make([]byte, len(utf8BOM))
		n, err := io.ReadFull(b.r, head)
		head = head[:n]
		if !bytes.Equal(head, utf8BOM) {
			b.pending = head
		}
		if err == io.ErrUnexpectedEOF {
			err = io.EOF
		}
		if err != nil && len(b.pending) == 0 {
			return 0, err
		}
	}
	if len(b.pending) > 0 {
		n := copy(p, b.pending)
		b.pending = b.pending[n:]
		return n, nil
	}
	return b.r.Read(p)
}

type utf8Sanitizer struct {
	r io.Reader

	// carry holds the tail of a multi-byte sequence split across reads.
	carry []byte
}

func (s *utf8Sanitizer) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	off := copy(p, s.carry)
	s.carry = s.carry[:0]

	n, err := s.r.Read(p[off:])
	n += off
	if n == 0 {
		return 0, err
	}

	data := p[:n]
	if isASCII(data) {
		return n, err
	}

	atEOF := err == io.EOF
	write := 0
	for read := 0; read < len(data); {
		r, size := utf8.DecodeRune(data[read:])
		if r == utf8.RuneError && size <= 1 {
			if !atEOF && !utf8.FullRune(data[read:]) {
				s.carry = append(s.carry, data[read:]...)
				break
			}
			data[write] = '?'
			write++
			read++
			continue
		}
		copy(data[write:], data[read:read+size])
		write += size
		read += size
	}
	if write == 0 && len(s.carry) > 0 && err == nil {
		// Only a partial rune was available; pull more before returning.
		return s.Read(p)
	}
	return write, err
}

func isASCII(b []byte) bool {
	for _, c := range b {
		if c >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

// CountingReader counts the bytes read through it.
type CountingReader struct {
	r     io.Reader
	read  int64
	total int64
}

// NewCountingReader wraps r. total is the expected size, or 0 when unknown.
func NewCountingReader(r io.Reader, total int64) *CountingReader {
	return &CountingReader{r: r, total: total}
}

func (c *CountingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.read += int64(n)
	return n, err
}

// BytesRead returns the number of bytes consumed so far.
func (c *CountingReader) BytesRead() int64 { return c.read }

// Percent returns read progress in the range 0-100, or 0 when the total
// size is unknown.
func (c *CountingReader) Percent() int {
	if c.total <= 0 {
		return 0
	}
	return int(c.read * 100 / c.total)
}

// refLen is the length of one surrogate reference: "&#55357;" or "&#xD83D;".
const refLen = 8

type surrogateFolder struct {
	r     io.Reader
	chunk []byte
	in    []byte
	out   []byte
	err   error
}

func (f *surrogateFolder) Read(p []byte) (int, error) {
	if f.chunk == nil {
		f.chunk = make([]byte, 32<<10)
	}
	for len(f.out) == 0 && f.err == nil {
		n, err := f.r.Read(f.chunk)
		f.in = append(f.in, f.chunk[:n]...)
		f.err = err
		f.fold(err != nil)
	}
	if len(f.out) == 0 && len(f.in) > 0 {
		f.fold(true)
	}
	n := copy(p, f.out)
	f.out = f.out[n:]
	if len(f.out) == 0 && f.err != nil {
		return n, f.err
	}
	return n, nil
}

// fold moves processed bytes from in to out. Unless final is set, a '&'
// too close to the end of the buffer to hold a full pair is kept back.
func (f *surrogateFolder) fold(final bool) {
	in := f.in
	i := 0
	for i < len(in) {
		amp := bytes.IndexByte(in[i:], '&')
		if amp < 0 {
			f.out = append(f.out, in[i:]...)
			i = len(in)
			break
		}
		f.out = append(f.out, in[i:i+amp]...)
		i += amp
		if len(in)-i < 2*refLen {
			if !final {
				break
			}
			f.out = append(f.out, in[i:]...)
			i = len(in)
			break
		}
		hi, okHi := parseRef(in[i : i+refLen])
		lo, okLo := parseRef(in[i+refLen : i+2*refLen])
		if okHi && okLo && utf16.IsSurrogate(hi) && utf16.IsSurrogate(lo) {
			if r := utf16.DecodeRune(hi, lo); r != utf8.RuneError {
				f.out = utf8.AppendRune(f.out, r)
				i += 2 * refLen
				continue
			}
		}
		f.out = append(f.out, '&')
		i++
	}
	f.in = append(f.in[:0], in[i:]...)
}

// parseRef decodes a fixed-width numeric character reference.
func parseRef(b []byte) (rune, bool) {
	if len(b) != refLen || b[0] != '&' || b[1] != '#' || b[refLen-1] != ';' {
		return 0, false
	}
	digits := b[2 : refLen-1]
	base := rune(10)
	if digits[0] == 'x' || digits[0] == 'X' {
		digits = digits[1:]
		base = 16
	}
	var v rune
	for _, c := range digits {
		var d rune
		switch {
		case c >= '0' && c <= '9':
			d = rune(c - '0')
		case base == 16 && c >= 'a' && c <= 'f':
			d = rune(c-'a') + 10
		case base == 16 && c >= 'A' && c <= 'F':
			d = rune(c-'A') + 10
		default:
			return 0, false
		}
		v = v*base + d
	}
	return v, true
}

// prologSize is how far into the document the XML declaration is looked for.
const prologSize = 1024

// declaredEncoding returns the encoding label of the XML declaration at the
// start of head, or "" when none is declared.
func declaredEncoding(head []byte) string {
	if !bytes.HasPrefix(head, []byte("<?xml")) {
		return ""
	}
	end := bytes.Index(head, []byte("?>"))
	if end < 0 {
		return ""
	}
	decl := head[:end]
	i := bytes.Index(decl, []byte("encoding"))
	if i < 0 {
		return ""
	}
	rest := bytes.TrimLeft(decl[i+len("encoding"):], " \t\r\n")
	if len(rest) == 0 || rest[0] != '=' {
		return ""
	}
	rest = bytes.TrimLeft(rest[1:], " \t\r\n")
	if len(rest) == 0 || (rest[0] != '"' && rest[0] != '\'') {
		return ""
	}
	j := bytes.IndexByte(rest[1:], rest[0])
	if j < 0 {
		return ""
	}
	return strings.TrimSpace(string(rest[1 : 1+j]))
}

func isUTF8Label(label string) bool {
	switch strings.ToLower(label) {
	case "", "utf-8", "utf8", "us-ascii", "ascii":
		return true
	}
	return false
}

// wrap counts source bytes, skips the BOM, transcodes a declared non-UTF-8
// encoding, then sanitises UTF-8 and folds surrogate references. The
// returned counter sees raw object bytes.
func wrap(r io.Reader, total int64) (io.Reader, *CountingReader, error) {
	counter := NewCountingReader(r, total)
	br := bufio.NewReaderSize(&bomSkipper{r: counter}, prologSize)

	head, err := br.Peek(prologSize)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return nil, nil, fmt.Errorf("read prolog: %w", err)
	}

	var src io.Reader = br
	if label := declaredEncoding(head); !isUTF8Label(label) {
		tr, err := charset.NewReaderLabel(label, br)
		if err != nil {
			return nil, nil, fmt.Errorf("decode %s: %w", label, err)
		}
		src = tr
	}
	return &surrogateFolder{r: &utf8Sanitizer{r: src}}, counter, nil
}
