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

// Package xmlstream reads the record elements of an SMS backup export one at
// a time.
//
// A backup is a single root element (smses, calls or allcorrespondence)
// whose children are <sms>, <mms> and <call> records. Documents routinely
// run to several gigabytes, so the reader holds at most one record in
// memory and hands it to the caller before decoding the next.
package xmlstream

import (
	"bufio"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"iter"
	"strconv"
)

// ErrStreamUnavailable is returned when the source cannot be opened or holds
// no root element.
var ErrStreamUnavailable = errors.New("stream unavailable")

// Record element names.
const (
	TagSMS  = "sms"
	TagMMS  = "mms"
	TagCall = "call"
)

const (
	tagPart = "part"
	tagAddr = "addr"
)

// Element is one record element with its attributes. For mms elements,
// Parts and Addrs hold the attributes of each nested part and addr in
// document order.
type Element struct {
	Tag   string
	Attrs map[string]string
	Parts []map[string]string
	Addrs []map[string]string
}

// Reader yields record elements in document order.
type Reader struct {
	src     *bufio.Reader
	counter *CountingReader
	dec     *xml.Decoder

	root      string
	total     int
	yielded   int
	skip      int
	recovered int
	done      bool
}

// Option configures a Reader.
type Option func(*options)

type options struct {
	size       int64
	bufferSize int
}

// WithSize sets the expected stream size in bytes, enabling Percent.
func WithSize(n int64) Option {
	return func(o *options) { o.size = n }
}

// WithBufferSize sets the read buffer size. It bounds how far ahead of the
// decoder raw bytes are buffered.
func WithBufferSize(n int) Option {
	return func(o *options) { o.bufferSize = n }
}

// Open reads r up to the root start element. It fails with
// ErrStreamUnavailable when r errors before a root element is found or the
// document has none.
func Open(r io.Reader, opts ...Option) (*Reader, error) {
	o := options{bufferSize: 64 << 10}
	for _, opt := range opts {
		opt(&o)
	}

	clean, counter, err := wrap(r, o.size)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStreamUnavailable, err)
	}
	rd := &Reader{
		src:     bufio.NewReaderSize(clean, o.bufferSize),
		counter: counter,
	}
	rd.dec = rd.newDecoder()

	for {
		tok, err := rd.dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("%w: no root element", ErrStreamUnavailable)
			}
			return nil, fmt.Errorf("%w: %v", ErrStreamUnavailable, err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		rd.root = start.Name.Local
		for _, a := range start.Attr {
			if a.Name.Local == "count" {
				if n, err := strconv.Atoi(a.Value); err == nil && n > 0 {
					rd.total = n
				}
			}
		}
		return rd, nil
	}
}

// newDecoder builds a lenient decoder over the shared buffered source. The
// bufio.Reader satisfies io.ByteReader, so the decoder adds no buffering of
// its own and the source position stays usable for resynchronisation.
// The source is already UTF-8, so a declared encoding is passed through.
func (r *Reader) newDecoder() *xml.Decoder {
	dec := xml.NewDecoder(r.src)
	dec.Strict = false
	dec.Entity = xml.HTMLEntity
	dec.CharsetReader = func(_ string, in io.Reader) (io.Reader, error) { return in, nil }
	return dec
}

// Root returns the name of the document's root element.
func (r *Reader) Root() string { return r.root }

// Total returns the root's declared record count, or 0 when absent.
func (r *Reader) Total() int { return r.total }

// Progress returns the number of elements yielded so far, including those
// discarded by Skip.
func (r *Reader) Progress() int { return r.yielded }

// Recovered returns how many times reading resumed at a later record after
// malformed input.
func (r *Reader) Recovered() int { return r.recovered }

// BytesRead returns the number of source bytes consumed.
func (r *Reader) BytesRead() int64 { return r.counter.BytesRead() }

// Percent returns byte progress through the source, or 0 when the size was
// not given.
func (r *Reader) Percent() int { return r.counter.Percent() }

// Skip discards the next n elements. Skipped elements still count toward
// Progress.
func (r *Reader) Skip(n int) {
	if n > 0 {
		r.skip += n
	}
}

// Next returns the next record element, or io.EOF once the document is
// exhausted. Other errors come from the underlying stream.
func (r *Reader) Next() (*Element, error) {
	for !r.done {
		el, err := r.next()
		if err != nil {
			var syntax *xml.SyntaxError
			if !errors.As(err, &syntax) {
				r.done = true
				return nil, err
			}
			found, rerr := r.resync()
			if rerr != nil {
				r.done = true
				return nil, rerr
			}
			if !found {
				r.done = true
			}
			continue
		}
		if el == nil {
			r.done = true
			break
		}
		r.yielded++
		if r.skip > 0 {
			r.skip--
			continue
		}
		return el, nil
	}
	return nil, io.EOF
}

// All returns a single-pass sequence over the remaining elements. Iteration
// stops after the first error.
func (r *Reader) All() iter.Seq2[*Element, error] {
	return func(yield func(*Element, error) bool) {
		for {
			el, err := r.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(el, err) || err != nil {
				return
			}
		}
	}
}

// next decodes tokens until a record element is complete. It returns a nil
// element at end of input.
func (r *Reader) next() (*Element, error) {
	for {
		tok, err := r.dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, nil
			}
			return nil, err
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch start.Name.Local {
		case TagSMS, TagMMS, TagCall:
			return r.element(start)
		default:
			if err := r.dec.Skip(); err != nil {
				return nil, err
			}
		}
	}
}

// element consumes the subtree of start.
func (r *Reader) element(start xml.StartElement) (*Element, error) {
	el := &Element{Tag: start.Name.Local, Attrs: attrMap(start.Attr)}
	for depth := 1; depth > 0; {
		tok, err := r.dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				line, _ := r.dec.InputPos()
				err = &xml.SyntaxError{Msg: "unexpected EOF", Line: line}
			}
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			if el.Tag != TagMMS {
				continue
			}
			switch t.Name.Local {
			case tagPart:
				el.Parts = append(el.Parts, attrMap(t.Attr))
			case tagAddr:
				el.Addrs = append(el.Addrs, attrMap(t.Attr))
			}
		case xml.EndElement:
			depth--
		}
	}
	return el, nil
}

// resync discards raw input up to the next record start tag and restarts
// decoding there. It reports false when the input ends first.
func (r *Reader) resync() (bool, error) {
	for {
		if _, err := r.src.ReadSlice('<'); err != nil {
			if errors.Is(err, bufio.ErrBufferFull) {
				continue
			}
			if errors.Is(err, io.EOF) {
				return false, nil
			}
			return false, fmt.Errorf("resync stream: %w", err)
		}
		if err := r.src.UnreadByte(); err != nil {
			return false, fmt.Errorf("resync stream: %w", err)
		}
		head, _ := r.src.Peek(len("<call") + 1)
		if isRecordStart(head) {
			r.dec = r.newDecoder()
			r.recovered++
			return true, nil
		}
		if _, err := r.src.Discard(1); err != nil {
			return false, fmt.Errorf("resync stream: %w", err)
		}
	}
}

func isRecordStart(head []byte) bool {
	for _, tag := range []string{TagSMS, TagMMS, TagCall} {
		open := "<" + tag
		if len(head) <= len(open) || !bytes.HasPrefix(head, []byte(open)) {
			continue
		}
		switch head[len(open)] {
		case ' ', '\t', '\r', '\n', '/', '>':
			return true
		}
	}
	return false
}

func attrMap(attrs []xml.Attr) map[string]string {
	m := make(map[string]string, len(attrs))
	for _, a := range attrs {
		m[a.Name.Local] = a.Value
	}
	return m
}
