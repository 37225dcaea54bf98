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

package normalize

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrMissingField is wrapped by validation errors for absent required
// attributes.
var ErrMissingField = errors.New("required attribute missing")

// RecordValidationError reports an element that cannot be normalized. Attrs
// is the raw attribute map of the offending element.
type RecordValidationError struct {
	Tag   string
	Field string
	Attrs map[string]string
	Err   error
}

func (e *RecordValidationError) Error() string {
	return fmt.Sprintf("validate %s: field %q: %v", e.Tag, e.Field, e.Err)
}

func (e *RecordValidationError) Unwrap() error { return e.Err }

// readableLayout matches readable_date values such as "Nov 14, 2023 10:13:20 PM".
const readableLayout = "Jan 2, 2006 3:04:05 PM"

// millisThreshold separates epoch seconds from epoch milliseconds. As
// seconds it lies past the year 5000; as milliseconds it is March 1973.
const millisThreshold = 100_000_000_000

var epoch = time.Unix(0, 0).UTC()

// fields reads typed values out of one attribute map. The first failure is
// kept in err and later reads become no-ops that return zero values.
type fields struct {
	tag   string
	field string // set for nested elements, e.g. "part[2]"
	raw   map[string]string
	err   error
}

func newFields(tag string, raw map[string]string) *fields {
	return &fields{tag: tag, raw: raw}
}

func (f *fields) fail(key string, err error) {
	if f.err != nil {
		return
	}
	name := key
	if f.field != "" {
		name = f.field + "." + key
	}
	f.err = &RecordValidationError{Tag: f.tag, Field: name, Attrs: f.raw, Err: err}
}

// get returns the attribute value. The literal "null" and the empty string
// both count as absent.
func (f *fields) get(key string) (string, bool) {
	v, ok := f.raw[key]
	if !ok || v == "" || v == "null" {
		return "", false
	}
	return v, true
}

func (f *fields) str(key string) *string {
	v, ok := f.get(key)
	if !ok {
		return nil
	}
	return &v
}

func (f *fields) required(key string) string {
	v, ok := f.get(key)
	if !ok {
		f.fail(key, ErrMissingField)
	}
	return v
}

func (f *fields) parseInt(key, v string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		f.fail(key, fmt.Errorf("parse integer %q: %w", v, err))
		return 0
	}
	return n
}

func (f *fields) requiredInt(key string) int64 {
	v, ok := f.get(key)
	if !ok {
		f.fail(key, ErrMissingField)
		return 0
	}
	return f.parseInt(key, v)
}

func (f *fields) intOr(key string, def int) int {
	v, ok := f.get(key)
	if !ok {
		return def
	}
	return int(f.parseInt(key, v))
}

func (f *fields) optInt(key string) *int {
	v, ok := f.get(key)
	if !ok {
		return nil
	}
	n := int(f.parseInt(key, v))
	return &n
}

// flag reads a 0/1 attribute. Absent means false.
func (f *fields) flag(key string) bool {
	v, ok := f.get(key)
	if !ok {
		return false
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	return f.parseInt(key, v) != 0
}

// timestamp derives the record time: the numeric date attribute first, then
// readable_date, then the epoch. The result is never before the epoch.
func (f *fields) timestamp(loc *time.Location) time.Time {
	if v, ok := f.get("date"); ok {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			return clampEpoch(fromEpoch(n))
		}
	}
	if v, ok := f.get("readable_date"); ok {
		if t, err := time.ParseInLocation(readableLayout, strings.TrimSpace(v), loc); err == nil {
			return clampEpoch(t.UTC())
		}
	}
	return epoch
}

// dateSent falls back to ts when date_sent is missing, invalid or not after
// the epoch.
func (f *fields) dateSent(ts time.Time) time.Time {
	v, ok := f.get("date_sent")
	if !ok {
		return ts
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n <= 0 {
		return ts
	}
	return fromEpoch(n)
}

func fromEpoch(n int64) time.Time {
	if n > millisThreshold || n < -millisThreshold {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}

func clampEpoch(t time.Time) time.Time {
	if t.Before(epoch) {
		return epoch
	}
	return t
}

// contactName drops the exporter's placeholder for numbers with no contact.
func contactName(v *string) *string {
	if v == nil || strings.Contains(*v, "(Unknown)") {
		return nil
	}
	return v
}

// decodePayload decodes a base64 data attribute, tolerating embedded line
// breaks and missing padding.
func decodePayload(v string) ([]byte, error) {
	clean := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, v)
	if b, err := base64.StdEncoding.DecodeString(clean); err == nil {
		return b, nil
	}
	b, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(clean, "="))
	if err != nil {
		return nil, fmt.Errorf("decode base64 payload: %w", err)
	}
	return b, nil
}
