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
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/smsbackup/ingestion/internal/identity"
	"github.com/smsbackup/ingestion/internal/models"
	"github.com/smsbackup/ingestion/internal/xmlstream"
)

// --- Mock part store ---

type mockStore struct {
	mu      sync.Mutex
	stored  map[string][]byte
	calls   int
	failFor string // content type whose uploads fail
}

func newMockStore() *mockStore {
	return &mockStore{stored: make(map[string][]byte)}
}

func (m *mockStore) StoreIfAbsent(_ context.Context, payload []byte, contentType string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if contentType == m.failFor {
		return "", errors.New("upload refused")
	}
	ref := identity.Digest(payload)
	m.stored[ref] = payload
	return ref, nil
}

func (m *mockStore) Excluded(contentType string) bool {
	return contentType == "application/smil" || contentType == "text/plain"
}

// --- Helpers ---

func smsElement(attrs map[string]string) *xmlstream.Element {
	return &xmlstream.Element{Tag: xmlstream.TagSMS, Attrs: attrs}
}

func normalizeOne(t *testing.T, n *Normalizer, el *xmlstream.Element) models.Record {
	t.Helper()
	rec, err := n.Normalize(context.Background(), el)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	return rec
}

// TestNormalize_SMS verifies the reference SMS scenario, including identity
// equality across number formatting.
func TestNormalize_SMS(t *testing.T) {
	n := New(nil, Config{})
	rec := normalizeOne(t, n, smsElement(map[string]string{
		"date": "1700000000", "address": "+15551234567", "type": "1", "body": "hi",
	}))

	sms, ok := rec.(models.SMS)
	if !ok {
		t.Fatalf("record is %T, want models.SMS", rec)
	}
	if want := time.Unix(1700000000, 0).UTC(); !sms.Timestamp.Equal(want) {
		t.Errorf("Timestamp = %v, want %v", sms.Timestamp, want)
	}
	if len(sms.Address) != 1 || sms.Address[0] != "+15551234567" {
		t.Errorf("Address = %v, want [+15551234567]", sms.Address)
	}
	if sms.Kind() != models.TypeSMS || sms.RecordType != models.TypeSMS {
		t.Errorf("record type = %q/%q, want SMS", sms.Kind(), sms.RecordType)
	}
	if !sms.DateSent.Equal(sms.Timestamp) {
		t.Errorf("DateSent = %v, want fallback to Timestamp", sms.DateSent)
	}

	other := normalizeOne(t, n, smsElement(map[string]string{
		"date": "1700000000", "address": "+1 555 123 4567", "type": "1", "body": "hi",
	}))
	if identity.Of(rec) != identity.Of(other) {
		t.Error("identity differs for differently formatted addresses")
	}
}

// TestNormalize_Timestamp verifies the date, readable_date, epoch fallback
// chain.
func TestNormalize_Timestamp(t *testing.T) {
	eastern, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	tests := []struct {
		name  string
		attrs map[string]string
		loc   *time.Location
		want  time.Time
	}{
		{"seconds", map[string]string{"date": "1700000000"}, nil, time.Unix(1700000000, 0)},
		{"milliseconds", map[string]string{"date": "1700000000123"}, nil, time.UnixMilli(1700000000123)},
		{"zero", map[string]string{"date": "0"}, nil, time.Unix(0, 0)},
		{"negative clamps", map[string]string{"date": "-500"}, nil, time.Unix(0, 0)},
		{"readable fallback", map[string]string{"date": "soon", "readable_date": "Nov 14, 2023 10:13:20 PM"}, nil,
			time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC)},
		{"readable in zone", map[string]string{"readable_date": "Jan 2, 2020 3:04:05 AM"}, eastern,
			time.Date(2020, 1, 2, 8, 4, 5, 0, time.UTC)},
		{"readable before epoch", map[string]string{"readable_date": "Jan 1, 1960 1:00:00 AM"}, nil, time.Unix(0, 0)},
		{"nothing parses", map[string]string{"date": "null", "readable_date": "yesterday"}, nil, time.Unix(0, 0)},
		{"date zero beats readable", map[string]string{"date": "0", "readable_date": "Nov 14, 2023 10:13:20 PM"}, nil, time.Unix(0, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attrs := map[string]string{"type": "1", "body": "x"}
			for k, v := range tt.attrs {
				attrs[k] = v
			}
			rec := normalizeOne(t, New(nil, Config{Location: tt.loc}), smsElement(attrs))
			if got := rec.Base().Timestamp; !got.Equal(tt.want) {
				t.Errorf("Timestamp = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestNormalize_DateSent verifies that date_sent falls back to the record
// timestamp unless it is a positive epoch.
func TestNormalize_DateSent(t *testing.T) {
	tests := []struct {
		sent string
		want time.Time
	}{
		{"1700000005000", time.UnixMilli(1700000005000)},
		{"0", time.Unix(1700000000, 0)},
		{"-1", time.Unix(1700000000, 0)},
		{"null", time.Unix(1700000000, 0)},
		{"abc", time.Unix(1700000000, 0)},
	}
	n := New(nil, Config{})
	for _, tt := range tests {
		rec := normalizeOne(t, n, smsElement(map[string]string{
			"date": "1700000000", "date_sent": tt.sent, "type": "1", "body": "x",
		}))
		if got := rec.Base().DateSent; !got.Equal(tt.want) {
			t.Errorf("date_sent=%q: DateSent = %v, want %v", tt.sent, got, tt.want)
		}
	}
}

// TestNormalize_NullIsAbsent verifies that "null" and "" are treated as
// missing rather than as text.
func TestNormalize_NullIsAbsent(t *testing.T) {
	n := New(nil, Config{})
	rec := normalizeOne(t, n, smsElement(map[string]string{
		"type": "1", "body": "x", "subject": "null", "service_center": "",
		"contact_name": "null", "sub_id": "null",
	}))
	sms := rec.(models.SMS)
	if sms.Subject != nil || sms.ServiceCenter != nil || sms.ContactName != nil || sms.SubID != nil {
		t.Errorf("optional fields = %v %v %v %v, want all nil", sms.Subject, sms.ServiceCenter, sms.ContactName, sms.SubID)
	}

	_, err := n.Normalize(context.Background(), smsElement(map[string]string{"type": "1", "body": "null"}))
	var verr *RecordValidationError
	if !errors.As(err, &verr) || verr.Field != "body" {
		t.Fatalf("error = %v, want validation error on body", err)
	}
	if !errors.Is(err, ErrMissingField) {
		t.Errorf("error = %v, want ErrMissingField", err)
	}
}

// TestNormalize_Validation verifies that required and numeric fields are
// enforced per tag.
func TestNormalize_Validation(t *testing.T) {
	tests := []struct {
		name  string
		el    *xmlstream.Element
		field string
	}{
		{"sms without type", smsElement(map[string]string{"body": "x"}), "type"},
		{"sms bad protocol", smsElement(map[string]string{"type": "1", "body": "x", "protocol": "zero"}), "protocol"},
		{"call without duration", &xmlstream.Element{Tag: xmlstream.TagCall, Attrs: map[string]string{"type": "1"}}, "duration"},
		{"call bad type", &xmlstream.Element{Tag: xmlstream.TagCall, Attrs: map[string]string{"type": "in", "duration": "3"}}, "type"},
		{"part without ct", &xmlstream.Element{
			Tag:   xmlstream.TagMMS,
			Attrs: map[string]string{"m_id": "a"},
			Parts: []map[string]string{{"seq": "0", "ct": "text/plain"}, {"seq": "1"}},
		}, "part[1].ct"},
		{"addr bad type", &xmlstream.Element{
			Tag:   xmlstream.TagMMS,
			Attrs: map[string]string{"m_id": "a"},
			Addrs: []map[string]string{{"address": "5551234567", "type": "from"}},
		}, "addr[0].type"},
	}
	n := New(nil, Config{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := n.Normalize(context.Background(), tt.el)
			if rec != nil {
				t.Errorf("record = %+v, want nil", rec)
			}
			var verr *RecordValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("error = %v, want *RecordValidationError", err)
			}
			if verr.Field != tt.field {
				t.Errorf("Field = %q, want %q", verr.Field, tt.field)
			}
			if verr.Tag != tt.el.Tag {
				t.Errorf("Tag = %q, want %q", verr.Tag, tt.el.Tag)
			}
			if verr.Attrs == nil {
				t.Error("Attrs is nil, want the raw attribute map")
			}
		})
	}
}

// TestNormalize_UnknownTag verifies that unrecognised elements produce
// nothing and no error.
func TestNormalize_UnknownTag(t *testing.T) {
	rec, err := New(nil, Config{}).Normalize(context.Background(), &xmlstream.Element{Tag: "contact"})
	if rec != nil || err != nil {
		t.Errorf("Normalize = (%v, %v), want (nil, nil)", rec, err)
	}
}

// TestNormalize_Call verifies call field mapping and contact name handling.
func TestNormalize_Call(t *testing.T) {
	rec := normalizeOne(t, New(nil, Config{}), &xmlstream.Element{Tag: xmlstream.TagCall, Attrs: map[string]string{
		"number": "(555) 123-4567", "duration": "42", "date": "1700000000000", "type": "2",
		"presentation": "1", "contact_name": "(Unknown)", "subscription_id": "89014103211118510720",
	}})
	call := rec.(models.Call)
	if call.Duration != 42 || call.Type != 2 || call.Presentation != 1 {
		t.Errorf("call = %+v", call)
	}
	if len(call.Address) != 1 || call.Address[0] != "+15551234567" {
		t.Errorf("Address = %v, want [+15551234567]", call.Address)
	}
	if call.ContactName != nil {
		t.Errorf("ContactName = %q, want nil for (Unknown)", *call.ContactName)
	}
	if call.SubscriptionID == nil || *call.SubscriptionID != "89014103211118510720" {
		t.Errorf("SubscriptionID = %v", call.SubscriptionID)
	}
}

func mmsElement(parts []map[string]string) *xmlstream.Element {
	return &xmlstream.Element{
		Tag: xmlstream.TagMMS,
		Attrs: map[string]string{
			"date": "1700000000000", "msg_box": "1", "m_id": "abc", "m_type": "132",
			"address": "+15557654321~+15551234567", "ct_cls": "null", "pri": "129",
		},
		Parts: parts,
		Addrs: []map[string]string{
			{"address": "+15551234567", "type": "137", "charset": "106"},
			{"address": "+15557654321", "type": "151", "charset": "106"},
		},
	}
}

// TestNormalize_MMSPartOrder verifies that two messages differing only in
// part order normalize to equal records with one identity.
func TestNormalize_MMSPartOrder(t *testing.T) {
	smil := map[string]string{"seq": "0", "ct": "application/smil", "text": "<smil/>"}
	img := map[string]string{"seq": "0", "ct": "image/jpeg", "data": "/9j/4AAQ"}
	txt := map[string]string{"seq": "1", "ct": "text/plain", "text": "look"}

	store := newMockStore()
	n := New(store, Config{})
	a := normalizeOne(t, n, mmsElement([]map[string]string{smil, img, txt}))
	b := normalizeOne(t, n, mmsElement([]map[string]string{txt, img, smil}))

	if identity.Of(a) != identity.Of(b) {
		t.Fatal("identities differ for reordered parts")
	}
	pa, pb := a.(models.MMS).Parts, b.(models.MMS).Parts
	if len(pa) != 3 || len(pb) != 3 {
		t.Fatalf("parts = %d and %d, want 3", len(pa), len(pb))
	}
	for i := range pa {
		if pa[i].PayloadHash != pb[i].PayloadHash || pa[i].DataRef != pb[i].DataRef {
			t.Errorf("part %d differs: %+v vs %+v", i, pa[i], pb[i])
		}
	}
	if pa[2].Seq != 1 {
		t.Errorf("last part seq = %d, want 1", pa[2].Seq)
	}

	accumulated := map[string]models.Record{}
	accumulated[identity.Of(a)] = a
	accumulated[identity.Of(b)] = b
	if len(accumulated) != 1 {
		t.Errorf("accumulation map has %d entries, want 1", len(accumulated))
	}
}

// TestNormalize_MMSAttachments verifies that only non-excluded payloads are
// stored and that storage failures leave an empty reference.
func TestNormalize_MMSAttachments(t *testing.T) {
	store := newMockStore()
	store.failFor = "video/mp4"
	n := New(store, Config{UploadConcurrency: 2})
	rec := normalizeOne(t, n, mmsElement([]map[string]string{
		{"seq": "0", "ct": "application/smil", "data": "PHNtaWwvPg=="},
		{"seq": "1", "ct": "image/png", "data": "iVBO\nRw0K"},
		{"seq": "2", "ct": "video/mp4", "data": "AAAAIGZ0eXA="},
		{"seq": "3", "ct": "image/gif", "data": "not base64!"},
	}))
	parts := rec.(models.MMS).Parts

	if store.calls != 2 {
		t.Errorf("store calls = %d, want 2 (png and mp4)", store.calls)
	}
	if parts[0].DataRef != "" {
		t.Errorf("smil DataRef = %q, want empty", parts[0].DataRef)
	}
	if parts[1].DataRef == "" || parts[1].DataRef != parts[1].PayloadHash {
		t.Errorf("png DataRef = %q, PayloadHash = %q, want equal digests", parts[1].DataRef, parts[1].PayloadHash)
	}
	if parts[2].DataRef != "" {
		t.Errorf("failed mp4 DataRef = %q, want empty", parts[2].DataRef)
	}
	if parts[3].DataRef != "" || parts[3].PayloadHash != identity.Digest([]byte("not base64!")) {
		t.Errorf("undecodable gif = %+v, want empty ref and hash of raw text", parts[3])
	}
}

// TestNormalize_UndecodablePartLogged verifies that a part whose payload
// cannot be decoded is logged with its tag and seq.
func TestNormalize_UndecodablePartLogged(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	n := New(newMockStore(), Config{})
	normalizeOne(t, n, mmsElement([]map[string]string{
		{"seq": "3", "ct": "image/gif", "data": "not base64!"},
	}))

	out := buf.String()
	if !strings.Contains(out, "level=WARN") || !strings.Contains(out, "tag=mms") || !strings.Contains(out, "seq=3") {
		t.Errorf("log = %q, want a WARN with tag=mms and seq=3", out)
	}
}

// TestNormalize_MMSFields verifies id fallback, address sources and
// metadata pass-through.
func TestNormalize_MMSFields(t *testing.T) {
	n := New(nil, Config{NewID: func() string { return "generated" }})

	rec := normalizeOne(t, n, mmsElement(nil))
	msg := rec.(models.MMS)
	if msg.MessageID != "abc" {
		t.Errorf("MessageID = %q, want abc", msg.MessageID)
	}
	if want := []string{"+15551234567", "+15557654321"}; len(msg.Address) != 2 || msg.Address[0] != want[0] || msg.Address[1] != want[1] {
		t.Errorf("Address = %v, want %v", msg.Address, want)
	}
	if msg.Metadata["pri"] != "129" {
		t.Errorf("Metadata[pri] = %q, want 129", msg.Metadata["pri"])
	}
	if _, ok := msg.Metadata["ct_cls"]; ok {
		t.Error("null ct_cls should not reach metadata")
	}
	if msg.MType == nil || *msg.MType != 132 {
		t.Errorf("MType = %v, want 132", msg.MType)
	}
	if len(msg.Addrs) != 2 || msg.Addrs[0].Type != models.AddrFrom {
		t.Errorf("Addrs = %+v", msg.Addrs)
	}

	el := mmsElement(nil)
	delete(el.Attrs, "m_id")
	delete(el.Attrs, "address")
	el.Attrs["tr_id"] = "T123"
	msg = normalizeOne(t, n, el).(models.MMS)
	if msg.MessageID != "T123" {
		t.Errorf("MessageID = %q, want transport id T123", msg.MessageID)
	}
	if len(msg.Address) != 2 {
		t.Errorf("Address from addr children = %v, want 2 numbers", msg.Address)
	}

	delete(el.Attrs, "tr_id")
	msg = normalizeOne(t, n, el).(models.MMS)
	if msg.MessageID != "generated" {
		t.Errorf("MessageID = %q, want surrogate", msg.MessageID)
	}
}

// TestNormalize_Deterministic verifies that normalizing the same attribute
// map twice yields the same identity.
func TestNormalize_Deterministic(t *testing.T) {
	n := New(newMockStore(), Config{})
	els := []*xmlstream.Element{
		smsElement(map[string]string{"date": "1700000000000", "address": "5551234567~5557654321", "type": "2", "body": "yo"}),
		{Tag: xmlstream.TagCall, Attrs: map[string]string{"number": "5551234567", "duration": "1", "type": "3", "date": "1"}},
		mmsElement([]map[string]string{{"seq": "0", "ct": "image/jpeg", "data": "AAEC"}}),
	}
	for _, el := range els {
		first := identity.Of(normalizeOne(t, n, el))
		second := identity.Of(normalizeOne(t, n, el))
		if first == "" || first != second {
			t.Errorf("%s identity unstable: %q vs %q", el.Tag, first, second)
		}
	}
}
