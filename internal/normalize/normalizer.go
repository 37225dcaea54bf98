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

// Package normalize converts raw backup elements into typed records.
//
// Attribute values are coerced field by field. The literal "null" and the
// empty string both mean absent. Required fields that are missing, and
// numeric fields that do not parse, produce a *RecordValidationError that
// the caller may skip. MMS part payloads are handed to a PartStore and the
// message is built only once every part has resolved.
package normalize

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/smsbackup/ingestion/internal/identity"
	"github.com/smsbackup/ingestion/internal/models"
	"github.com/smsbackup/ingestion/internal/xmlstream"
)

// PartStore persists MMS part payloads by content.
type PartStore interface {
	// StoreIfAbsent stores payload and returns its content reference.
	StoreIfAbsent(ctx context.Context, payload []byte, contentType string) (string, error)

	// Excluded reports whether parts of contentType are kept inline and
	// never stored.
	Excluded(contentType string) bool
}

// Config controls coercion.
type Config struct {
	// DefaultRegion is the region used to parse numbers without a country
	// code. Defaults to "US".
	DefaultRegion string

	// Location is the zone readable_date values are written in. Defaults
	// to UTC.
	Location *time.Location

	// UploadConcurrency bounds concurrent part uploads within one MMS.
	// Defaults to 4.
	UploadConcurrency int

	// NewID generates surrogate MMS message ids. Defaults to a random UUID.
	NewID func() string
}

// Normalizer turns elements into records.
type Normalizer struct {
	store       PartStore
	region      string
	loc         *time.Location
	concurrency int
	newID       func() string
}

// New creates a Normalizer. store may be nil, in which case payloads are
// hashed but not stored.
func New(store PartStore, cfg Config) *Normalizer {
	if cfg.DefaultRegion == "" {
		cfg.DefaultRegion = "US"
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.UploadConcurrency <= 0 {
		cfg.UploadConcurrency = 4
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Normalizer{
		store:       store,
		region:      cfg.DefaultRegion,
		loc:         cfg.Location,
		concurrency: cfg.UploadConcurrency,
		newID:       cfg.NewID,
	}
}

// Normalize converts el into a record. Unrecognised tags return (nil, nil).
func (n *Normalizer) Normalize(ctx context.Context, el *xmlstream.Element) (models.Record, error) {
	switch el.Tag {
	case xmlstream.TagSMS:
		return n.sms(el)
	case xmlstream.TagCall:
		return n.call(el)
	case xmlstream.TagMMS:
		return n.mms(ctx, el)
	default:
		return nil, nil
	}
}

func (n *Normalizer) base(f *fields, kind models.RecordType, address []string) models.Correspondence {
	ts := f.timestamp(n.loc)
	return models.Correspondence{
		Timestamp:   ts,
		DateSent:    f.dateSent(ts),
		Address:     address,
		ContactName: contactName(f.str("contact_name")),
		RecordType:  kind,
	}
}

func (n *Normalizer) sms(el *xmlstream.Element) (models.Record, error) {
	f := newFields(el.Tag, el.Attrs)
	addr, _ := f.get("address")
	sms := models.SMS{
		Correspondence: n.base(f, models.TypeSMS, AddressSet(addr, n.region)),
		Type:           int(f.requiredInt("type")),
		Body:           f.required("body"),
		Protocol:       f.intOr("protocol", 0),
		Subject:        f.str("subject"),
		Read:           f.flag("read"),
		Locked:         f.flag("locked"),
		Status:         f.intOr("status", -1),
		SubID:          f.optInt("sub_id"),
	}
	if sc, ok := f.get("service_center"); ok {
		v := NormalizePhone(sc, n.region)
		sms.ServiceCenter = &v
	}
	if f.err != nil {
		return nil, f.err
	}
	return sms, nil
}

func (n *Normalizer) call(el *xmlstream.Element) (models.Record, error) {
	f := newFields(el.Tag, el.Attrs)
	number, _ := f.get("number")
	call := models.Call{
		Correspondence:            n.base(f, models.TypeCall, AddressSet(number, n.region)),
		Type:                      int(f.requiredInt("type")),
		Duration:                  f.requiredInt("duration"),
		Presentation:              f.intOr("presentation", 0),
		SubscriptionID:            f.str("subscription_id"),
		SubscriptionComponentName: f.str("subscription_component_name"),
		PostDialDigits:            f.str("post_dial_digits"),
	}
	if f.err != nil {
		return nil, f.err
	}
	return call, nil
}

// mmsTyped lists the mms attributes mapped onto typed fields. Everything
// else passes through as metadata.
var mmsTyped = map[string]bool{
	"date": true, "date_sent": true, "readable_date": true, "contact_name": true,
	"address": true, "m_id": true, "tr_id": true, "msg_box": true, "m_type": true,
	"sub": true, "ct_t": true, "read": true, "seen": true, "locked": true,
	"text_only": true, "sub_id": true,
}

func (n *Normalizer) mms(ctx context.Context, el *xmlstream.Element) (models.Record, error) {
	f := newFields(el.Tag, el.Attrs)

	addrs := make([]models.Address, 0, len(el.Addrs))
	for i, raw := range el.Addrs {
		af := &fields{tag: el.Tag, field: fmt.Sprintf("addr[%d]", i), raw: raw}
		number, _ := af.get("address")
		a := models.Address{
			Number:      NormalizePhone(number, n.region),
			Type:        af.intOr("type", 0),
			Charset:     af.optInt("charset"),
			ContactName: contactName(af.str("contact_name")),
		}
		if af.err != nil {
			return nil, af.err
		}
		addrs = append(addrs, a)
	}

	var address []string
	if v, ok := f.get("address"); ok {
		address = AddressSet(v, n.region)
	} else {
		numbers := make([]string, 0, len(addrs))
		for _, a := range addrs {
			numbers = append(numbers, a.Number)
		}
		address = normalizeSet(numbers, n.region)
	}

	msg := models.MMS{
		Correspondence: n.base(f, models.TypeMMS, address),
		TransportID:    f.str("tr_id"),
		MsgBox:         f.intOr("msg_box", 0),
		MType:          f.optInt("m_type"),
		Subject:        f.str("sub"),
		ContentType:    f.str("ct_t"),
		Read:           f.flag("read"),
		Seen:           f.flag("seen"),
		Locked:         f.flag("locked"),
		TextOnly:       f.flag("text_only"),
		SubID:          f.optInt("sub_id"),
		Addrs:          addrs,
	}
	if f.err != nil {
		return nil, f.err
	}

	switch {
	case f.str("m_id") != nil:
		msg.MessageID = *f.str("m_id")
	case msg.TransportID != nil:
		msg.MessageID = *msg.TransportID
	default:
		msg.MessageID = n.newID()
	}

	for k := range el.Attrs {
		if mmsTyped[k] {
			continue
		}
		if v, ok := f.get(k); ok {
			if msg.Metadata == nil {
				msg.Metadata = make(map[string]string)
			}
			msg.Metadata[k] = v
		}
	}

	parts, err := n.parts(ctx, el)
	if err != nil {
		return nil, err
	}
	msg.Parts = parts
	return msg, nil
}

// pendingPart is a validated part awaiting payload storage.
type pendingPart struct {
	part    models.Part
	payload []byte
}

// parts validates every part, then stores payloads on a bounded pool.
// Storage failures leave DataRef empty and do not fail the message.
func (n *Normalizer) parts(ctx context.Context, el *xmlstream.Element) ([]models.Part, error) {
	pending := make([]pendingPart, 0, len(el.Parts))
	for i, raw := range el.Parts {
		pf := &fields{tag: el.Tag, field: fmt.Sprintf("part[%d]", i), raw: raw}
		p := models.Part{
			Seq:                pf.intOr("seq", 0),
			ContentType:        pf.required("ct"),
			Charset:            pf.str("chset"),
			Name:               pf.str("name"),
			ContentDisposition: pf.str("cd"),
			FileName:           pf.str("fn"),
			ContentID:          pf.str("cid"),
			ContentLocation:    pf.str("cl"),
			Text:               pf.str("text"),
		}
		if pf.err != nil {
			return nil, pf.err
		}

		var payload []byte
		if data, ok := pf.get("data"); ok {
			decoded, err := decodePayload(data)
			if err != nil {
				slog.Warn("part payload is not valid base64, attachment dropped",
					"tag", el.Tag,
					"seq", p.Seq,
					"content_type", p.ContentType,
					"error", err,
				)
				// Keep the part; order it by the undecoded text.
				p.PayloadHash = identity.Digest([]byte(data))
			} else {
				payload = decoded
			}
		}
		if p.PayloadHash == "" {
			p.PayloadHash = identity.PayloadHash(payload, p.Text)
		}
		pending = append(pending, pendingPart{part: p, payload: payload})
	}

	parts := make([]models.Part, len(pending))
	var g errgroup.Group
	g.SetLimit(n.concurrency)
	for i, pp := range pending {
		parts[i] = pp.part
		if n.store == nil || len(pp.payload) == 0 || n.store.Excluded(pp.part.ContentType) {
			continue
		}
		g.Go(func() error {
			ref, err := n.store.StoreIfAbsent(ctx, pp.payload, pp.part.ContentType)
			if err == nil {
				parts[i].DataRef = ref
			}
			return nil
		})
	}
	_ = g.Wait()

	identity.SortParts(parts)
	return parts, nil
}
