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

// Package models defines the typed records produced from an SMS backup export.
//
// A backup carries three kinds of correspondence (calls, text messages and
// multimedia messages). Each becomes one value implementing Record. Records
// are built once by the normalizer and never mutated afterwards; slices and
// maps held by a record must be treated as read-only by every consumer.
package models

import "time"

// RecordType discriminates the Record variants.
type RecordType string

const (
	TypeSMS  RecordType = "SMS"
	TypeMMS  RecordType = "MMS"
	TypeCall RecordType = "Call"
)

// Record is the capability set shared by Call, SMS and MMS.
type Record interface {
	Kind() RecordType
	Base() Correspondence
}

// Correspondence holds the fields every record carries.
type Correspondence struct {
	// Timestamp is never earlier than the Unix epoch.
	Timestamp time.Time `json:"timestamp" dynamodbav:"timestamp,unixtime"`

	// DateSent falls back to Timestamp when the source value is missing or
	// not later than the epoch.
	DateSent time.Time `json:"date_sent" dynamodbav:"date_sent,unixtime"`

	// Address is the sorted, deduplicated participant set.
	Address []string `json:"address" dynamodbav:"address"`

	// ContactName is display-only and never participates in identity.
	ContactName *string `json:"contact_name,omitempty" dynamodbav:"contact_name,omitempty"`

	RecordType RecordType `json:"record_type" dynamodbav:"record_type"`
}

// SMS is a plain text message.
type SMS struct {
	Correspondence

	Protocol      int     `json:"protocol" dynamodbav:"protocol"`
	Type          int     `json:"type" dynamodbav:"type"`
	Subject       *string `json:"subject,omitempty" dynamodbav:"subject,omitempty"`
	Body          string  `json:"body" dynamodbav:"body"`
	ServiceCenter *string `json:"service_center,omitempty" dynamodbav:"service_center,omitempty"`
	Read          bool    `json:"read" dynamodbav:"read"`
	Locked        bool    `json:"locked" dynamodbav:"locked"`
	Status        int     `json:"status" dynamodbav:"status"`
	SubID         *int    `json:"sub_id,omitempty" dynamodbav:"sub_id,omitempty"`
}

func (SMS) Kind() RecordType { return TypeSMS }
func (s SMS) Base() Correspondence { return s.Correspondence }

// Call is a single call-log entry.
type Call struct {
	Correspondence

	Duration                  int64   `json:"duration" dynamodbav:"duration"`
	Type                      int     `json:"type" dynamodbav:"type"`
	Presentation              int     `json:"presentation" dynamodbav:"presentation"`
	SubscriptionID            *string `json:"subscription_id,omitempty" dynamodbav:"subscription_id,omitempty"`
	SubscriptionComponentName *string `json:"subscription_component_name,omitempty" dynamodbav:"subscription_component_name,omitempty"`
	PostDialDigits            *string `json:"post_dial_digits,omitempty" dynamodbav:"post_dial_digits,omitempty"`
}

func (Call) Kind() RecordType { return TypeCall }
func (c Call) Base() Correspondence { return c.Correspondence }

// MMS is a multimedia message with its owned parts and addressees.
type MMS struct {
	Correspondence

	// MessageID is m_id, else tr_id, else a generated surrogate.
	MessageID   string  `json:"m_id" dynamodbav:"m_id"`
	TransportID *string `json:"tr_id,omitempty" dynamodbav:"tr_id,omitempty"`
	MsgBox      int     `json:"msg_box" dynamodbav:"msg_box"`
	MType       *int    `json:"m_type,omitempty" dynamodbav:"m_type,omitempty"`

	Subject     *string `json:"sub,omitempty" dynamodbav:"sub,omitempty"`
	ContentType *string `json:"ct_t,omitempty" dynamodbav:"ct_t,omitempty"`
	Read        bool    `json:"read" dynamodbav:"read"`
	Seen        bool    `json:"seen" dynamodbav:"seen"`
	Locked      bool    `json:"locked" dynamodbav:"locked"`
	TextOnly    bool    `json:"text_only" dynamodbav:"text_only"`
	SubID       *int    `json:"sub_id,omitempty" dynamodbav:"sub_id,omitempty"`

	// Metadata passes through the remaining protocol attributes untouched.
	Metadata map[string]string `json:"metadata,omitempty" dynamodbav:"metadata,omitempty"`

	Parts []Part    `json:"parts" dynamodbav:"parts"`
	Addrs []Address `json:"addrs" dynamodbav:"addrs"`
}

func (MMS) Kind() RecordType { return TypeMMS }
func (m MMS) Base() Correspondence { return m.Correspondence }

// Part is one body part of an MMS. It is owned by its message and has no
// identity outside it.
type Part struct {
	Seq                int     `json:"seq" dynamodbav:"seq"`
	ContentType        string  `json:"ct" dynamodbav:"ct"`
	Charset            *string `json:"chset,omitempty" dynamodbav:"chset,omitempty"`
	Name               *string `json:"name,omitempty" dynamodbav:"name,omitempty"`
	ContentDisposition *string `json:"cd,omitempty" dynamodbav:"cd,omitempty"`
	FileName           *string `json:"fn,omitempty" dynamodbav:"fn,omitempty"`
	ContentID          *string `json:"cid,omitempty" dynamodbav:"cid,omitempty"`
	ContentLocation    *string `json:"cl,omitempty" dynamodbav:"cl,omitempty"`
	Text               *string `json:"text,omitempty" dynamodbav:"text,omitempty"`

	// DataRef is the content digest of the stored attachment, empty when
	// the payload is inline text or could not be stored.
	DataRef string `json:"data_ref,omitempty" dynamodbav:"data_ref,omitempty"`

	// PayloadHash orders parts that share a sequence number.
	PayloadHash string `json:"payload_hash" dynamodbav:"payload_hash"`
}

// MMS address type codes.
const (
	AddrBCC  = 129
	AddrCC   = 130
	AddrFrom = 137
	AddrTo   = 151
)

// Address is a participant of an MMS.
type Address struct {
	Number      string  `json:"address" dynamodbav:"address"`
	Type        int     `json:"type" dynamodbav:"type"`
	Charset     *int    `json:"charset,omitempty" dynamodbav:"charset,omitempty"`
	ContactName *string `json:"contact_name,omitempty" dynamodbav:"contact_name,omitempty"`
}
