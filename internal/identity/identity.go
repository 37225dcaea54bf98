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

// Package identity computes the stable keys used to store normalized records.
//
// An identity is a SHA-256 hex digest over a fixed, type-specific list of
// fields. Running the same backup twice, or two overlapping backups, yields
// the same identities, so writes to the record store converge instead of
// duplicating.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"

	"github.com/smsbackup/ingestion/internal/models"
)

// fieldSep separates hashed fields. It cannot appear in XML attribute text.
const fieldSep = "\x1f"

// Of returns the identity of a record.
//
//	SMS:  type, address set, timestamp, message type, body
//	MMS:  type, address set, timestamp, msg_box, message id, m_type
//	Call: type, address set, timestamp, duration, call type
//
// Contact names are deliberately absent: they change as the phone's
// address book changes and do not distinguish messages.
func Of(r models.Record) string {
	switch v := r.(type) {
	case models.SMS:
		return hashFields(
			string(models.TypeSMS),
			addressKey(v.Address),
			timeKey(v.Correspondence),
			strconv.Itoa(v.Type),
			v.Body,
		)
	case models.MMS:
		return hashFields(
			string(models.TypeMMS),
			addressKey(v.Address),
			timeKey(v.Correspondence),
			strconv.Itoa(v.MsgBox),
			v.MessageID,
			optInt(v.MType),
		)
	case models.Call:
		return hashFields(
			string(models.TypeCall),
			addressKey(v.Address),
			timeKey(v.Correspondence),
			strconv.FormatInt(v.Duration, 10),
			strconv.Itoa(v.Type),
		)
	default:
		return ""
	}
}

// OfPart returns the identity of an MMS part within its message.
func OfPart(p models.Part) string {
	return hashFields(strconv.Itoa(p.Seq), p.PayloadHash)
}

// OfAddress returns the identity of an MMS addressee.
func OfAddress(a models.Address) string {
	return hashFields(a.Number, strconv.Itoa(a.Type))
}

// PayloadHash returns the ordering tiebreak for a part: the digest of the
// binary payload when there is one, otherwise the digest of the inline text.
func PayloadHash(data []byte, text *string) string {
	if len(data) > 0 {
		return Digest(data)
	}
	if text != nil {
		return Digest([]byte(*text))
	}
	return Digest(nil)
}

// Digest is the SHA-256 hex digest of b.
func Digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// SortParts orders parts by (seq, payload hash) in place. The order does not
// depend on the order parts appeared in the source document.
func SortParts(parts []models.Part) {
	sort.SliceStable(parts, func(i, j int) bool {
		if parts[i].Seq != parts[j].Seq {
			return parts[i].Seq < parts[j].Seq
		}
		return parts[i].PayloadHash < parts[j].PayloadHash
	})
}

func hashFields(fields ...string) string {
	h := sha256.New()
	for i, f := range fields {
		if i > 0 {
			h.Write([]byte(fieldSep))
		}
		h.Write([]byte(f))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// addressKey joins the address set in sorted order so that insertion order
// never leaks into the hash.
func addressKey(addrs []string) string {
	sorted := make([]string, len(addrs))
	copy(sorted, addrs)
	sort.Strings(sorted)
	return strings.Join(sorted, "~")
}

func timeKey(c models.Correspondence) string {
	return strconv.FormatInt(c.Timestamp.UnixMilli(), 10)
}

func optInt(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}
