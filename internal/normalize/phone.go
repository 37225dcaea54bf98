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
	"sort"
	"strings"
	"unicode"

	"github.com/nyaruka/phonenumbers"
)

// addressSeparator joins the participants of a group conversation.
const addressSeparator = "~"

// NormalizePhone formats raw as E.164 when it parses as a number in region.
// Otherwise it returns raw with all whitespace removed.
func NormalizePhone(raw, region string) string {
	v := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, raw)
	if v == "" {
		return ""
	}
	num, err := phonenumbers.Parse(v, region)
	if err != nil {
		return v
	}
	return phonenumbers.Format(num, phonenumbers.E164)
}

// AddressSet splits a "~"-separated address attribute and returns the
// normalized numbers sorted and deduplicated. The result is never nil.
func AddressSet(raw, region string) []string {
	return normalizeSet(strings.Split(raw, addressSeparator), region)
}

func normalizeSet(numbers []string, region string) []string {
	seen := make(map[string]struct{}, len(numbers))
	out := make([]string, 0, len(numbers))
	for _, n := range numbers {
		p := NormalizePhone(n, region)
		if p == "" || p == "null" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
