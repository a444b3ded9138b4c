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

package dispatch

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"sort"

	"github.com/bcem/mailer/internal/models"
)

// sign fingerprints every user-editable field of the request together with
// the rendered preview. Fields are length-prefixed so that moving text
// between adjacent fields changes the digest.
func sign(key []byte, req Request, trackingID, version, subject, body string) string {
	h := hmac.New(sha256.New, key)

	field(h, "account", req.Account.ID)
	field(h, "provider", req.Account.Provider.Name)
	field(h, "type", string(req.Account.Provider.Type))
	field(h, "template", req.TemplateKey)
	addresses(h, "to", req.To)
	addresses(h, "cc", req.Cc)
	addresses(h, "bcc", req.Bcc)

	keys := make([]string, 0, len(req.Values))
	for k := range req.Values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		field(h, "value", k)
		field(h, "", req.Values[k])
	}

	field(h, "tracking", trackingID)
	field(h, "version", version)
	field(h, "subject", subject)
	field(h, "body", body)

	return hex.EncodeToString(h.Sum(nil))
}

func field(h hash.Hash, name, value string) {
	fmt.Fprintf(h, "%s%d:%s;", name, len(value), value)
}

func addresses(h hash.Hash, name string, list []models.Address) {
	fmt.Fprintf(h, "%s[%d]", name, len(list))
	for _, a := range list {
		field(h, "", a.Email)
		field(h, "", a.Name)
	}
}

func signaturesEqual(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}
