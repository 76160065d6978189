package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// apiKeyHeader carries the API key on private requests.
const apiKeyHeader = "X-BX-APIKEY"

// signParams appends a timestamp, canonicalizes the parameters into a sorted
// key=value&... string, and adds its HMAC-SHA256 hex digest as the signature
// parameter. The input values are mutated.
func signParams(params url.Values, secret string, now time.Time) {
	params.Set("timestamp", strconv.FormatInt(now.UnixMilli(), 10))
	params.Set("signature", signatureFor(params, secret))
}

// signatureFor computes the hex digest over the canonical parameter string.
// The signature parameter itself is excluded from the canonical form.
func signatureFor(params url.Values, secret string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if k == "signature" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(params.Get(k))
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(sb.String()))
	return hex.EncodeToString(mac.Sum(nil))
}
