package securefetch

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/url"
	"path"
	"sort"
	"strings"
)

// CacheKeyGenerator derives deterministic cache keys from a request's
// method, URL and body.
type CacheKeyGenerator struct {
	IncludeQueryParams bool
}

// Generate returns the cache key for method, rawURL and body. The scheme and
// host are lowercased, the path is cleaned, query parameters are sorted when
// included, and non-GET bodies contribute a SHA-256 digest. JSON bodies are
// canonicalised first so that key order does not change the key.
func (g CacheKeyGenerator) Generate(method, rawURL string, body []byte) string {
	method = strings.ToUpper(method)

	var b strings.Builder
	b.WriteString(method)
	b.WriteByte(':')
	b.WriteString(g.canonicalURL(rawURL))

	if method != "GET" && len(body) > 0 {
		sum := sha256.Sum256(canonicalBody(body))
		b.WriteString("#")
		b.WriteString(hex.EncodeToString(sum[:]))
	}
	return b.String()
}

func (g CacheKeyGenerator) canonicalURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}

	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	p = path.Clean(p)
	if p == "." {
		p = "/"
	}

	var b strings.Builder
	if u.Host != "" {
		b.WriteString(strings.ToLower(u.Scheme))
		b.WriteString("://")
		b.WriteString(strings.ToLower(u.Host))
	}
	b.WriteString(p)

	if g.IncludeQueryParams {
		if q := sortedQuery(u.Query()); q != "" {
			b.WriteByte('?')
			b.WriteString(q)
		}
	}
	return b.String()
}

// sortedQuery encodes values ordered by key, then by value.
func sortedQuery(values url.Values) string {
	if len(values) == 0 {
		return ""
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		vs := append([]string(nil), values[k]...)
		sort.Strings(vs)
		for _, v := range vs {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}

// canonicalBody re-encodes JSON bodies; encoding/json writes object keys in
// sorted order. Other bodies are returned unchanged.
func canonicalBody(body []byte) []byte {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') {
		return body
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return body
	}
	out, err := json.Marshal(v)
	if err != nil {
		return body
	}
	return out
}
