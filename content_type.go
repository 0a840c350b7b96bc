package securefetch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strings"
)

const (
	contentTypeJSON        = "application/json"
	contentTypeHTML        = "text/html"
	contentTypeXML         = "application/xml"
	contentTypeText        = "text/plain"
	contentTypeForm        = "application/x-www-form-urlencoded"
	contentTypeOctetStream = "application/octet-stream"
)

var (
	htmlPattern = regexp.MustCompile(`(?is)^\s*(<!doctype\s+html|<html[\s>]|<(head|body|div|p|span|table|a)[\s>])`)
	xmlPattern  = regexp.MustCompile(`(?s)^\s*(<\?xml|<[A-Za-z_][\w.:-]*[\s>/])`)
)

// detectStringContentType classifies a textual body.
func detectStringContentType(s string) string {
	trimmed := strings.TrimSpace(s)
	if trimmed != "" && json.Valid([]byte(trimmed)) {
		return contentTypeJSON
	}
	if htmlPattern.MatchString(trimmed) {
		return contentTypeHTML
	}
	if xmlPattern.MatchString(trimmed) && strings.HasSuffix(trimmed, ">") {
		return contentTypeXML
	}
	return contentTypeText
}

// encodeBody turns a descriptor body into bytes and the content type its
// runtime shape implies. A nil body encodes to nil.
func encodeBody(body any) ([]byte, string, error) {
	switch b := body.(type) {
	case nil:
		return nil, "", nil
	case string:
		return []byte(b), detectStringContentType(b), nil
	case []byte:
		return b, contentTypeOctetStream, nil
	case json.RawMessage:
		return b, contentTypeJSON, nil
	case url.Values:
		return []byte(b.Encode()), contentTypeForm, nil
	case io.Reader:
		data, err := io.ReadAll(b)
		if err != nil {
			return nil, "", fmt.Errorf("read request body: %w", err)
		}
		return data, contentTypeOctetStream, nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, "", fmt.Errorf("encode request body: %w", err)
		}
		return data, contentTypeJSON, nil
	}
}

// prepareBody encodes req.Body and sets Content-Type when none was given and
// the method carries a body. The returned bytes are reused for every attempt.
func prepareBody(req *Request) ([]byte, error) {
	if req.Body == nil {
		return nil, nil
	}
	data, detected, err := encodeBody(req.Body)
	if err != nil {
		return nil, err
	}
	if hasBody(req.Method) && req.Header.Get("Content-Type") == "" && detected != "" {
		req.Header.Set("Content-Type", detected)
	}
	return bytes.Clone(data), nil
}

// bufferBody replaces an io.Reader body with its bytes so that every
// attempt sends the same payload.
func bufferBody(req *Request) (*Request, error) {
	r, ok := req.Body.(io.Reader)
	if !ok {
		return req, nil
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return req, fmt.Errorf("read request body: %w", err)
	}
	out := req.Clone()
	out.Body = data
	return out, nil
}
