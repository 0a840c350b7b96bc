package securefetch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"strings"
)

// Response is the settled outcome of a request. Success responses carry
// Data; failures carry Err and, for HTTP failures, Status. Ordinary HTTP and
// transport failures are reported here instead of as a returned error.
type Response struct {
	Success bool
	Status  int
	Header  http.Header
	// Data holds decoded JSON (any) for JSON content types, the body as a
	// string otherwise, or nil for empty and undecodable JSON bodies.
	Data any
	Raw  []byte
	Err  error
	// Cached is set when the response was served from the cache.
	Cached bool
}

func successResponse(status int, header http.Header, raw []byte) *Response {
	return &Response{
		Success: true,
		Status:  status,
		Header:  header,
		Raw:     raw,
		Data:    parseBody(header, raw),
	}
}

func failureResponse(status int, header http.Header, raw []byte, err error) *Response {
	resp := &Response{
		Success: false,
		Status:  status,
		Header:  header,
		Raw:     raw,
		Err:     err,
	}
	if raw != nil {
		resp.Data = parseBody(header, raw)
	}
	return resp
}

// copy returns a response that shares no mutable state with r. Data is
// re-parsed from Raw so callers may modify it freely.
func (r *Response) copy() *Response {
	if r == nil {
		return nil
	}
	out := *r
	out.Header = r.Header.Clone()
	if r.Raw != nil {
		out.Raw = append([]byte(nil), r.Raw...)
		if r.Success || r.Data != nil {
			out.Data = parseBody(out.Header, out.Raw)
		}
	}
	return &out
}

// Decode unmarshals the raw body of a successful response into T.
func Decode[T any](resp *Response) (T, error) {
	var out T
	if resp == nil {
		return out, fmt.Errorf("decode: nil response")
	}
	if !resp.Success {
		return out, resp.Err
	}
	if len(bytes.TrimSpace(resp.Raw)) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(resp.Raw, &out); err != nil {
		return out, fmt.Errorf("decode response body: %w", err)
	}
	return out, nil
}

// isJSONContentType accepts application/json and any +json suffix type.
func isJSONContentType(contentType string) bool {
	if contentType == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

// parseBody decodes JSON bodies and returns other bodies as text. Parse
// failures degrade to nil.
func parseBody(header http.Header, raw []byte) any {
	if isJSONContentType(header.Get("Content-Type")) {
		if len(bytes.TrimSpace(raw)) == 0 {
			return nil
		}
		var data any
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil
		}
		return data
	}
	return string(raw)
}
