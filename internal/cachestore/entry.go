package cachestore

import (
	"bytes"
	"fmt"
	"hash/crc32"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Entry is a stored response snapshot for one request.
type Entry struct {
	URL    string
	Method string

	Status int
	Header http.Header
	Body   []byte

	StoredAt int64 // unix nanoseconds
	Hash32   uint32
}

// Key identifies a cached request by method and absolute URL.
func Key(method, rawURL string) string {
	if method == "" {
		method = http.MethodGet
	}
	return strings.ToUpper(method) + " " + rawURL
}

// KeyOf returns the cache key of r.
func KeyOf(r *http.Request) string {
	return Key(r.Method, r.URL.String())
}

func (e Entry) Key() string {
	return Key(e.Method, e.URL)
}

// NewEntry snapshots a response. Content-Length is dropped because it is
// recomputed when the entry is served.
func NewEntry(req *http.Request, status int, header http.Header, body []byte, now time.Time) Entry {
	h := cloneHeader(header)
	h.Del("Content-Length")
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	return Entry{
		URL:      req.URL.String(),
		Method:   method,
		Status:   status,
		Header:   h,
		Body:     body,
		StoredAt: now.UnixNano(),
		Hash32:   crc32.ChecksumIEEE(body),
	}
}

// Response builds a fresh response for the snapshot. Each call gets its own
// body reader.
func (e Entry) Response(req *http.Request) *http.Response {
	h := cloneHeader(e.Header)
	h.Set("Content-Length", strconv.Itoa(len(e.Body)))
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", e.Status, http.StatusText(e.Status)),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

// Age reports how long ago the entry was stored.
func (e Entry) Age(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, e.StoredAt))
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
