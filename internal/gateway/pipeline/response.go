package pipeline

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/mrmushfiq/llm0-edge-gateway/internal/shared/apierror"
)

// Response is a fully buffered HTTP response travelling back out through the
// stages. Nothing reaches the client until the chain boundary writes it.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// NewResponse returns an empty response with the given status.
func NewResponse(status int) *Response {
	return &Response{Status: status, Header: make(http.Header)}
}

// JSON builds a JSON response.
func JSON(status int, v any) *Response {
	resp := NewResponse(status)
	resp.Header.Set("Content-Type", "application/json")
	resp.Body, _ = json.Marshal(v)
	return resp
}

// ErrorResponse renders err through the apierror taxonomy.
func ErrorResponse(err error) *Response {
	e := apierror.From(err)
	resp := NewResponse(e.Status)
	resp.Header.Set("Content-Type", "application/json")
	if e.RetryAfter > 0 {
		resp.Header.Set("Retry-After", strconv.Itoa(e.RetryAfter))
	}
	resp.Body = apierror.Marshal(e)
	return resp
}

// Success reports a 2xx status.
func (r *Response) Success() bool {
	return r.Status >= 200 && r.Status < 300
}

// WriteTo copies the response onto w.
func (r *Response) WriteTo(w http.ResponseWriter) {
	h := w.Header()
	for k, vv := range r.Header {
		h[k] = append([]string(nil), vv...)
	}
	w.WriteHeader(r.Status)
	if len(r.Body) > 0 {
		_, _ = w.Write(r.Body)
	}
}

// bufferedWriter captures a route handler's output as a Response.
type bufferedWriter struct {
	header      http.Header
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func newBufferedWriter() *bufferedWriter {
	return &bufferedWriter{header: make(http.Header), status: http.StatusOK}
}

func (bw *bufferedWriter) Header() http.Header {
	return bw.header
}

func (bw *bufferedWriter) WriteHeader(code int) {
	if bw.wroteHeader {
		return
	}
	bw.status = code
	bw.wroteHeader = true
}

func (bw *bufferedWriter) Write(b []byte) (int, error) {
	if !bw.wroteHeader {
		bw.WriteHeader(http.StatusOK)
	}
	return bw.body.Write(b)
}

// Flush is a no-op; the whole body is released at the chain boundary.
func (bw *bufferedWriter) Flush() {}

func (bw *bufferedWriter) response() *Response {
	return &Response{Status: bw.status, Header: bw.header, Body: bw.body.Bytes()}
}
