package relay

import (
	"net/http"

	"github.com/pkg/errors"
)

// ErrHeadersSent is returned when headers are modified after they were flushed.
type ErrHeadersSent struct{}

func (ErrHeadersSent) Error() string { return "headers already sent" }

// ErrResponseAborted is returned when writing to an aborted ResponseSender.
type ErrResponseAborted struct{}

func (ErrResponseAborted) Error() string { return "response aborted" }

// ResponseSender lets the relay engine emit a status line and headers once and
// then stream body chunks with backpressure. Headers are flushed by the first
// WriteChunk or End call; after that SetHeader and WriteStatus fail.
type ResponseSender struct {
	w           http.ResponseWriter
	flusher     http.Flusher
	Code        int // the HTTP response code sent by WriteStatus
	wroteHeader bool
	aborted     bool
}

// NewResponseSender returns a ResponseSender wrapping w.
func NewResponseSender(w http.ResponseWriter) *ResponseSender {
	flusher, _ := w.(http.Flusher)
	return &ResponseSender{w: w, flusher: flusher, Code: http.StatusOK}
}

// Header returns the response headers.
func (rs *ResponseSender) Header() http.Header {
	return rs.w.Header()
}

// WriteStatus sets the status code to send with the headers.
func (rs *ResponseSender) WriteStatus(code int) error {
	if rs.wroteHeader {
		return errors.WithStack(ErrHeadersSent{})
	}
	rs.Code = code
	return nil
}

// SetHeader sets a response header.
func (rs *ResponseSender) SetHeader(key, value string) error {
	if rs.wroteHeader {
		return errors.WithStack(ErrHeadersSent{})
	}
	rs.w.Header().Set(key, value)
	return nil
}

// AddHeaders copies all values from h into the response headers.
func (rs *ResponseSender) AddHeaders(h http.Header) error {
	if rs.wroteHeader {
		return errors.WithStack(ErrHeadersSent{})
	}
	dst := rs.w.Header()
	for key, values := range h {
		for _, value := range values {
			dst.Add(key, value)
		}
	}
	return nil
}

func (rs *ResponseSender) flushHeader() {
	if !rs.wroteHeader {
		rs.wroteHeader = true
		rs.w.WriteHeader(rs.Code)
		if rs.flusher != nil {
			rs.flusher.Flush()
		}
	}
}

// WriteChunk writes p as a body chunk and flushes it to the client. The write
// blocks until the client connection accepts it, which is what propagates
// backpressure to the sending side.
func (rs *ResponseSender) WriteChunk(p []byte) (err error) {
	if rs.aborted {
		return errors.WithStack(ErrResponseAborted{})
	}
	rs.flushHeader()
	if _, err = rs.w.Write(p); err == nil {
		if rs.flusher != nil {
			rs.flusher.Flush()
		}
	} else {
		err = errors.WithStack(err)
	}
	return
}

// End flushes the headers if they have not been sent yet. The response body
// ends when the owning handler returns.
func (rs *ResponseSender) End() {
	if !rs.aborted {
		rs.flushHeader()
	}
}

// Abort marks the response as dead; subsequent writes fail.
func (rs *ResponseSender) Abort() {
	rs.aborted = true
}
