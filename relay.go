// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package relay

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
)

const (
	// Version is the relay version string reported by the /version path.
	Version = "0.9.0"
	// MaxReceiverCount is the largest accepted value for the n query parameter.
	MaxReceiverCount = 1<<31 - 1
	// chunkSize is the buffer size for the streaming copy loops.
	chunkSize = 64 * 1024
)

const textPlainUTF8 = "text/plain; charset=utf-8"

// Relay pairs senders and receivers on HTTP paths and streams bytes between
// them. It implements http.Handler and owns no connection I/O; the HTTP
// server library provides request bodies and flushable response writers.
type Relay struct {
	registry *registry
	reserved *httprouter.Router
	log      *zap.Logger
}

// New returns a Relay ready to serve. A nil logger disables logging.
func New(logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	relay := &Relay{
		registry: newRegistry(),
		log:      logger,
	}
	relay.reserved = newReservedRouter(relay)
	return relay
}

// ServeHTTP classifies the request and routes it to a reserved path handler
// or to the rendezvous engine.
func (relay *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method == http.MethodOptions {
		writePreflight(w)
		return
	}
	if h, ps, _ := relay.reserved.Lookup(http.MethodGet, req.URL.Path); h != nil {
		switch req.Method {
		case http.MethodGet, http.MethodHead:
			h(w, req, ps)
		case http.MethodPost, http.MethodPut:
			writeReject(w, ErrReservedPathSend)
		default:
			writeError(w, http.StatusMethodNotAllowed, "Unsupported method: "+req.Method+".")
		}
		return
	}
	switch req.Method {
	case http.MethodGet, http.MethodHead:
		relay.serveReceiver(w, req)
	case http.MethodPost, http.MethodPut:
		relay.serveSender(w, req)
	default:
		writeError(w, http.StatusMethodNotAllowed, "Unsupported method: "+req.Method+".")
	}
}

// isReserved reports whether path has a static handler and must not rendezvous.
func (relay *Relay) isReserved(path string) bool {
	h, _, _ := relay.reserved.Lookup(http.MethodGet, path)
	return h != nil
}

// serveSender registers a send request and drives the transfer once the
// pairing commits.
func (relay *Relay) serveSender(w http.ResponseWriter, req *http.Request) {
	path := req.URL.Path
	if relay.isReserved(path) {
		writeReject(w, ErrReservedPathSend)
		return
	}
	n, err := receiverCount(req, 1)
	if err != nil {
		writeReject(w, ErrInvalidReceiverCount)
		return
	}
	snd := newSender(n)
	paired, err := relay.registry.registerSender(path, snd)
	if err != nil {
		relay.log.Debug("sender rejected", zap.String("path", path), zap.Error(err))
		writeReject(w, err)
		return
	}
	relay.log.Debug("sender registered", zap.String("path", path), zap.Int("n", n))

	rs := NewResponseSender(w)
	rs.SetHeader("Content-Type", textPlainUTF8)
	rs.SetHeader("Access-Control-Allow-Origin", "*")
	rs.WriteChunk(infoLine("Waiting for %d receiver(s)...", n))

	if paired == nil {
		select {
		case paired = <-snd.commit:
		case <-req.Context().Done():
			if relay.registry.cancelSender(path, snd) {
				relay.log.Debug("sender cancelled while waiting", zap.String("path", path))
				return
			}
			// lost the race against a commit; the receivers are already
			// in the channel and must be serviced so they can terminate
			paired = <-snd.commit
		}
	}
	relay.stream(path, req, rs, paired)
}

// serveReceiver registers a receive request, waits for the pairing and relays
// the transferred body to the client.
func (relay *Relay) serveReceiver(w http.ResponseWriter, req *http.Request) {
	path := req.URL.Path
	if relay.isReserved(path) {
		writeReject(w, ErrReservedPathReceive)
		return
	}
	n, err := receiverCount(req, 0)
	if err != nil {
		writeReject(w, ErrInvalidReceiverCount)
		return
	}
	rc := newReceiver(n, req.Method == http.MethodHead)
	if err = relay.registry.registerReceiver(path, rc); err != nil {
		relay.log.Debug("receiver rejected", zap.String("path", path), zap.Error(err))
		writeReject(w, err)
		return
	}
	defer close(rc.done)
	relay.log.Debug("receiver registered", zap.String("path", path), zap.Bool("head", rc.head))

	t, err := rc.hand.await(req.Context().Done())
	if err != nil {
		if relay.registry.cancelReceiver(path, rc) {
			relay.log.Debug("receiver cancelled while waiting", zap.String("path", path))
			return
		}
		// committed concurrently with the cancellation; shut down our end of
		// the body stream so the sender drops us and continues
		rc.pr.CloseWithError(err)
		return
	}

	rs := NewResponseSender(w)
	rs.AddHeaders(t.header)
	rs.WriteStatus(t.status)
	rs.End()
	if rc.head {
		rc.pr.Close()
		return
	}
	if err = relayBody(rs, t.body); err != nil {
		relay.log.Debug("receiver dropped mid-transfer", zap.String("path", path), zap.Error(err))
		rc.pr.CloseWithError(err)
	}
}

// stream fans the sender's request body out to every paired receiver, then
// finishes the sender's response with the transfer outcome.
func (relay *Relay) stream(path string, req *http.Request, rs *ResponseSender, paired []*receiver) {
	defer relay.registry.release(path)
	started := time.Now()

	header := forwardHeader(req)
	for _, rc := range paired {
		rc.hand.resolve(&transfer{status: http.StatusOK, header: header, body: rc.pr})
		rs.WriteChunk(infoLine("A receiver was connected."))
	}
	rs.WriteChunk(infoLine("Start sending to %d receiver(s)!", len(paired)))

	var live []*receiver
	for _, rc := range paired {
		if rc.head {
			rc.pw.Close()
		} else {
			live = append(live, rc)
		}
	}
	bodyTargets := len(live)

	var sent int64
	var readErr error
	eof := false
	buf := make([]byte, chunkSize)
	for len(live) > 0 {
		nr, err := req.Body.Read(buf)
		if nr > 0 {
			sent += int64(nr)
			alive := live[:0]
			for _, rc := range live {
				if _, werr := rc.pw.Write(buf[:nr]); werr != nil {
					relay.log.Debug("receiver lost", zap.String("path", path), zap.Error(werr))
					continue
				}
				alive = append(alive, rc)
			}
			live = alive
		}
		if err == io.EOF {
			eof = true
			break
		}
		if err != nil {
			readErr = err
			break
		}
	}
	delivered := len(live)
	for _, rc := range live {
		rc.pw.Close()
	}
	if !eof && readErr == nil {
		// no receiver is reading; drain the rest of the upload so the
		// client does not stall on a full send buffer
		io.Copy(io.Discard, req.Body)
	}
	for _, rc := range paired {
		<-rc.done
	}

	if readErr == nil && (bodyTargets == 0 || delivered > 0) {
		rs.WriteChunk(infoLine("Sent successfully!"))
		relay.log.Info("transfer complete",
			zap.String("path", path),
			zap.Int64("bytes", sent),
			zap.Int("receivers", len(paired)),
			zap.Duration("elapsed", time.Since(started)))
	} else {
		rs.WriteChunk(infoLine("Sending aborted."))
		relay.log.Warn("transfer aborted",
			zap.String("path", path),
			zap.Int64("bytes", sent),
			zap.NamedError("readError", readErr),
			zap.Duration("elapsed", time.Since(started)))
	}
	rs.End()
}

// relayBody copies body bytes to the client, flushing every chunk.
func relayBody(rs *ResponseSender, body *io.PipeReader) error {
	buf := make([]byte, chunkSize)
	for {
		nr, err := body.Read(buf)
		if nr > 0 {
			if werr := rs.WriteChunk(buf[:nr]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// forwardHeader composes the headers a sender's request forwards to every
// paired receiver.
func forwardHeader(req *http.Request) http.Header {
	h := make(http.Header)
	if v := req.Header.Get("Content-Type"); v != "" {
		h.Set("Content-Type", v)
	}
	if v := req.Header.Get("Content-Disposition"); v != "" {
		h.Set("Content-Disposition", v)
	}
	if req.ContentLength >= 0 {
		h.Set("Content-Length", strconv.FormatInt(req.ContentLength, 10))
	}
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Expose-Headers", "Content-Length, Content-Type")
	h.Set("X-Robots-Tag", "none")
	return h
}

// receiverCount parses the n query parameter. An absent parameter yields the
// given default; zero means unspecified and is only valid for receivers.
func receiverCount(req *http.Request, absent int) (int, error) {
	v := req.URL.Query().Get("n")
	if v == "" {
		return absent, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 1 || n > MaxReceiverCount {
		return 0, ErrInvalidReceiverCount
	}
	return int(n), nil
}

func infoLine(format string, args ...interface{}) []byte {
	return []byte(fmt.Sprintf("[INFO] "+format+"\n", args...))
}

func writeError(w http.ResponseWriter, code int, text string) {
	w.Header().Set("Content-Type", textPlainUTF8)
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(code)
	io.WriteString(w, "[ERROR] "+text+"\n")
}

func writeReject(w http.ResponseWriter, err error) {
	code := http.StatusBadRequest
	if re, ok := err.(*RejectError); ok {
		code = re.Code
	}
	writeError(w, code, err.Error())
}

func writePreflight(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, HEAD, POST, PUT, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, Content-Disposition")
	h.Set("Access-Control-Max-Age", "86400")
	h.Set("Content-Length", "0")
	w.WriteHeader(http.StatusOK)
}
