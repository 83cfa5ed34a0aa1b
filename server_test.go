// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package relay

import (
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type srvTester struct {
	t         *testing.T
	srv       *Server
	serveErr  error
	serveDone chan struct{}
}

func newSrvTester(t *testing.T) *srvTester {
	st := &srvTester{
		t: t,
		srv: &Server{
			Addr:    "127.0.0.1:0",
			Handler: New(nil),
		},
		serveDone: make(chan struct{}),
	}
	go func() {
		st.serveErr = st.srv.ListenAndServe()
		close(st.serveDone)
	}()
	return st
}

func (st *srvTester) WaitForListener() string {
	ticker := time.NewTicker(time.Millisecond * 10)
	defer ticker.Stop()
	for ticks := 0; ticks < 500; ticks++ {
		st.srv.mu.Lock()
		for ln := range st.srv.listeners {
			addr := ln.Addr().String()
			st.srv.mu.Unlock()
			return addr
		}
		st.srv.mu.Unlock()
		<-ticker.C
	}
	return ""
}

func (st *srvTester) Close() {
	st.srv.Close()
	timer := time.NewTimer(time.Second * 5)
	defer timer.Stop()
	select {
	case <-st.serveDone:
	case <-timer.C:
		assert.Fail(st.t, "timeout waiting for server to stop")
	}
}

func Test_Server_ServesRelay(t *testing.T) {
	st := newSrvTester(t)
	defer st.Close()

	addr := st.WaitForListener()
	assert.NotEmpty(t, addr)

	recvCh := make(chan string, 1)
	go func() {
		resp, err := http.Get("http://" + addr + "/t")
		if err != nil {
			recvCh <- err.Error()
			return
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		recvCh <- string(body)
	}()

	// wait for the receiver to register before sending
	relay := st.srv.Handler.(*Relay)
	ticker := time.NewTicker(time.Millisecond * 10)
	defer ticker.Stop()
	for ticks := 0; ticks < 500; ticks++ {
		if relay.registry.pathState("/t") == slotReceiverWaiting {
			break
		}
		<-ticker.C
	}

	resp, err := http.Post("http://"+addr+"/t", textPlainUTF8, strings.NewReader("ping"))
	assert.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	assert.NoError(t, err)
	resp.Body.Close()
	assert.Contains(t, string(body), "[INFO] Sent successfully!\n")
	assert.Equal(t, "ping", <-recvCh)
	http.DefaultClient.CloseIdleConnections()
}

func Test_Server_CloseUnblocksListenAndServe(t *testing.T) {
	st := newSrvTester(t)
	assert.NotEmpty(t, st.WaitForListener())
	st.Close()
	assert.ErrorIs(t, st.serveErr, ErrServerClosed)
}

func Test_Server_TLSConfigRequired(t *testing.T) {
	srv := &Server{Addr: "127.0.0.1:0", TLSAddr: "127.0.0.1:0", Handler: New(nil)}
	err := srv.ListenAndServe()
	assert.ErrorIs(t, err, ErrTLSConfig)
}

func Test_Server_TLSBadCertFiles(t *testing.T) {
	srv := &Server{
		Addr:     "127.0.0.1:0",
		TLSAddr:  "127.0.0.1:0",
		CertFile: "no-such.crt",
		KeyFile:  "no-such.key",
		Handler:  New(nil),
	}
	assert.Error(t, srv.ListenAndServe())
}

func Test_Server_ServeAfterClose(t *testing.T) {
	srv := &Server{Handler: New(nil)}
	srv.Close()
	ln, err := srv.Listen("127.0.0.1:0")
	assert.NoError(t, err)
	assert.ErrorIs(t, srv.Serve(ln), ErrServerClosed)
}
