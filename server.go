// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package relay

import (
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type serverClosedError struct{}

func (serverClosedError) Error() string { return "server closed" }

// ErrServerClosed is returned by Serve and ListenAndServe after Close.
var ErrServerClosed error = serverClosedError{}

type tlsConfigError struct{}

func (tlsConfigError) Error() string {
	return "TLSAddr requires both CertFile and KeyFile"
}

// ErrTLSConfig is returned when TLS is enabled without certificate files.
var ErrTLSConfig error = tlsConfigError{}

// Server accepts HTTP and optionally HTTPS connections and serves the
// Handler on both.
type Server struct {
	Addr      string       // TCP address to listen on, ":8080" if empty
	TLSAddr   string       // TCP address for HTTPS, disabled if empty
	CertFile  string       // TLS certificate file, required when TLSAddr is set
	KeyFile   string       // TLS private key file, required when TLSAddr is set
	Handler   http.Handler // HTTP handler to invoke
	Logger    *zap.Logger
	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	servers   map[*http.Server]struct{}
	doneChan  chan struct{}
}

// tcpKeepAliveListener sets TCP keep-alive timeouts on accepted network
// connections so dead clients eventually go away.
type tcpKeepAliveListener struct {
	*net.TCPListener
}

func (ln tcpKeepAliveListener) Accept() (c net.Conn, err error) {
	tc, err := ln.AcceptTCP()
	if err != nil {
		return
	}
	tc.SetKeepAlive(true)
	tc.SetKeepAlivePeriod(3 * time.Minute)
	return tc, nil
}

// Listen announces on the local network address.
func (srv *Server) Listen(address string) (net.Listener, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return tcpKeepAliveListener{ln.(*net.TCPListener)}, nil
}

func (srv *Server) logger() *zap.Logger {
	if srv.Logger == nil {
		return zap.NewNop()
	}
	return srv.Logger
}

// ListenAndServe listens on srv.Addr and, when srv.TLSAddr is set, on the
// TLS address as well, then serves srv.Handler until Close is called or a
// listener fails. TLS misconfiguration is a startup error.
func (srv *Server) ListenAndServe() error {
	addr := srv.Addr
	if addr == "" {
		addr = ":8080"
	}
	var tlsConfig *tls.Config
	if srv.TLSAddr != "" {
		if srv.CertFile == "" || srv.KeyFile == "" {
			return errors.WithStack(ErrTLSConfig)
		}
		cert, err := tls.LoadX509KeyPair(srv.CertFile, srv.KeyFile)
		if err != nil {
			return errors.WithStack(err)
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{"h2", "http/1.1"},
		}
	}

	ln, err := srv.Listen(addr)
	if err != nil {
		return err
	}
	errCh := make(chan error, 2)
	count := 1
	go func() {
		errCh <- srv.Serve(ln)
	}()
	srv.logger().Info("listening", zap.String("addr", ln.Addr().String()))

	if tlsConfig != nil {
		tlsLn, err := srv.Listen(srv.TLSAddr)
		if err != nil {
			srv.Close()
			<-errCh
			return err
		}
		count++
		go func() {
			errCh <- srv.Serve(tls.NewListener(tlsLn, tlsConfig))
		}()
		srv.logger().Info("listening TLS", zap.String("addr", tlsLn.Addr().String()))
	}

	err = <-errCh
	srv.Close()
	for i := 1; i < count; i++ {
		<-errCh
	}
	return err
}

// Serve accepts connections on l and serves srv.Handler on them until the
// server is closed.
func (srv *Server) Serve(l net.Listener) error {
	srv.mu.Lock()
	select {
	case <-srv.getDoneChanLocked():
		srv.mu.Unlock()
		l.Close()
		return errors.WithStack(ErrServerClosed)
	default:
	}
	hs := &http.Server{Handler: srv.Handler}
	srv.trackListenerLocked(l, true)
	srv.trackServerLocked(hs, true)
	srv.mu.Unlock()
	defer func() {
		srv.mu.Lock()
		srv.trackListenerLocked(l, false)
		srv.trackServerLocked(hs, false)
		srv.mu.Unlock()
	}()

	err := hs.Serve(l)
	select {
	case <-srv.getDoneChan():
		return errors.WithStack(ErrServerClosed)
	default:
	}
	return errors.WithStack(err)
}

// Close immediately closes all active listeners and connections.
func (srv *Server) Close() error {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.closeDoneChanLocked()
	var err error
	for ln := range srv.listeners {
		if cerr := ln.Close(); cerr != nil && err == nil {
			err = errors.WithStack(cerr)
		}
		delete(srv.listeners, ln)
	}
	for hs := range srv.servers {
		hs.Close()
		delete(srv.servers, hs)
	}
	return err
}

func (srv *Server) trackListenerLocked(ln net.Listener, add bool) {
	if srv.listeners == nil {
		srv.listeners = make(map[net.Listener]struct{})
	}
	if add {
		srv.listeners[ln] = struct{}{}
	} else {
		delete(srv.listeners, ln)
	}
}

func (srv *Server) trackServerLocked(hs *http.Server, add bool) {
	if srv.servers == nil {
		srv.servers = make(map[*http.Server]struct{})
	}
	if add {
		srv.servers[hs] = struct{}{}
	} else {
		delete(srv.servers, hs)
	}
}

func (srv *Server) getDoneChan() <-chan struct{} {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.getDoneChanLocked()
}

func (srv *Server) getDoneChanLocked() chan struct{} {
	if srv.doneChan == nil {
		srv.doneChan = make(chan struct{})
	}
	return srv.doneChan
}

func (srv *Server) closeDoneChanLocked() {
	ch := srv.getDoneChanLocked()
	select {
	case <-ch:
	default:
		close(ch)
	}
}
