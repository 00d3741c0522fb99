package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/crypto/acme/autocert"
)

type TLSOptions struct {
	Mode     string // "off", "auto", "manual"
	CertFile string // manual mode
	KeyFile  string // manual mode
	Domain   string // auto mode
	Email    string // auto mode
	CacheDir string // auto mode
}

// Server runs the API listener and, in auto TLS mode, the ACME
// challenge/redirect listener on :80.
type Server struct {
	httpServer     *http.Server
	addr           string
	listener       net.Listener
	tlsOpts        TLSOptions
	certManager    *autocert.Manager
	redirectServer *http.Server
	logger         *slog.Logger
}

func New(host string, port int, handler http.Handler, tlsOpts TLSOptions) *Server {
	if tlsOpts.Mode == "" {
		tlsOpts.Mode = "off"
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	s := &Server{
		addr:    addr,
		tlsOpts: tlsOpts,
		logger:  slog.Default().With("component", "server"),
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			// Covers a cold fetch through every provider.
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}

	switch tlsOpts.Mode {
	case "auto":
		s.certManager = &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(tlsOpts.Domain),
			Cache:      autocert.DirCache(tlsOpts.CacheDir),
			Email:      tlsOpts.Email,
		}
		s.httpServer.TLSConfig = &tls.Config{
			GetCertificate: s.certManager.GetCertificate,
			MinVersion:     tls.VersionTLS12,
		}
		s.redirectServer = &http.Server{
			Addr:              ":80",
			Handler:           s.certManager.HTTPHandler(nil),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
		}
	case "manual":
		s.httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return s
}

// Listen binds the API address. After it returns, Addr reports the bound
// address, which matters when the configured port is 0.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.addr = ln.Addr().String()
	return nil
}

// Serve blocks serving on the bound listener. A clean Shutdown returns nil.
func (s *Server) Serve() error {
	if s.listener == nil {
		return errors.New("server: Serve called before Listen")
	}

	var err error
	switch s.tlsOpts.Mode {
	case "auto":
		s.logger.Info("starting HTTPS server", "addr", s.addr, "tls", "auto", "domain", s.tlsOpts.Domain)
		go s.serveRedirect()
		err = s.httpServer.ServeTLS(s.listener, "", "")
	case "manual":
		s.logger.Info("starting HTTPS server", "addr", s.addr, "tls", "manual")
		err = s.httpServer.ServeTLS(s.listener, s.tlsOpts.CertFile, s.tlsOpts.KeyFile)
	default:
		s.logger.Info("starting server", "addr", s.addr)
		err = s.httpServer.Serve(s.listener)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Start binds and serves.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

func (s *Server) serveRedirect() {
	s.logger.Info("starting HTTP redirect server", "addr", s.redirectServer.Addr)
	if err := s.redirectServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("HTTP redirect server error", "error", err)
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	var errs []error
	if s.redirectServer != nil {
		if err := s.redirectServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("redirect server: %w", err))
		}
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Server) Addr() string {
	return s.addr
}

func (s *Server) TLSMode() string {
	return s.tlsOpts.Mode
}
