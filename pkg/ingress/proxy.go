package ingress

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/decloudhq/decloud/pkg/config"
	"github.com/decloudhq/decloud/pkg/log"
)

const acmeChallengePrefix = "/.well-known/acme-challenge/"

// Proxy is the edge reverse proxy backed by the ingress registry. Lookups
// hit the registry live, so Reload only needs to log; it exists so external
// edges can implement the same interface with real work.
type Proxy struct {
	cfg         *config.IngressConfig
	service     *Service
	acme        *ACMEClient
	httpServer  *http.Server
	httpsServer *http.Server
}

// NewProxy creates the edge proxy. acme may be nil, which disables HTTPS.
func NewProxy(cfg *config.IngressConfig, service *Service, acme *ACMEClient) *Proxy {
	return &Proxy{
		cfg:     cfg,
		service: service,
		acme:    acme,
	}
}

// Reload implements Reloader
func (p *Proxy) Reload() {
	log.WithComponent("ingress").Debug().Msg("routing table reloaded")
}

// Start runs the HTTP (and, with ACME configured, HTTPS) listeners until the
// context is cancelled.
func (p *Proxy) Start(ctx context.Context) error {
	logger := log.WithComponent("ingress")

	p.httpServer = &http.Server{
		Addr:         p.cfg.HTTPAddr,
		Handler:      http.HandlerFunc(p.handleRequest),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	httpListener, err := net.Listen("tcp", p.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", p.httpServer.Addr, err)
	}
	logger.Info().Str("addr", p.httpServer.Addr).Msg("ingress proxy listening")

	go func() {
		if err := p.httpServer.Serve(httpListener); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server error")
		}
	}()

	if p.acme != nil {
		p.httpsServer = &http.Server{
			Addr:    p.cfg.HTTPSAddr,
			Handler: http.HandlerFunc(p.handleRequest),
			TLSConfig: &tls.Config{
				MinVersion:     tls.VersionTLS12,
				GetCertificate: p.acme.GetCertificate,
			},
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		}

		httpsListener, err := net.Listen("tcp", p.httpsServer.Addr)
		if err != nil {
			logger.Warn().Err(err).Str("addr", p.httpsServer.Addr).Msg("https listener unavailable")
		} else {
			logger.Info().Str("addr", p.httpsServer.Addr).Msg("ingress proxy listening (tls)")
			go func() {
				tlsListener := tls.NewListener(httpsListener, p.httpsServer.TLSConfig)
				if err := p.httpsServer.Serve(tlsListener); err != nil && err != http.ErrServerClosed {
					logger.Error().Err(err).Msg("https server error")
				}
			}()
		}
	}

	<-ctx.Done()
	logger.Info().Msg("shutting down ingress proxy")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := p.httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown failed")
	}
	if p.httpsServer != nil {
		if err := p.httpsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("https shutdown failed")
		}
	}
	return nil
}

func (p *Proxy) handleRequest(w http.ResponseWriter, r *http.Request) {
	logger := log.WithComponent("ingress")

	if p.acme != nil && strings.HasPrefix(r.URL.Path, acmeChallengePrefix) {
		token := strings.TrimPrefix(r.URL.Path, acmeChallengePrefix)
		if keyAuth, ok := p.acme.http01.Response(token); ok {
			w.Header().Set("Content-Type", "text/plain")
			fmt.Fprint(w, keyAuth)
			return
		}
		http.NotFound(w, r)
		return
	}

	targetHost, targetPort, ok := p.service.Lookup(r.Host)
	if !ok {
		logger.Debug().Str("host", r.Host).Msg("no route for host")
		http.Error(w, "Service not found", http.StatusNotFound)
		return
	}

	targetURL, err := url.Parse(fmt.Sprintf("http://%s:%d", targetHost, targetPort))
	if err != nil {
		http.Error(w, "Bad gateway", http.StatusBadGateway)
		return
	}

	proxy := httputil.NewSingleHostReverseProxy(targetURL)

	originalDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		originalDirector(req)
		req.Host = r.Host
		req.Header.Set("X-Forwarded-For", r.RemoteAddr)
		req.Header.Set("X-Forwarded-Host", r.Host)
		if r.TLS != nil {
			req.Header.Set("X-Forwarded-Proto", "https")
		} else {
			req.Header.Set("X-Forwarded-Proto", "http")
		}
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Error().Err(err).Str("target", targetURL.Host).Msg("proxy error")
		http.Error(w, "Bad gateway", http.StatusBadGateway)
	}

	proxy.ServeHTTP(w, r)
}
