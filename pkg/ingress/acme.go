package ingress

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"

	"github.com/decloudhq/decloud/pkg/config"
	"github.com/decloudhq/decloud/pkg/log"
)

// ACMEClient obtains certificates on demand at TLS handshake time. Issuance
// is gated on the ingress registry: a handshake for a host nobody registered
// never reaches the CA.
type ACMEClient struct {
	service *Service
	certDir string
	client  *lego.Client
	http01  *HTTP01Provider

	mu    sync.Mutex
	certs map[string]*tls.Certificate
}

type acmeUser struct {
	email        string
	registration *registration.Resource
	key          crypto.PrivateKey
}

func (u *acmeUser) GetEmail() string                        { return u.email }
func (u *acmeUser) GetRegistration() *registration.Resource { return u.registration }
func (u *acmeUser) GetPrivateKey() crypto.PrivateKey        { return u.key }

// NewACMEClient registers an ACME account and prepares the HTTP-01 solver
func NewACMEClient(cfg *config.IngressConfig, service *Service) (*ACMEClient, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate account key: %w", err)
	}

	user := &acmeUser{email: cfg.AcmeEmail, key: key}

	legoCfg := lego.NewConfig(user)
	if cfg.AcmeDirectory != "" {
		legoCfg.CADirURL = cfg.AcmeDirectory
	}
	legoCfg.Certificate.KeyType = certcrypto.EC256

	client, err := lego.NewClient(legoCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create acme client: %w", err)
	}

	provider := &HTTP01Provider{challenges: make(map[string]string)}
	if err := client.Challenge.SetHTTP01Provider(provider); err != nil {
		return nil, fmt.Errorf("failed to set http-01 provider: %w", err)
	}

	reg, err := client.Registration.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
	if err != nil {
		return nil, fmt.Errorf("acme registration failed: %w", err)
	}
	user.registration = reg

	a := &ACMEClient{
		service: service,
		certDir: cfg.CertDir,
		client:  client,
		http01:  provider,
		certs:   make(map[string]*tls.Certificate),
	}
	a.loadCachedCertificates()
	return a, nil
}

// GetCertificate implements the tls.Config callback. Unknown hosts are
// refused before any issuance work happens.
func (a *ACMEClient) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	host := strings.ToLower(hello.ServerName)
	if host == "" {
		return nil, fmt.Errorf("no server name in handshake")
	}
	if !a.service.IsCustomDomainRegistered(host) {
		return nil, fmt.Errorf("host not registered: %s", host)
	}

	a.mu.Lock()
	cert, ok := a.certs[host]
	a.mu.Unlock()
	if ok && !certExpiringSoon(cert) {
		return cert, nil
	}

	return a.obtain(host)
}

func (a *ACMEClient) obtain(host string) (*tls.Certificate, error) {
	logger := log.WithComponent("acme")
	logger.Info().Str("host", host).Msg("obtaining certificate")

	res, err := a.client.Certificate.Obtain(certificate.ObtainRequest{
		Domains: []string{host},
		Bundle:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to obtain certificate for %s: %w", host, err)
	}

	cert, err := tls.X509KeyPair(res.Certificate, res.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse obtained certificate: %w", err)
	}

	a.mu.Lock()
	a.certs[host] = &cert
	a.mu.Unlock()

	a.persist(host, res.Certificate, res.PrivateKey)
	logger.Info().Str("host", host).Msg("certificate obtained")
	return &cert, nil
}

func (a *ACMEClient) persist(host string, certPEM, keyPEM []byte) {
	if a.certDir == "" {
		return
	}
	if err := os.MkdirAll(a.certDir, 0700); err != nil {
		log.Errorf("failed to create cert dir", err)
		return
	}
	if err := os.WriteFile(filepath.Join(a.certDir, host+".crt"), certPEM, 0600); err != nil {
		log.Errorf("failed to persist certificate", err)
	}
	if err := os.WriteFile(filepath.Join(a.certDir, host+".key"), keyPEM, 0600); err != nil {
		log.Errorf("failed to persist certificate key", err)
	}
}

func (a *ACMEClient) loadCachedCertificates() {
	if a.certDir == "" {
		return
	}
	entries, err := os.ReadDir(a.certDir)
	if err != nil {
		return
	}
	loaded := 0
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".crt") {
			continue
		}
		host := strings.TrimSuffix(e.Name(), ".crt")
		cert, err := tls.LoadX509KeyPair(
			filepath.Join(a.certDir, host+".crt"),
			filepath.Join(a.certDir, host+".key"),
		)
		if err != nil {
			continue
		}
		a.certs[host] = &cert
		loaded++
	}
	if loaded > 0 {
		log.WithComponent("acme").Info().Int("count", loaded).Msg("loaded cached certificates")
	}
}

func certExpiringSoon(cert *tls.Certificate) bool {
	if cert.Leaf == nil {
		return false
	}
	return time.Until(cert.Leaf.NotAfter) < 30*24*time.Hour
}

// HTTP01Provider answers HTTP-01 challenges through the plain-HTTP listener
type HTTP01Provider struct {
	mu         sync.RWMutex
	challenges map[string]string // token -> key authorization
}

// Present stores the challenge response for serving
func (p *HTTP01Provider) Present(domain, token, keyAuth string) error {
	p.mu.Lock()
	p.challenges[token] = keyAuth
	p.mu.Unlock()
	return nil
}

// CleanUp removes a solved challenge
func (p *HTTP01Provider) CleanUp(domain, token, keyAuth string) error {
	p.mu.Lock()
	delete(p.challenges, token)
	p.mu.Unlock()
	return nil
}

// Response returns the key authorization for a challenge token
func (p *HTTP01Provider) Response(token string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	keyAuth, ok := p.challenges[token]
	return keyAuth, ok
}
