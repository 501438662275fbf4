package certs

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/acme"

	"github.com/edgeward/edgeward/internal/apperr"
	"github.com/edgeward/edgeward/internal/logger"
	"github.com/edgeward/edgeward/internal/models"
	"github.com/edgeward/edgeward/internal/version"
)

// Solver makes a challenge answerable and removes it afterwards.
type Solver interface {
	Present(ctx context.Context, domain, token, keyAuth string) error
	CleanUp(ctx context.Context, domain, token, keyAuth string) error
}

// IssueRequest describes one certificate order.
type IssueRequest struct {
	Domain    string
	Challenge string // models.ChallengeHTTP or models.ChallengeDNS
	Solver    Solver
}

// Issued is the material returned by a successful order.
type Issued struct {
	CertPEM  []byte
	KeyPEM   []byte
	NotAfter time.Time
	Issuer   string
}

// Issuer obtains certificates from a CA.
type Issuer interface {
	Issue(ctx context.Context, req IssueRequest) (*Issued, error)
}

// ACMEIssuer talks RFC 8555 to a CA directory.
type ACMEIssuer struct {
	directoryURL string
	email        string
	keyPath      string

	mu     sync.Mutex
	client *acme.Client
}

// NewACMEIssuer creates an issuer. The account key is created on first use.
func NewACMEIssuer(directoryURL, email, accountKeyPath string) *ACMEIssuer {
	return &ACMEIssuer{directoryURL: directoryURL, email: email, keyPath: accountKeyPath}
}

// account returns a registered client, loading or creating the account key.
func (i *ACMEIssuer) account(ctx context.Context) (*acme.Client, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.client != nil {
		return i.client, nil
	}

	key, err := loadOrCreateKey(i.keyPath)
	if err != nil {
		return nil, fmt.Errorf("account key: %w", err)
	}
	client := &acme.Client{Key: key, DirectoryURL: i.directoryURL, UserAgent: version.UserAgent()}

	acct := &acme.Account{}
	if i.email != "" {
		acct.Contact = []string{"mailto:" + i.email}
	}
	if _, err := client.Register(ctx, acct, acme.AcceptTOS); err != nil && !errors.Is(err, acme.ErrAccountAlreadyExists) {
		return nil, classify("acme register", err)
	}

	i.client = client
	return client, nil
}

// Issue runs a full order: authorize, solve, finalize.
func (i *ACMEIssuer) Issue(ctx context.Context, req IssueRequest) (*Issued, error) {
	client, err := i.account(ctx)
	if err != nil {
		return nil, err
	}

	order, err := client.AuthorizeOrder(ctx, acme.DomainIDs(req.Domain))
	if err != nil {
		return nil, classify("acme order", err)
	}

	for _, authzURL := range order.AuthzURLs {
		if err := i.authorize(ctx, client, authzURL, req); err != nil {
			return nil, err
		}
	}

	if order, err = client.WaitOrder(ctx, order.URI); err != nil {
		return nil, classify("acme order", err)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate certificate key: %w", err)
	}
	csr, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{DNSNames: []string{req.Domain}}, key)
	if err != nil {
		return nil, fmt.Errorf("create csr: %w", err)
	}

	der, _, err := client.CreateOrderCert(ctx, order.FinalizeURL, csr, true)
	if err != nil {
		return nil, classify("acme finalize", err)
	}
	if len(der) == 0 {
		return nil, apperr.External("acme finalize", true, errors.New("empty certificate chain"))
	}
	leaf, err := x509.ParseCertificate(der[0])
	if err != nil {
		return nil, fmt.Errorf("parse issued certificate: %w", err)
	}

	var chain []byte
	for _, b := range der {
		chain = append(chain, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: b})...)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal certificate key: %w", err)
	}

	return &Issued{
		CertPEM:  chain,
		KeyPEM:   pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}),
		NotAfter: leaf.NotAfter.UTC(),
		Issuer:   leaf.Issuer.CommonName,
	}, nil
}

func (i *ACMEIssuer) authorize(ctx context.Context, client *acme.Client, authzURL string, req IssueRequest) error {
	authz, err := client.GetAuthorization(ctx, authzURL)
	if err != nil {
		return classify("acme authorization", err)
	}
	if authz.Status == acme.StatusValid {
		return nil
	}

	want := "http-01"
	if req.Challenge == models.ChallengeDNS {
		want = "dns-01"
	}
	var chal *acme.Challenge
	for _, c := range authz.Challenges {
		if c.Type == want {
			chal = c
			break
		}
	}
	if chal == nil {
		return apperr.External("acme authorization", false, fmt.Errorf("CA offered no %s challenge for %s", want, authz.Identifier.Value))
	}

	var keyAuth string
	if want == "dns-01" {
		keyAuth, err = client.DNS01ChallengeRecord(chal.Token)
	} else {
		keyAuth, err = client.HTTP01ChallengeResponse(chal.Token)
	}
	if err != nil {
		return fmt.Errorf("challenge response: %w", err)
	}

	domain := authz.Identifier.Value
	if err := req.Solver.Present(ctx, domain, chal.Token, keyAuth); err != nil {
		return err
	}
	defer func() {
		// Cleanup must survive a cancelled order.
		cleanCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := req.Solver.CleanUp(cleanCtx, domain, chal.Token, keyAuth); err != nil {
			logger.Log().WithError(err).WithField("domain", domain).Warn("challenge cleanup failed")
		}
	}()

	if _, err := client.Accept(ctx, chal); err != nil {
		return classify("acme accept", err)
	}
	if _, err := client.WaitAuthorization(ctx, authz.URI); err != nil {
		return classify("acme authorization", err)
	}
	return nil
}

// classify maps CA and transport failures onto retryable and non-retryable errors.
// Non-retryable messages are kept verbatim for the operator.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.External(op, true, fmt.Errorf("timed out: %w", err))
	}
	if errors.Is(err, context.Canceled) {
		return apperr.External(op, false, fmt.Errorf("cancelled: %w", err))
	}

	var authzErr *acme.AuthorizationError
	if errors.As(err, &authzErr) {
		return apperr.External(op, false, err)
	}

	var acmeErr *acme.Error
	if errors.As(err, &acmeErr) {
		if _, limited := acme.RateLimit(acmeErr); limited {
			return apperr.External(op, true, err)
		}
		switch problem(acmeErr.ProblemType) {
		case "rateLimited", "serverInternal", "badNonce":
			return apperr.External(op, true, err)
		case "unauthorized", "dns", "connection", "caa", "rejectedIdentifier", "malformed", "tls", "incorrectResponse":
			return apperr.External(op, false, err)
		}
		return apperr.External(op, acmeErr.StatusCode >= 500, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return apperr.External(op, true, err)
	}
	return apperr.External(op, false, err)
}

// problem strips the urn:ietf:params:acme:error: prefix.
func problem(t string) string {
	if i := strings.LastIndexByte(t, ':'); i >= 0 {
		return t[i+1:]
	}
	return t
}

// retryAfter extracts a CA-provided back-off.
func retryAfter(err error) (time.Duration, bool) {
	var acmeErr *acme.Error
	if errors.As(err, &acmeErr) {
		return acme.RateLimit(acmeErr)
	}
	return 0, false
}

func loadOrCreateKey(path string) (crypto.Signer, error) {
	if raw, err := os.ReadFile(path); err == nil {
		block, _ := pem.Decode(raw)
		if block == nil {
			return nil, fmt.Errorf("%s: no PEM block", path)
		}
		return x509.ParseECPrivateKey(block.Bytes)
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}), 0o600); err != nil {
		return nil, err
	}
	return key, nil
}
