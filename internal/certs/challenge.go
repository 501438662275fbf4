package certs

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
)

// ChallengeStore holds pending HTTP-01 key authorizations. The edge proxy forwards
// /.well-known/acme-challenge/* to Handler.
type ChallengeStore struct {
	mu     sync.RWMutex
	tokens map[string]string
}

// NewChallengeStore creates an empty store.
func NewChallengeStore() *ChallengeStore {
	return &ChallengeStore{tokens: map[string]string{}}
}

func (s *ChallengeStore) Put(token, keyAuth string) {
	s.mu.Lock()
	s.tokens[token] = keyAuth
	s.mu.Unlock()
}

func (s *ChallengeStore) Delete(token string) {
	s.mu.Lock()
	delete(s.tokens, token)
	s.mu.Unlock()
}

func (s *ChallengeStore) Get(token string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.tokens[token]
	return v, ok
}

// Handler answers GET /.well-known/acme-challenge/:token.
func (s *ChallengeStore) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		keyAuth, ok := s.Get(strings.TrimPrefix(c.Param("token"), "/"))
		if !ok {
			c.String(http.StatusNotFound, "not found")
			return
		}
		c.Data(http.StatusOK, "text/plain", []byte(keyAuth))
	}
}

// httpSolver serves HTTP-01 challenges from a ChallengeStore.
type httpSolver struct {
	store *ChallengeStore
}

func (s httpSolver) Present(_ context.Context, _, token, keyAuth string) error {
	s.store.Put(token, keyAuth)
	return nil
}

func (s httpSolver) CleanUp(_ context.Context, _, token, _ string) error {
	s.store.Delete(token)
	return nil
}

// dnsSolver publishes DNS-01 records through a provider and waits for propagation.
type dnsSolver struct {
	provider DNSProvider
	checker  *PropagationChecker
}

func challengeFQDN(domain string) string {
	return "_acme-challenge." + strings.TrimPrefix(domain, "*.") + "."
}

func (s dnsSolver) Present(ctx context.Context, domain, _, value string) error {
	fqdn := challengeFQDN(domain)
	if err := s.provider.Present(ctx, domain, fqdn, value); err != nil {
		return err
	}
	if s.checker == nil {
		return nil
	}
	return s.checker.Wait(ctx, fqdn, value)
}

func (s dnsSolver) CleanUp(ctx context.Context, domain, _, value string) error {
	return s.provider.CleanUp(ctx, domain, challengeFQDN(domain), value)
}
