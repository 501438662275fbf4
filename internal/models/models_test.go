package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(All()...))
	return db
}

func TestProxyHost_JSONColumnsRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	host := ProxyHost{
		UUID:       "h1",
		Domain:     "a.example.com",
		Target:     "http://svc:8080",
		Enabled:    true,
		AllowedIPs: []string{"10.0.0.0/8", "192.0.2.1"},
		Paths:      []PathRoute{{Pattern: "/api/*", Target: "http://api:9000", Headers: map[string]string{"X-A": "1"}}},
		RateLimit:  &RateLimit{Requests: 10, Window: "1m"},
	}
	require.NoError(t, db.Create(&host).Error)

	var got ProxyHost
	require.NoError(t, db.First(&got, "uuid = ?", "h1").Error)
	assert.Equal(t, host.AllowedIPs, got.AllowedIPs)
	assert.Equal(t, host.Paths, got.Paths)
	require.NotNil(t, got.RateLimit)
	assert.Equal(t, 10, got.RateLimit.Requests)
}

func TestFirewallRule_ActiveAt(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Second)
	future := now.Add(time.Minute)

	assert.True(t, FirewallRule{}.ActiveAt(now))
	assert.True(t, FirewallRule{ExpiresAt: &future}.ActiveAt(now))
	assert.False(t, FirewallRule{ExpiresAt: &past}.ActiveAt(now))
	assert.False(t, FirewallRule{ExpiresAt: &now}.ActiveAt(now))
}

func TestFirewallRule_SamePort(t *testing.T) {
	p80, p443, other80 := 80, 443, 80
	assert.True(t, FirewallRule{}.SamePort(nil))
	assert.False(t, FirewallRule{}.SamePort(&p80))
	assert.False(t, FirewallRule{Port: &p80}.SamePort(nil))
	assert.True(t, FirewallRule{Port: &p80}.SamePort(&other80))
	assert.False(t, FirewallRule{Port: &p80}.SamePort(&p443))
}

func TestCertificate_ValidAt(t *testing.T) {
	now := time.Now()
	later := now.Add(time.Hour)
	assert.False(t, Certificate{}.ValidAt(now))
	assert.True(t, Certificate{CertPath: "a.crt", KeyPath: "a.key"}.ValidAt(now))
	assert.True(t, Certificate{CertPath: "a.crt", KeyPath: "a.key", ExpiresAt: &later}.ValidAt(now))
	assert.False(t, Certificate{CertPath: "a.crt", KeyPath: "a.key", ExpiresAt: &later}.ValidAt(later.Add(time.Second)))
}

func TestDNSConfig_Redacted(t *testing.T) {
	cfg := DNSConfig{Provider: DNSProviderCloudflare, Credentials: map[string]string{"api_token": "secret"}}
	red := cfg.Redacted()
	assert.Equal(t, "********", red.Credentials["api_token"])
	assert.Equal(t, "secret", cfg.Credentials["api_token"])
}
