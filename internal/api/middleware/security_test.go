package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestSecurityHeaders(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name string
		cfg  SecurityHeadersConfig
		want map[string]string
	}{
		{
			name: "production sets HSTS",
			cfg:  SecurityHeadersConfig{},
			want: map[string]string{
				"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
				"X-Frame-Options":           "DENY",
				"X-Content-Type-Options":    "nosniff",
				"Cache-Control":             "no-store",
				"Referrer-Policy":           "no-referrer",
			},
		},
		{
			name: "development skips HSTS",
			cfg:  SecurityHeadersConfig{IsDevelopment: true},
			want: map[string]string{
				"Strict-Transport-Security": "",
				"X-Frame-Options":           "DENY",
			},
		},
		{
			name: "extra headers override defaults",
			cfg:  SecurityHeadersConfig{ExtraHeaders: map[string]string{"Cache-Control": "private"}},
			want: map[string]string{"Cache-Control": "private"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := gin.New()
			router.Use(SecurityHeaders(tt.cfg))
			router.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
			for k, v := range tt.want {
				assert.Equal(t, v, w.Header().Get(k), k)
			}
			assert.Contains(t, w.Header().Get("Content-Security-Policy"), "default-src 'none'")
		})
	}
}
