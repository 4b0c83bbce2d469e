package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"parking-service/internal/config"
	"parking-service/internal/utils"
)

func TestRecoveryReturnsEnvelope(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RecoveryMiddleware(zap.NewNop()), RequestIDMiddleware())
	router.GET("/boom", func(c *gin.Context) { panic("gate wiring") })

	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp utils.APIResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Success || resp.Error == nil || resp.Error.Code != "INTERNAL_SERVER_ERROR" {
		t.Fatalf("response = %+v", resp)
	}
	if resp.RequestID != "req-42" {
		t.Fatalf("request id = %q", resp.RequestID)
	}
}

func TestCORS(t *testing.T) {
	tests := []struct {
		name    string
		origins []string
		origin  string
		allowed string
	}{
		{"any origin", nil, "http://anywhere.local", "*"},
		{"wildcard", []string{"*"}, "http://anywhere.local", "*"},
		{"listed origin", []string{"http://dashboard.local"}, "http://dashboard.local", "http://dashboard.local"},
		{"unlisted origin", []string{"http://dashboard.local"}, "http://evil.local", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gin.SetMode(gin.TestMode)
			router := gin.New()
			router.Use(CORSMiddleware(&config.SecurityConfig{AllowedOrigins: tt.origins}))
			router.GET("/api/v1/gate", func(c *gin.Context) { c.Status(http.StatusOK) })

			req := httptest.NewRequest(http.MethodGet, "/api/v1/gate", nil)
			req.Header.Set("Origin", tt.origin)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.allowed {
				t.Fatalf("Access-Control-Allow-Origin = %q, want %q", got, tt.allowed)
			}
		})
	}
}

func TestLoggingKeepsRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RequestIDMiddleware(), LoggingMiddleware(utils.NewServiceLogger(zap.NewNop(), "test")))
	router.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, utils.RequestID(c))
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))

	if rec.Body.String() == "" || rec.Body.String() != rec.Header().Get(RequestIDHeader) {
		t.Fatalf("body %q, header %q", rec.Body.String(), rec.Header().Get(RequestIDHeader))
	}
}
