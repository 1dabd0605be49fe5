package middleware

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samblam/edgemesh/internal/ca"
	"github.com/samblam/edgemesh/internal/database"
	"github.com/samblam/edgemesh/internal/services"
)

func TestRequireDeviceCert(t *testing.T) {
	db, err := database.Connect(filepath.Join(t.TempDir(), "cert.db"))
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	authority, err := ca.New(ca.Options{KeyBits: 1024})
	require.NoError(t, err)
	enrollment, err := services.NewEnrollmentService(db, services.NewAuditService(db), authority, nil, "tok")
	require.NoError(t, err)

	res, err := enrollment.Enroll(context.Background(), services.EnrollmentRequest{
		DeviceID: "dev-1", DeviceType: "laptop", Token: "tok",
	}, time.Now())
	require.NoError(t, err)
	escaped := url.QueryEscape(string(res.Issued.CertificatePEM))

	router := gin.New()
	router.POST("/strict", RequireDeviceCert(enrollment, true), func(c *gin.Context) {
		body, _ := io.ReadAll(c.Request.Body)
		c.String(http.StatusOK, string(body))
	})
	router.POST("/open", RequireDeviceCert(enrollment, false), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	do := func(path, body, cert string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		if cert != "" {
			req.Header.Set(ClientCertHeader, cert)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, do("/open", `{"device_id":"dev-1"}`, "").Code)
	assert.Equal(t, http.StatusUnauthorized, do("/strict", `{"device_id":"dev-1"}`, "").Code)

	w := do("/strict", `{"device_id":"dev-1"}`, escaped)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `{"device_id":"dev-1"}`, w.Body.String(), "body is replayed to the handler")

	assert.Equal(t, http.StatusUnauthorized, do("/strict", `{"device_id":"dev-2"}`, escaped).Code)
	assert.Equal(t, http.StatusBadRequest, do("/strict", `{}`, escaped).Code)
	assert.Equal(t, http.StatusUnauthorized, do("/strict", `{"device_id":"dev-1"}`, "garbage").Code)
}
