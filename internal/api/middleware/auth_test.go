package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samblam/edgemesh/internal/database"
	"github.com/samblam/edgemesh/internal/models"
	"github.com/samblam/edgemesh/internal/services"
)

func newAuth(t *testing.T) (*services.AuthService, *services.UserService) {
	t.Helper()
	db, err := database.Connect(filepath.Join(t.TempDir(), "auth.db"))
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	users := services.NewUserService(db)
	return services.NewAuthService(users, "test-secret"), users
}

func TestAdminAuth(t *testing.T) {
	auth, users := newAuth(t)
	ctx := context.Background()
	_, err := users.Create(ctx, "root", "root@example.com", models.RoleAdmin)
	require.NoError(t, err)
	_, err = users.Create(ctx, "ana", "ana@example.com", models.RoleAnalyst)
	require.NoError(t, err)

	router := gin.New()
	admin := router.Group("/admin", AdminAuth(auth))
	admin.GET("/read", RequireRole(models.RoleAdmin, models.RoleAnalyst), func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(UserIDKey))
	})
	admin.POST("/write", RequireRole(models.RoleAdmin), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	do := func(method, path, header string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	w := do(http.MethodGet, "/admin/read", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "Authorization header required")

	assert.Equal(t, http.StatusUnauthorized, do(http.MethodGet, "/admin/read", "Basic abc").Code)
	assert.Equal(t, http.StatusUnauthorized, do(http.MethodGet, "/admin/read", "Bearer nope").Code)

	rootToken, err := auth.IssueToken(ctx, "root", time.Hour)
	require.NoError(t, err)
	anaToken, err := auth.IssueToken(ctx, "ana", time.Hour)
	require.NoError(t, err)

	w = do(http.MethodGet, "/admin/read", "Bearer "+anaToken)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ana", w.Body.String())

	assert.Equal(t, http.StatusForbidden, do(http.MethodPost, "/admin/write", "Bearer "+anaToken).Code)
	assert.Equal(t, http.StatusNoContent, do(http.MethodPost, "/admin/write", "bearer "+rootToken).Code)
}

func TestRequireRole_NoRoleInContext(t *testing.T) {
	router := gin.New()
	router.Use(RequireRole(models.RoleAdmin))
	router.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusForbidden, w.Code)
}
