package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samblam/edgemesh/internal/config"
	"github.com/samblam/edgemesh/internal/models"
	"github.com/samblam/edgemesh/internal/policy"
)

const testPolicy = `package edgemesh.authz

default allow := false

allow if input.user.role == "admin"
`

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	return config.Config{
		Environment:  "test",
		DatabasePath: filepath.Join(dir, "edgemesh.db"),
		LogLevel:     "warn",
		Policy: config.PolicyConfig{
			Engine:  config.PolicyEngineHTTP,
			OPAURL:  "http://127.0.0.1:1",
			Path:    "edgemesh/authz/allow",
			Query:   "data.edgemesh.authz.allow",
			Timeout: time.Second,
		},
		Health: config.HealthConfig{MaxAge: 5 * time.Minute, MaxCPU: 90, MaxMemory: 90},
		CA: config.CAConfig{
			CertValidity: time.Hour,
			CAValidity:   24 * time.Hour,
			KeyBits:      1024,
			Organization: "EdgeMesh Test",
		},
		Security: config.SecurityConfig{EnrollmentToken: "token", JWTSecret: "secret"},
	}
}

func TestRootCommand_Subcommands(t *testing.T) {
	root := newRootCmd()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "user", "token", "audit"} {
		assert.True(t, names[want], "missing %s command", want)
	}
}

func TestNewEngine_Rego(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "authz.rego")
	require.NoError(t, os.WriteFile(path, []byte(testPolicy), 0o600))

	engine, closeFn, err := newEngine(context.Background(), config.PolicyConfig{
		Engine:   config.PolicyEngineRego,
		RegoFile: path,
		Query:    "data.edgemesh.authz.allow",
	})
	require.NoError(t, err)
	defer closeFn()

	allowed, err := engine.Evaluate(context.Background(), policy.Input{User: policy.UserContext{Role: "admin"}})
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestNewEngine_RegoMissingFile(t *testing.T) {
	_, _, err := newEngine(context.Background(), config.PolicyConfig{
		Engine:   config.PolicyEngineRego,
		RegoFile: filepath.Join(t.TempDir(), "missing.rego"),
		Query:    "data.edgemesh.authz.allow",
	})
	assert.Error(t, err)
}

func TestBuildApp_WiresServices(t *testing.T) {
	cfg := testConfig(t)
	db, err := openDB(cfg)
	require.NoError(t, err)

	a, err := buildApp(context.Background(), cfg, db, prometheus.NewRegistry())
	require.NoError(t, err)
	defer a.Close()

	ctx := context.Background()
	_, err = a.services.Users.Create(ctx, "root", "root@example.com", models.RoleAdmin)
	require.NoError(t, err)
	token, err := a.services.Auth.IssueToken(ctx, "root", time.Minute)
	require.NoError(t, err)
	claims, err := a.services.Auth.ParseToken(token)
	require.NoError(t, err)
	assert.Equal(t, models.RoleAdmin, claims.Role)

	assert.Contains(t, string(a.services.Enrollment.RootCertificatePEM()), "BEGIN CERTIFICATE")

	report, err := a.services.Audit.VerifyChain(ctx)
	require.NoError(t, err)
	assert.True(t, report.Valid)
}
