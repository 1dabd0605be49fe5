package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samblam/edgemesh/internal/ca"
	"github.com/samblam/edgemesh/internal/models"
)

const testEnrollToken = "join-the-mesh"

func newTestEnrollment(t *testing.T) (*EnrollmentService, *AuditService) {
	t.Helper()
	db := newTestDB(t)
	authority, err := ca.New(ca.Options{KeyBits: 1024, CertValidity: time.Hour})
	require.NoError(t, err)
	audit := NewAuditService(db)
	svc, err := NewEnrollmentService(db, audit, authority, NewNotificationService(nil), testEnrollToken)
	require.NoError(t, err)
	return svc, audit
}

func enrollReq(id string) EnrollmentRequest {
	return EnrollmentRequest{DeviceID: id, DeviceType: "laptop", OS: "macOS", OSVersion: "15.1", Token: testEnrollToken}
}

func TestEnroll_IssuesAndStoresIdentity(t *testing.T) {
	svc, audit := newTestEnrollment(t)
	ctx := context.Background()

	res, err := svc.Enroll(ctx, enrollReq("dev-1"), t0)
	require.NoError(t, err)
	assert.Equal(t, models.DeviceStatusActive, res.Device.Status)
	assert.Equal(t, res.Issued.Serial, res.Device.CertificateSerial)
	assert.NotEmpty(t, res.Issued.PrivateKeyPEM)

	stored, err := svc.GetDevice(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "macOS", stored.OS)
	assert.Equal(t, string(res.Issued.CertificatePEM), stored.CertificatePEM)

	assert.NoError(t, svc.VerifyDeviceCertificate(ctx, "dev-1", res.Issued.CertificatePEM))
	assert.ErrorIs(t, svc.VerifyDeviceCertificate(ctx, "dev-2", res.Issued.CertificatePEM), ca.ErrUntrustedCertificate)

	recs, err := audit.Query(ctx, AuditFilter{EventType: models.EventDeviceEnrolled})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "dev-1", recs[0].DeviceID)
}

func TestEnroll_RejectsBadToken(t *testing.T) {
	svc, _ := newTestEnrollment(t)
	req := enrollReq("dev-1")
	req.Token = "wrong"
	_, err := svc.Enroll(context.Background(), req, t0)
	assert.ErrorIs(t, err, ErrInvalidEnrollmentToken)

	req.Token = ""
	_, err = svc.Enroll(context.Background(), req, t0)
	assert.ErrorIs(t, err, ErrInvalidEnrollmentToken)
}

func TestEnroll_EmptyTokenDisablesEnrollment(t *testing.T) {
	db := newTestDB(t)
	authority, err := ca.New(ca.Options{KeyBits: 1024})
	require.NoError(t, err)
	svc, err := NewEnrollmentService(db, NewAuditService(db), authority, nil, "")
	require.NoError(t, err)

	_, err = svc.Enroll(context.Background(), enrollReq("dev-1"), t0)
	assert.ErrorIs(t, err, ErrInvalidEnrollmentToken)
}

func TestEnroll_RejectsMissingFields(t *testing.T) {
	svc, _ := newTestEnrollment(t)
	req := enrollReq("  ")
	_, err := svc.Enroll(context.Background(), req, t0)
	assert.ErrorIs(t, err, ErrInvalidEnrollment)

	req = enrollReq("dev-1")
	req.DeviceType = ""
	_, err = svc.Enroll(context.Background(), req, t0)
	assert.ErrorIs(t, err, ErrInvalidEnrollment)
}

func TestEnroll_DuplicateLeavesStoreUnchanged(t *testing.T) {
	svc, audit := newTestEnrollment(t)
	ctx := context.Background()

	first, err := svc.Enroll(ctx, enrollReq("dev-1"), t0)
	require.NoError(t, err)

	_, err = svc.Enroll(ctx, enrollReq("dev-1"), t0.Add(time.Minute))
	assert.ErrorIs(t, err, ErrDuplicateIdentity)

	stored, err := svc.GetDevice(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, first.Issued.Serial, stored.CertificateSerial)

	n, err := audit.Count(ctx, AuditFilter{EventType: models.EventDeviceEnrolled})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRevoke_TerminatesConnectionsAndAllowsReenroll(t *testing.T) {
	svc, audit := newTestEnrollment(t)
	db := audit.db
	ctx := context.Background()

	first, err := svc.Enroll(ctx, enrollReq("dev-1"), t0)
	require.NoError(t, err)

	established := t0
	require.NoError(t, db.Create(&models.Connection{
		DeviceID: "dev-1", UserID: "alice", ServiceName: "database",
		Status: models.ConnectionEstablished, EstablishedAt: &established,
	}).Error)

	revoked, err := svc.Revoke(ctx, "dev-1", "lost laptop", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, models.DeviceStatusRevoked, revoked.Status)
	require.NotNil(t, revoked.RevokedAt)

	var open int64
	db.Model(&models.Connection{}).Where("status = ?", models.ConnectionEstablished).Count(&open)
	assert.Zero(t, open)

	// Second revoke is a no-op and writes nothing.
	_, err = svc.Revoke(ctx, "dev-1", "again", t0.Add(2*time.Hour))
	require.NoError(t, err)
	n, err := audit.Count(ctx, AuditFilter{EventType: models.EventDeviceRevoked})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	second, err := svc.Enroll(ctx, enrollReq("dev-1"), t0.Add(3*time.Hour))
	require.NoError(t, err)
	assert.NotEqual(t, first.Issued.Serial, second.Issued.Serial)

	stored, err := svc.GetDevice(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, models.DeviceStatusActive, stored.Status)
	assert.Nil(t, stored.RevokedAt)
	assert.Equal(t, second.Issued.Serial, stored.CertificateSerial)

	assert.ErrorIs(t, svc.VerifyDeviceCertificate(ctx, "dev-1", first.Issued.CertificatePEM), ca.ErrUntrustedCertificate)

	_, err = svc.Revoke(ctx, "ghost", "", t0)
	assert.ErrorIs(t, err, ErrDeviceNotFound)

	report, err := audit.VerifyChain(ctx)
	require.NoError(t, err)
	assert.True(t, report.Valid)
}

func TestListDevices(t *testing.T) {
	svc, _ := newTestEnrollment(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		_, err := svc.Enroll(ctx, enrollReq(id), t0)
		require.NoError(t, err)
	}
	_, err := svc.Revoke(ctx, "b", "", t0)
	require.NoError(t, err)

	all, err := svc.ListDevices(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	revoked, err := svc.ListDevices(ctx, models.DeviceStatusRevoked)
	require.NoError(t, err)
	require.Len(t, revoked, 1)
	assert.Equal(t, "b", revoked[0].DeviceID)
}
