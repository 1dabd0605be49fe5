package services

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"github.com/samblam/edgemesh/internal/logger"
	"github.com/samblam/edgemesh/internal/metrics"
	"github.com/samblam/edgemesh/internal/models"
)

// Stats is a point-in-time snapshot of fleet and session counts.
type Stats struct {
	DevicesByStatus map[string]int64 `json:"devices_by_status"`
	ActiveByService map[string]int64 `json:"active_connections_by_service"`
	AuditRecords    int64            `json:"audit_records"`
}

// StatsService periodically recomputes gauges from the store so they stay
// correct across restarts and out-of-band changes.
type StatsService struct {
	db   *gorm.DB
	Cron *cron.Cron
}

// NewStatsService schedules a refresh at spec (robfig/cron syntax, e.g.
// "@every 1m"). An empty spec leaves the scheduler idle.
func NewStatsService(db *gorm.DB, spec string) (*StatsService, error) {
	s := &StatsService{db: db, Cron: cron.New()}
	if spec != "" {
		if _, err := s.Cron.AddFunc(spec, s.refreshJob); err != nil {
			return nil, fmt.Errorf("schedule stats refresh %q: %w", spec, err)
		}
	}
	return s, nil
}

// Start runs the scheduler in its own goroutine.
func (s *StatsService) Start() {
	s.Cron.Start()
}

// Stop halts the scheduler and waits for a running refresh to finish.
func (s *StatsService) Stop() {
	<-s.Cron.Stop().Done()
}

func (s *StatsService) refreshJob() {
	if _, err := s.Refresh(context.Background()); err != nil {
		logger.ForComponent("stats").WithError(err).Warn("stats refresh failed")
	}
}

// Refresh reads current counts and publishes them as gauges.
func (s *StatsService) Refresh(ctx context.Context) (*Stats, error) {
	type row struct {
		Name  string
		Total int64
	}

	var devices []row
	if err := s.db.WithContext(ctx).Model(&models.Device{}).
		Select("status AS name, COUNT(*) AS total").
		Group("status").
		Scan(&devices).Error; err != nil {
		return nil, fmt.Errorf("count devices: %w", err)
	}

	var conns []row
	if err := s.db.WithContext(ctx).Model(&models.Connection{}).
		Select("service_name AS name, COUNT(*) AS total").
		Where("status = ?", models.ConnectionEstablished).
		Group("service_name").
		Scan(&conns).Error; err != nil {
		return nil, fmt.Errorf("count connections: %w", err)
	}

	st := &Stats{
		DevicesByStatus: map[string]int64{
			string(models.DeviceStatusActive):    0,
			string(models.DeviceStatusUnhealthy): 0,
			string(models.DeviceStatusRevoked):   0,
		},
		ActiveByService: map[string]int64{},
	}
	for _, r := range devices {
		st.DevicesByStatus[r.Name] = r.Total
	}
	for _, r := range conns {
		st.ActiveByService[r.Name] = r.Total
	}
	if err := s.db.WithContext(ctx).Model(&models.AuditRecord{}).Count(&st.AuditRecords).Error; err != nil {
		return nil, fmt.Errorf("count audit records: %w", err)
	}

	metrics.SetDeviceCounts(st.DevicesByStatus)
	metrics.SetActiveConnections(st.ActiveByService)
	return st, nil
}
