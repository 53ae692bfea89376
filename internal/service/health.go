package service

import (
	"context"

	"github.com/moltbank/teller-service/internal/repo"
	"go.uber.org/zap"
)

// HealthService reports the teller's liveness to the shared agent_health
// table. Report is called on every loop iteration and with "offline" as the
// last action before shutdown.
type HealthService struct {
	repo repo.RepositoryInterface
	name string
	role string
	log  *zap.SugaredLogger
}

func NewHealthService(r repo.RepositoryInterface, agentName string, logger *zap.SugaredLogger) *HealthService {
	return &HealthService{repo: r, name: agentName, role: "teller", log: logger}
}

// Report upserts the heartbeat row. Heartbeat failures are logged, never
// fatal: a monitoring outage must not take the teller down.
func (s *HealthService) Report(ctx context.Context, status string, errMsg string) {
	var msg *string
	if errMsg != "" {
		msg = &errMsg
	}
	if err := s.repo.UpsertHeartbeat(ctx, s.name, s.role, status, msg); err != nil {
		s.log.Warnf("health: heartbeat upsert: %v", err)
	}
}
