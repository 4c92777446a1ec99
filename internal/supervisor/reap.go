package supervisor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/agentdock/hostd/internal/store"
)

// managedLabel tags every container this daemon starts so a restart can
// find containers a previous, now-dead process detached on shutdown (§4.6:
// "Active containers are detached, not killed ... a next start scans and
// reaps them").
const managedLabel = "hostd.managed"

// ReapOrphans scans for containers this daemon previously started and
// never reaped. A container still running is left alone — its in-flight
// output, if any, is unrecoverable (§9 open question), but the process
// itself may still finish naturally. A container that has already exited
// is removed, and its store run record is marked finished with a timeout
// exit status (replacing any status already recorded) so it stops showing
// as in-progress.
func (s *Supervisor) ReapOrphans(ctx context.Context) error {
	containers, err := s.docker.ListByLabel(ctx, map[string]string{managedLabel: "true"})
	if err != nil {
		return err
	}

	for _, c := range containers {
		if c.State == "running" || c.State == "created" {
			s.logger.Warn("reaper found still-running orphan container, leaving detached",
				zap.String("container", c.Name), zap.String("state", c.State))
			continue
		}

		s.logger.Info("reaper removing exited orphan container", zap.String("container", c.Name))
		if s.store != nil {
			_ = s.store.FinishContainerRun(ctx, c.Name, time.Now().UTC(), store.ExitTimeout, false)
		}
		if err := s.docker.Remove(ctx, c.ID, true); err != nil {
			s.logger.Warn("reaper failed to remove orphan container", zap.String("container", c.Name), zap.Error(err))
		}
	}
	return nil
}
