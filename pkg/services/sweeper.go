package services

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/taskmesh/taskmesh/pkg/repository"
)

// DefaultSweepInterval is used when the configuration leaves the
// orchestrator sweep interval unset.
const DefaultSweepInterval = 30 * time.Second

// maxConcurrentSweeps bounds how many project aggregates one sweep loads
// at a time
const maxConcurrentSweeps = 4

// SessionSweeper periodically times out work sessions that exceeded their
// max duration, releasing their resource locks and the agent's active
// task. Sweeps run under the system scope and are idempotent: a session
// already terminal is skipped.
type SessionSweeper struct {
	BaseService
	sessions repository.SessionRepository
	projects repository.ProjectRepository
	tx       repository.TxManager
	interval time.Duration

	stop chan struct{}
	done chan struct{}
}

// NewSessionSweeper builds the sweeper. interval <= 0 falls back to the
// default.
func NewSessionSweeper(cfg ServiceConfig, sessions repository.SessionRepository, projects repository.ProjectRepository, tx repository.TxManager, interval time.Duration) *SessionSweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &SessionSweeper{
		BaseService: newBaseService(cfg, "session_sweeper"),
		sessions:    sessions,
		projects:    projects,
		tx:          tx,
		interval:    interval,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop is called or ctx is cancelled
func (s *SessionSweeper) Start(ctx context.Context) {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				if count, err := s.SweepOnce(ctx); err != nil {
					s.logger.Error("sweep failed", map[string]interface{}{"error": err.Error()})
				} else if count > 0 {
					s.logger.Info("sessions timed out", map[string]interface{}{"count": count})
				}
			}
		}
	}()
}

// Stop ends the sweep loop and waits for it to exit
func (s *SessionSweeper) Stop() {
	close(s.stop)
	<-s.done
}

// SweepOnce scans the live sessions and times out those over budget.
// Returns the number of sessions transitioned.
func (s *SessionSweeper) SweepOnce(ctx context.Context) (int, error) {
	scope := repository.SystemScope()
	live, err := s.sessions.ListActive(ctx, scope)
	if err != nil {
		return 0, err
	}

	expired := make(map[uuid.UUID][]uuid.UUID) // project -> session ids
	for _, session := range live {
		if session.TimedOut() {
			expired[session.ProjectID] = append(expired[session.ProjectID], session.ID)
		}
	}

	// Each project sweeps in its own transaction, so projects can go in
	// parallel; a failed project is logged and skipped.
	var total atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentSweeps)
	for projectID, sessionIDs := range expired {
		projectID, sessionIDs := projectID, sessionIDs
		g.Go(func() error {
			count, err := s.sweepProject(gctx, projectID, sessionIDs)
			if err != nil {
				s.logger.Error("project sweep failed", map[string]interface{}{
					"project_id": projectID.String(),
					"error":      err.Error(),
				})
				return nil
			}
			total.Add(int64(count))
			return nil
		})
	}
	_ = g.Wait()

	if total.Load() > 0 {
		s.metrics.IncrementCounter("sessions_timed_out", float64(total.Load()))
	}
	return int(total.Load()), nil
}

// sweepProject times out the named sessions inside the project aggregate
// so the lock release and the status transition commit together.
func (s *SessionSweeper) sweepProject(ctx context.Context, projectID uuid.UUID, sessionIDs []uuid.UUID) (int, error) {
	scope := repository.SystemScope()
	count := 0
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		project, err := s.projects.Get(ctx, scope, projectID)
		if err != nil {
			return err
		}
		for _, id := range sessionIDs {
			session, ok := project.Sessions[id]
			if !ok {
				continue
			}
			// MarkTimedOut is a no-op for sessions another sweep already ended
			if !session.MarkTimedOut() {
				continue
			}
			project.ReleaseSessionResources(session)
			count++
		}
		if count == 0 {
			return nil
		}
		return s.projects.Save(ctx, scope, project)
	})
	return count, err
}
