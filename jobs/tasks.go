package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/unicore-erp/unicore/internal/jobs"
	"github.com/unicore-erp/unicore/internal/profiles"
	"github.com/unicore-erp/unicore/internal/rbac"
	"github.com/unicore-erp/unicore/internal/session"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskProfileProvision retries a profile insert that failed during
	// registration.
	TaskProfileProvision = "profiles:provision"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// ProfileProvisionPayload carries the profile to insert.
type ProfileProvisionPayload struct {
	UserID    string `json:"user_id"`
	Email     string `json:"email"`
	FullName  string `json:"full_name"`
	Role      string `json:"role"`
	StudentID string `json:"student_id,omitempty"`
}

// NewProfileProvisionTask constructs an Asynq task.
func NewProfileProvisionTask(p session.Profile) (*asynq.Task, error) {
	if p.ID == "" {
		return nil, errors.New("jobs: profile provision: user id required")
	}
	data, err := json.Marshal(ProfileProvisionPayload{
		UserID:    p.ID,
		Email:     p.Email,
		FullName:  p.FullName,
		Role:      string(p.Role),
		StudentID: p.StudentID,
	})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskProfileProvision, data), nil
}

// ProfileProvisionJob inserts profiles queued by registration.
type ProfileProvisionJob struct {
	Profiles session.ProfileStore
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
}

// NewProfileProvisionJob wires dependencies for the provision handler.
func NewProfileProvisionJob(store session.ProfileStore, logger *slog.Logger, metrics *jobmetrics.Metrics) *ProfileProvisionJob {
	return &ProfileProvisionJob{Profiles: store, Logger: logger, Metrics: metrics}
}

// Handle processes TaskProfileProvision tasks. A profile that already exists
// counts as done.
func (j *ProfileProvisionJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Profiles == nil {
		return errors.New("profile provision: handler not configured")
	}
	var payload ProfileProvisionPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.UserID == "" {
		return fmt.Errorf("profile provision: bad payload: %w", asynq.SkipRetry)
	}
	role, _ := rbac.ParseRole(payload.Role)

	tracker := j.metrics().Track(TaskProfileProvision)
	logger := j.logger().With(slog.String("user_id", payload.UserID))

	err := j.Profiles.InsertProfile(ctx, session.Profile{
		ID:        payload.UserID,
		Email:     payload.Email,
		FullName:  payload.FullName,
		Role:      role,
		Status:    rbac.StatusActive,
		StudentID: payload.StudentID,
	})
	switch {
	case err == nil:
		logger.Info("profile provisioned")
	case errors.Is(err, profiles.ErrDuplicate):
		logger.Info("profile already present")
		err = nil
	default:
		logger.Warn("profile provision failed", slog.Any("error", err))
	}
	return tracker.End(err)
}

func (j *ProfileProvisionJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskProfileProvision))
	}
	return slog.Default().With(slog.String("job", TaskProfileProvision))
}

func (j *ProfileProvisionJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
