package scheduler

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/me/rollupd/internal/cache"
	"github.com/me/rollupd/internal/logging"
	"github.com/me/rollupd/pkg/model"
)

// JobTTL is how long a posted build job stays pollable.
const JobTTL = 24 * time.Hour

func jobKey(token string) string { return "PRE_AGG_JOB_" + token }

// PostBuildJobs posts one build job per selected final-stage partition and
// returns the job tokens in plan order. Jobs are stored in the tenant cache
// and built in the background; GetCachedBuildJobs reports their progress.
func (s *Scheduler) PostBuildJobs(ctx context.Context, rc model.RequestContext, opts model.PreAggregationsQueryingOptions) ([]string, error) {
	plans, err := s.PreAggregationPartitions(ctx, rc, opts)
	if err != nil {
		return nil, err
	}
	orch, err := s.core.OrchestratorFor(ctx, rc)
	if err != nil {
		return nil, err
	}
	jobs := orch.JobCache()
	logger := logging.ForRequest(s.logger, rc)
	posted := s.now().UTC()

	builds := buildQueries(rc, plans, opts)
	tokens := make([]string, 0, len(builds))
	for _, b := range builds {
		job := &model.BuildJob{
			RequestID:        rc.RequestID,
			SecurityContext:  rc.SecurityContext,
			PreAggregationID: b.partition.PreAggregationID,
			Table:            b.partition.TableName,
			Timezone:         b.partition.Timezone,
			DataSource:       model.DataSourceName(b.partition.DataSource),
			Status:           model.JobPosted,
			Posted:           posted,
		}
		token, err := jobToken(job)
		if err != nil {
			return nil, err
		}
		if err := putJob(ctx, jobs, token, job); err != nil {
			return nil, fmt.Errorf("store build job %s: %w", job.Table, err)
		}
		tokens = append(tokens, token)
	}

	bg := context.WithoutCancel(ctx)
	for i, b := range builds {
		go s.runJob(bg, orch, tokens[i], b.query, logger.With("token", tokens[i]))
	}
	logger.Info("build jobs posted", "jobs", len(tokens))
	return tokens, nil
}

// GetCachedBuildJobs returns the state of each token, in order. Unknown or
// expired tokens are reported as not found.
func (s *Scheduler) GetCachedBuildJobs(ctx context.Context, rc model.RequestContext, tokens []string) ([]model.BuildJobStatus, error) {
	orch, err := s.core.OrchestratorFor(ctx, rc)
	if err != nil {
		return nil, err
	}
	out := make([]model.BuildJobStatus, len(tokens))
	for i, token := range tokens {
		job, err := getJob(ctx, orch.JobCache(), token)
		if err != nil {
			return nil, fmt.Errorf("build job %s: %w", token, err)
		}
		out[i] = model.StatusOf(token, job)
	}
	return out, nil
}

// runJob executes q until it stops answering continue-wait, recording the
// outcome on the job.
func (s *Scheduler) runJob(ctx context.Context, orch Orchestrator, token string, q *model.QueryDescriptor, logger *slog.Logger) {
	jobs := orch.JobCache()
	s.setJobStatus(ctx, jobs, token, model.JobProcessing, logger)
	for {
		_, err := orch.ExecuteQuery(ctx, q)
		switch {
		case err == nil:
			s.setJobStatus(ctx, jobs, token, model.JobDone, logger)
			return
		case model.IsContinueWait(err):
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.jobRetry):
			}
		default:
			logger.Error("build job failed", "error", err)
			s.setJobStatus(ctx, jobs, token, model.JobFailure(err), logger)
			return
		}
	}
}

func (s *Scheduler) setJobStatus(ctx context.Context, jobs cache.Backend, token, status string, logger *slog.Logger) {
	job, err := getJob(ctx, jobs, token)
	if err != nil || job == nil {
		logger.Warn("build job lookup failed", "error", err)
		return
	}
	job.Status = status
	if err := putJob(ctx, jobs, token, job); err != nil {
		logger.Warn("build job update failed", "status", status, "error", err)
	}
}

// jobToken is the md5 of the posted job.
func jobToken(job *model.BuildJob) (string, error) {
	b, err := json.Marshal(job)
	if err != nil {
		return "", err
	}
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:]), nil
}

func putJob(ctx context.Context, jobs cache.Backend, token string, job *model.BuildJob) error {
	b, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return jobs.Set(ctx, jobKey(token), b, JobTTL)
}

// getJob returns nil, nil when the token is unknown.
func getJob(ctx context.Context, jobs cache.Backend, token string) (*model.BuildJob, error) {
	b, err := jobs.Get(ctx, jobKey(token))
	if errors.Is(err, cache.ErrMiss) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var job model.BuildJob
	if err := json.Unmarshal(b, &job); err != nil {
		return nil, err
	}
	return &job, nil
}
