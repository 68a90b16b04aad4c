package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"arena/internal/apperrors"
	"arena/internal/artifact"
	"arena/internal/observability"
	"arena/internal/platform"
)

// Validation limits
const (
	maxPriority     = 100
	maxMetaKeyLen   = 64
	maxMetaValueLen = 256
	maxMetaEntries  = 32
	maxListLimit    = 500

	defaultListLimit = 100
)

// competitionPathMarker must appear in a submitted URL: jobs solve
// competitions, not arbitrary pages.
const competitionPathMarker = "/competitions/"

// SubmitRequest is a job submission as received from the API.
type SubmitRequest struct {
	CompetitionURL string            `json:"competitionUrl"`
	Priority       int               `json:"priority"`
	Resources      map[string]string `json:"resources,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Stats summarizes the ledger's job population.
type Stats struct {
	Total    int            `json:"total"`
	ByStatus map[Status]int `json:"byStatus"`
}

// Service is the HTTP-facing job facade. It owns admission (validation and
// the PENDING record) and read paths; all lifecycle progress past PENDING is
// driven by the reconciler, which shares the same ledger.
type Service struct {
	ledger    Ledger
	platform  platform.Platform
	artifacts *artifact.Store
	metrics   *observability.Metrics
}

// NewService creates a new job service.
func NewService(ledger Ledger, pf platform.Platform, artifacts *artifact.Store, metrics *observability.Metrics) *Service {
	return &Service{
		ledger:    ledger,
		platform:  pf,
		artifacts: artifacts,
		metrics:   metrics,
	}
}

// Submit validates a submission and persists it as a PENDING job. No platform
// call happens here: the reconciler picks the job up on its next pass, so a
// platform outage never rejects a submission.
func (s *Service) Submit(ctx context.Context, req *SubmitRequest) (*Job, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}

	resources := req.Resources
	if len(resources) == 0 {
		resources = DefaultResources()
	}

	metadata := map[string]string{MetaProgress: "accepted, awaiting scheduling"}
	for k, v := range req.Metadata {
		metadata[k] = v
	}

	id := uuid.NewString()
	slug := SlugFromURL(req.CompetitionURL)
	j := &Job{
		ID:                 id,
		CompetitionURL:     req.CompetitionURL,
		Slug:               slug,
		UnitName:           UnitName(id, slug),
		Status:             StatusPending,
		Priority:           req.Priority,
		CreatedAt:          time.Now().UTC(),
		ResourcesRequested: resources,
		Metadata:           metadata,
	}

	logger := slog.With("jobId", j.ID, "competition", slug, "priority", j.Priority)

	if err := s.ledger.Insert(ctx, j); err != nil {
		logger.Error("Job admission failed", "error", err)
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.RecordJobSubmitted(ctx)
	}

	logger.Info("Job accepted")
	return j, nil
}

// Get returns a job by ID.
func (s *Service) Get(ctx context.Context, jobID string) (*Job, error) {
	return s.ledger.Get(ctx, jobID)
}

// List returns recent jobs, optionally filtered to one status.
func (s *Service) List(ctx context.Context, status string, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	if status == "" {
		return s.ledger.ListRecent(ctx, limit)
	}

	st := Status(status)
	if !st.Valid() {
		return nil, apperrors.Validation("status", fmt.Sprintf("unknown status %q", status))
	}
	jobs, err := s.ledger.ListByStatus(ctx, st)
	if err != nil {
		return nil, err
	}
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// Cancel marks a job as failed and removes its execution unit. The ledger
// write comes first: once the record is terminal the reconciler cannot
// resurrect the job. A delete failure is surfaced so the caller can retry,
// but the cancellation itself has already taken effect.
func (s *Service) Cancel(ctx context.Context, jobID string) error {
	logger := slog.With("jobId", jobID)

	j, err := s.ledger.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status.IsTerminal() {
		return apperrors.Conflict("job", jobID, fmt.Sprintf("job already %s", j.Status))
	}

	failed := StatusFailed
	msg := "cancelled by user"
	if _, err := s.ledger.Update(ctx, jobID, Update{
		Status:       &failed,
		ErrorMessage: &msg,
		Metadata:     map[string]string{MetaProgress: "cancelled"},
	}); err != nil {
		logger.Error("Job cancellation failed", "error", err)
		return err
	}

	if s.metrics != nil {
		s.metrics.RecordJobCancelled(ctx)
	}

	if err := s.platform.DeleteUnit(ctx, j.UnitName); err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		// The record is already terminal; the retention cleaner reaps the
		// unit later if no retry lands first.
		logger.Warn("Failed to delete unit for cancelled job", "unit", j.UnitName, "error", err)
		return err
	}

	logger.Info("Job cancelled")
	return nil
}

// Logs returns up to tailLines of the job's instance output.
func (s *Service) Logs(ctx context.Context, jobID string, tailLines int) (string, error) {
	j, err := s.ledger.Get(ctx, jobID)
	if err != nil {
		return "", err
	}
	if j.InstanceName == "" {
		return "", apperrors.NotFound("instance", jobID)
	}
	return s.platform.ReadLog(ctx, j.InstanceName, tailLines)
}

// Result returns the artifact path for a succeeded job.
func (s *Service) Result(ctx context.Context, jobID string) (string, error) {
	j, err := s.ledger.Get(ctx, jobID)
	if err != nil {
		return "", err
	}
	if j.Status != StatusSuccess {
		return "", apperrors.Conflict("job", jobID, fmt.Sprintf("job is %s, result available only after success", j.Status))
	}
	path, ok := s.artifacts.Locate(jobID)
	if !ok {
		return "", apperrors.NotFound("artifact", jobID)
	}
	return path, nil
}

// Stats returns job counts grouped by status.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	counts, err := s.ledger.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	return &Stats{Total: total, ByStatus: counts}, nil
}

// validate validates a submission. Does not modify the request.
func (s *Service) validate(req *SubmitRequest) error {
	if req.CompetitionURL == "" {
		return apperrors.Validation("competitionUrl", "competition URL is required")
	}
	if err := validateCompetitionURL(req.CompetitionURL); err != nil {
		return apperrors.Validation("competitionUrl", err.Error())
	}

	if req.Priority < 0 || req.Priority > maxPriority {
		return apperrors.Validation("priority", fmt.Sprintf("priority must be between 0 and %d", maxPriority))
	}

	for key := range req.Resources {
		if key != ResourceCPU && key != ResourceMemory {
			return apperrors.Validation("resources", fmt.Sprintf("unknown resource %q", key))
		}
	}

	if len(req.Metadata) > maxMetaEntries {
		return apperrors.Validation("metadata", fmt.Sprintf("metadata exceeds maximum of %d entries", maxMetaEntries))
	}
	for k, v := range req.Metadata {
		if len(k) > maxMetaKeyLen {
			return apperrors.Validation("metadata", fmt.Sprintf("metadata key exceeds maximum length of %d", maxMetaKeyLen))
		}
		if len(v) > maxMetaValueLen {
			return apperrors.Validation("metadata", fmt.Sprintf("metadata value exceeds maximum length of %d", maxMetaValueLen))
		}
	}

	return nil
}

func validateCompetitionURL(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("malformed URL")
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	if !strings.Contains(parsed.Path, competitionPathMarker) {
		return fmt.Errorf("URL must point at a competition page")
	}
	if SlugFromURL(rawURL) == "" {
		return fmt.Errorf("URL is missing the competition slug")
	}
	return nil
}
