// Package job defines the persisted job model, its status state machine, and
// the ledger contract the reconciler and the HTTP facade share.
package job

import (
	"regexp"
	"strings"
	"time"
)

// Documented metadata keys. Metadata is merged, never replaced, so components
// can each contribute their own keys without clobbering the others.
const (
	// MetaProgress carries a short human-readable description of the job's
	// most recent lifecycle step.
	MetaProgress = "progress"

	// MetaUnitReaped marks a terminal job whose execution unit has been
	// deleted, so the retention cleaner does not revisit it.
	MetaUnitReaped = "unitReaped"
)

// Resource descriptor keys understood by the execution platform mapping.
const (
	ResourceCPU    = "cpu"
	ResourceMemory = "memory"
)

// DefaultResources is applied when a submission carries no resource request.
func DefaultResources() map[string]string {
	return map[string]string{ResourceCPU: "1", ResourceMemory: "2Gi"}
}

// Job is the logical, persisted record of one requested unit of work.
type Job struct {
	ID             string `json:"jobId"`
	CompetitionURL string `json:"competitionUrl"`
	Slug           string `json:"competitionSlug,omitempty"`

	// UnitName is derived from the slug and job ID at submission time and is
	// never changed afterwards; the ledger enforces its uniqueness.
	UnitName string `json:"unitName"`
	// InstanceName is the first observed process instance for this job's
	// execution unit, bound once by the synchronizer.
	InstanceName string `json:"instanceName,omitempty"`

	Status   Status `json:"status"`
	Priority int    `json:"priority"`

	CreatedAt   time.Time  `json:"createdAt"`
	QueuedAt    *time.Time `json:"queuedAt,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	ArtifactPath string `json:"artifactPath,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`

	ResourcesRequested map[string]string `json:"resourcesRequested,omitempty"`
	ResourcesUsed      map[string]string `json:"resourcesUsed,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// Update describes a partial mutation of a job record. Nil pointer fields are
// left untouched; Metadata entries are merged into the existing mapping.
type Update struct {
	Status        *Status
	InstanceName  *string
	ErrorMessage  *string
	ArtifactPath  *string
	ResourcesUsed map[string]string
	Metadata      map[string]string
}

const (
	unitNamePrefix  = "solve"
	maxUnitNameLen  = 63 // platform naming limit
	maxSlugInName   = 40
	shortIDInName   = 8
)

var unitNameInvalid = regexp.MustCompile(`[^a-z0-9-]`)

// UnitName derives the execution unit name for a job from its ID and
// competition slug. The result is deterministic, satisfies the platform's
// naming constraints (lowercase alphanumeric and hyphen, at most 63
// characters) and is unique per job ID.
func UnitName(id, slug string) string {
	if len(slug) > maxSlugInName {
		slug = slug[:maxSlugInName]
	}
	short := id
	if len(short) > shortIDInName {
		short = short[:shortIDInName]
	}

	name := strings.ToLower(unitNamePrefix + "-" + slug + "-" + short)
	name = unitNameInvalid.ReplaceAllString(name, "-")
	name = strings.Trim(name, "-")
	if len(name) > maxUnitNameLen {
		name = name[:maxUnitNameLen]
	}
	return name
}

// SlugFromURL extracts the competition slug (last path segment) from a
// competition URL.
func SlugFromURL(rawURL string) string {
	trimmed := strings.TrimRight(rawURL, "/")
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		return trimmed[i+1:]
	}
	return trimmed
}
