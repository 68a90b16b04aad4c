// Package artifact locates job output files on the shared filesystem.
//
// A successful solver deposits exactly one file at a deterministic path keyed
// by job ID. Its presence is the authoritative success signal: a unit the
// platform reports as succeeded without this file is still a failed job.
package artifact

import (
	"os"
	"path/filepath"
)

// FileName is the output file every successful job must produce.
const FileName = "submission.csv"

// Store resolves artifact paths under a shared root directory.
type Store struct {
	root string
}

// NewStore creates a store rooted at the given directory. The directory is
// typically a volume shared with solver containers.
func NewStore(root string) *Store {
	return &Store{root: root}
}

// Path returns the deterministic artifact path for a job, whether or not the
// file exists.
func (s *Store) Path(jobID string) string {
	return filepath.Join(s.root, jobID, FileName)
}

// Locate probes for a job's artifact. It returns the artifact path and true
// when the file exists, or the empty string and false otherwise.
func (s *Store) Locate(jobID string) (string, bool) {
	path := s.Path(jobID)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", false
	}
	return path, true
}
