package mode

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/khr0x40sh/powermolecli/internal/config"
)

// JobStatus is the lifecycle status of one transfer job.
type JobStatus int

const (
	JobPending JobStatus = iota
	JobInProgress
	JobAcked
	JobFailed
)

// String returns the string representation of the status.
func (s JobStatus) String() string {
	switch s {
	case JobPending:
		return "PENDING"
	case JobInProgress:
		return "IN_PROGRESS"
	case JobAcked:
		return "ACKED"
	case JobFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	return s == JobAcked || s == JobFailed
}

// TransferJob is one file queued for transfer. Status only ever moves
// PENDING -> IN_PROGRESS -> {ACKED | FAILED} and never regresses.
type TransferJob struct {
	ID          uint32
	SourcePath  string
	DestPath    string
	Size        int64
	Checksum    string // SHA-256 of the file content, hex

	mu         sync.Mutex
	status     JobStatus
	bytesAcked int64
	err        error
}

// Status returns the current job status.
func (j *TransferJob) Status() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// BytesAcked returns how many bytes the agent has acknowledged.
func (j *TransferJob) BytesAcked() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.bytesAcked
}

// Err returns the failure cause for a FAILED job.
func (j *TransferJob) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// setStatus applies a transition, refusing regressions and any move out of
// a terminal status. Returns whether the transition was applied.
func (j *TransferJob) setStatus(to JobStatus) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.status.Terminal() {
		return false
	}
	// ACKED and FAILED are only reachable from IN_PROGRESS.
	if to.Terminal() && j.status != JobInProgress {
		return false
	}
	if to == JobInProgress && j.status != JobPending {
		return false
	}

	j.status = to
	return true
}

// addAcked records an acknowledged chunk.
func (j *TransferJob) addAcked(n int64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.bytesAcked += n
}

// failWith marks the job FAILED with a cause.
func (j *TransferJob) failWith(err error) {
	if j.setStatus(JobFailed) {
		j.mu.Lock()
		j.err = err
		j.mu.Unlock()
	}
}

// BuildJobs creates the job queue from configured file pairs, in the order
// configured. It stats and checksums each source file; this is the only
// local filesystem validation the instructor performs.
func BuildJobs(pairs []config.FilePairConfig) ([]*TransferJob, error) {
	jobs := make([]*TransferJob, 0, len(pairs))
	for i, pair := range pairs {
		info, err := os.Stat(pair.Source)
		if err != nil {
			return nil, fmt.Errorf("transfer job %d: %w", i, err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("transfer job %d: %s is a directory", i, pair.Source)
		}

		sum, err := checksumFile(pair.Source)
		if err != nil {
			return nil, fmt.Errorf("transfer job %d: %w", i, err)
		}

		jobs = append(jobs, &TransferJob{
			ID:         uint32(i + 1),
			SourcePath: pair.Source,
			DestPath:   pair.Destination,
			Size:       info.Size(),
			Checksum:   sum,
		})
	}
	return jobs, nil
}

// checksumFile computes the SHA-256 of a file's content.
func checksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
