package mode

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"

	"github.com/khr0x40sh/powermolecli/internal/config"
	"github.com/khr0x40sh/powermolecli/internal/logging"
	"github.com/khr0x40sh/powermolecli/internal/metrics"
	"github.com/khr0x40sh/powermolecli/internal/protocol"
)

// ErrTransferFailed is returned when fail_fast is set and a job fails, or
// when every configured job failed.
var ErrTransferFailed = errors.New("file transfer failed")

// castagnoli is the CRC-32C table used for per-chunk checksums.
var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Transfer drives file-transfer mode: jobs run strictly one at a time, and
// within a job every chunk must be acknowledged before the next is sent.
type Transfer struct {
	machine

	cfg     config.TransferConfig
	corr    *protocol.Correlator
	logger  *slog.Logger
	metrics *metrics.Metrics
	limiter *rate.Limiter

	jobs []*TransferJob
}

// NewTransfer creates the transfer mode handler. The rate limit, when
// configured, bounds chunk bytes per second across all jobs.
func NewTransfer(cfg config.TransferConfig, corr *protocol.Correlator, logger *slog.Logger, m *metrics.Metrics) (*Transfer, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.Default()
	}

	t := &Transfer{
		machine: newMachine(),
		cfg:     cfg,
		corr:    corr,
		logger:  logger.With(logging.KeyMode, config.ModeFileTransfer),
		metrics: m,
	}

	if cfg.RateLimit != "" {
		bps, err := humanize.ParseBytes(cfg.RateLimit)
		if err != nil {
			return nil, fmt.Errorf("invalid rate_limit %q: %w", cfg.RateLimit, err)
		}
		if bps == 0 {
			return nil, fmt.Errorf("invalid rate_limit %q: must be positive", cfg.RateLimit)
		}
		burst := cfg.ChunkSize
		if uint64(burst) < bps {
			burst = int(bps)
		}
		t.limiter = rate.NewLimiter(rate.Limit(bps), burst)
	}

	return t, nil
}

// Name returns the configured mode.
func (t *Transfer) Name() config.Mode {
	return config.ModeFileTransfer
}

// Init builds the job queue. Every source file is stat'ed and checksummed
// here so a missing or unreadable file surfaces before any traffic.
func (t *Transfer) Init(ctx context.Context) error {
	jobs, err := BuildJobs(t.cfg.Files)
	if err != nil {
		t.transition(StateFailed)
		return err
	}
	t.jobs = jobs
	t.transition(StateReady)
	return nil
}

// Jobs returns the job queue built by Init.
func (t *Transfer) Jobs() []*TransferJob {
	return t.jobs
}

// Run sends each job's chunks in order, waiting for the matching ack before
// advancing. A failed job does not stop the queue unless fail_fast is set;
// the remaining jobs still get their chance and the final report covers
// every job. The mode completes naturally when the queue is drained.
func (t *Transfer) Run(ctx context.Context, sender Sender, in <-chan *protocol.Frame) error {
	t.transition(StateRunning)

	var anyOK bool
	for _, job := range t.jobs {
		err := t.runJob(ctx, sender, in, job)
		if err != nil {
			// Session-level errors abort the whole queue.
			if errors.Is(err, ErrShutdown) || errors.Is(err, context.Canceled) ||
				errors.Is(err, ErrProtocolViolation) || errors.Is(err, io.EOF) {
				return t.finish(err)
			}
			job.failWith(err)
			t.metrics.JobsCompleted.WithLabelValues(JobFailed.String()).Inc()
			t.logger.Warn("transfer job failed",
				logging.KeyJobID, job.ID,
				"source", job.SourcePath,
				logging.KeyError, err)
			if t.cfg.FailFast {
				return t.finish(fmt.Errorf("%w: job %d (%s): %v",
					ErrTransferFailed, job.ID, job.SourcePath, err))
			}
			continue
		}

		job.setStatus(JobAcked)
		anyOK = true
		t.metrics.JobsCompleted.WithLabelValues(JobAcked.String()).Inc()
		t.logger.Info("transfer job acknowledged",
			logging.KeyJobID, job.ID,
			"source", job.SourcePath,
			"destination", job.DestPath,
			"size", humanize.Bytes(uint64(job.Size)))
	}

	if !anyOK && len(t.jobs) > 0 {
		return t.finish(fmt.Errorf("%w: all %d jobs failed", ErrTransferFailed, len(t.jobs)))
	}
	return t.finish(nil)
}

// runJob streams one file chunk by chunk. An empty file still produces a
// single empty chunk so the agent creates the destination file.
func (t *Transfer) runJob(ctx context.Context, sender Sender, in <-chan *protocol.Frame, job *TransferJob) error {
	if !job.setStatus(JobInProgress) {
		return fmt.Errorf("job %d not pending", job.ID)
	}
	t.logger.Info("transferring file",
		logging.KeyJobID, job.ID,
		"source", job.SourcePath,
		"destination", job.DestPath,
		"size", humanize.Bytes(uint64(job.Size)))

	f, err := os.Open(job.SourcePath)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := make([]byte, t.cfg.ChunkSize)
	var offset uint64
	sent := false

	for {
		n, readErr := io.ReadFull(f, buf)
		if readErr == io.ErrUnexpectedEOF {
			readErr = nil
		}
		if readErr == io.EOF {
			// Init saw job.Size bytes; running out before offset reaches it
			// means the source shrank underneath the transfer.
			if job.Size > 0 || sent {
				return fmt.Errorf("source truncated: %d of %d bytes read",
					offset, job.Size)
			}
			n = 0
		} else if readErr != nil {
			return readErr
		}

		if err := t.sendChunk(ctx, sender, in, job, offset, buf[:n]); err != nil {
			return err
		}
		sent = true
		offset += uint64(n)

		if offset >= uint64(job.Size) {
			return nil
		}
	}
}

// sendChunk writes one FILE_CHUNK and blocks until the matching ack arrives.
func (t *Transfer) sendChunk(ctx context.Context, sender Sender, in <-chan *protocol.Frame, job *TransferJob, offset uint64, data []byte) error {
	if t.limiter != nil && len(data) > 0 {
		if err := t.limiter.WaitN(ctx, len(data)); err != nil {
			return err
		}
	}

	corr := t.corr.Next()
	chunk := &protocol.FileChunk{
		JobID:    job.ID,
		Offset:   offset,
		Checksum: crc32.Checksum(data, castagnoli),
		Data:     data,
	}
	if err := sender.WriteFrame(&protocol.Frame{
		Kind:        protocol.KindFileChunk,
		Correlation: corr,
		Payload:     chunk.Encode(),
	}); err != nil {
		return err
	}
	t.metrics.ChunksSent.Inc()
	t.logger.Debug("chunk sent",
		logging.KeyJobID, job.ID,
		logging.KeyOffset, offset,
		"bytes", len(data),
		logging.KeyCorrelation, corr)

	frame, err := t.awaitResponse(ctx, in, protocol.KindFileChunkAck, corr, t.cfg.AckTimeout)
	if err != nil {
		return err
	}

	ack, err := protocol.DecodeFileChunkAck(frame.Payload)
	if err != nil {
		return err
	}
	if ack.JobID != job.ID || ack.Offset != offset {
		return fmt.Errorf("%w: ack for job %d offset %d while awaiting job %d offset %d",
			ErrProtocolViolation, ack.JobID, ack.Offset, job.ID, offset)
	}
	if ack.Status != protocol.StatusOK {
		return fmt.Errorf("chunk at offset %d rejected: %s",
			offset, protocol.StatusName(ack.Status))
	}

	job.addAcked(int64(len(data)))
	t.metrics.ChunksAcked.Inc()
	t.metrics.TransferBytes.Add(float64(len(data)))
	return nil
}

// Report enumerates the per-job outcomes.
func (t *Transfer) Report() Report {
	items := make([]Item, 0, len(t.jobs))
	for _, job := range t.jobs {
		status := job.Status()
		item := Item{
			Name: fmt.Sprintf("%s -> %s (%s)",
				job.SourcePath, job.DestPath, humanize.Bytes(uint64(job.Size))),
			OK:     status == JobAcked,
			Status: status.String(),
		}
		if err := job.Err(); err != nil {
			item.Detail = err.Error()
		}
		items = append(items, item)
	}
	return Report{Mode: config.ModeFileTransfer, Items: items}
}
