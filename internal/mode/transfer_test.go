package mode

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"hash/crc32"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/khr0x40sh/powermolecli/internal/config"
	"github.com/khr0x40sh/powermolecli/internal/protocol"
)

func writeTempFile(t *testing.T, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func transferConfig(chunkSize int, pairs ...config.FilePairConfig) config.TransferConfig {
	return config.TransferConfig{
		Files:      pairs,
		ChunkSize:  chunkSize,
		AckTimeout: time.Second,
	}
}

// ackChunks plays the agent: it verifies each chunk's checksum and acks it,
// using status to answer chunks of the given job (other jobs always get OK).
func ackChunks(t *testing.T, sender *fakeSender, in chan<- *protocol.Frame, failJob uint32, failStatus uint8) {
	t.Helper()
	for frame := range sender.sent {
		if frame.Kind != protocol.KindFileChunk {
			t.Errorf("unexpected frame kind %s", protocol.KindName(frame.Kind))
			return
		}
		chunk, err := protocol.DecodeFileChunk(frame.Payload)
		if err != nil {
			t.Errorf("decode chunk: %v", err)
			return
		}
		if got := crc32.Checksum(chunk.Data, crc32.MakeTable(crc32.Castagnoli)); got != chunk.Checksum {
			t.Errorf("chunk checksum = %08x, want %08x", chunk.Checksum, got)
		}
		status := protocol.StatusOK
		if chunk.JobID == failJob {
			status = failStatus
		}
		in <- &protocol.Frame{
			Kind:        protocol.KindFileChunkAck,
			Correlation: frame.Correlation,
			Payload: (&protocol.FileChunkAck{
				JobID:  chunk.JobID,
				Offset: chunk.Offset,
				Status: status,
			}).Encode(),
		}
	}
}

func TestTransfer_JobFailureDoesNotStopQueue(t *testing.T) {
	good := writeTempFile(t, "good.txt", []byte("hello powermole"))
	bad := writeTempFile(t, "bad.txt", []byte("this one gets rejected"))

	cfg := transferConfig(8,
		config.FilePairConfig{Source: bad, Destination: "/tmp/bad.txt"},
		config.FilePairConfig{Source: good, Destination: "/tmp/good.txt"},
	)
	tr, err := NewTransfer(cfg, &protocol.Correlator{}, nil, testMetrics)
	if err != nil {
		t.Fatalf("NewTransfer: %v", err)
	}
	if err := tr.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	sender := newFakeSender()
	in := make(chan *protocol.Frame, 4)
	go ackChunks(t, sender, in, 1, protocol.StatusChecksumMismatch)

	if err := tr.Run(context.Background(), sender, in); err != nil {
		t.Fatalf("Run: %v", err)
	}
	close(sender.sent)

	if got := tr.State(); got != StateCompleted {
		t.Errorf("state = %v, want COMPLETED", got)
	}
	jobs := tr.Jobs()
	if jobs[0].Status() != JobFailed {
		t.Errorf("job 1 status = %v, want FAILED", jobs[0].Status())
	}
	if jobs[1].Status() != JobAcked {
		t.Errorf("job 2 status = %v, want ACKED", jobs[1].Status())
	}

	rep := tr.Report()
	if !rep.Failed() {
		t.Error("report must record the failed job")
	}
	if len(rep.Items) != 2 {
		t.Fatalf("report items = %d, want 2", len(rep.Items))
	}
	if rep.Items[0].OK || !rep.Items[1].OK {
		t.Errorf("report = %+v, want [failed, acked]", rep.Items)
	}
}

func TestTransfer_FailFastAbortsQueue(t *testing.T) {
	first := writeTempFile(t, "first.txt", []byte("rejected content"))
	second := writeTempFile(t, "second.txt", []byte("never sent"))

	cfg := transferConfig(64,
		config.FilePairConfig{Source: first, Destination: "/tmp/first.txt"},
		config.FilePairConfig{Source: second, Destination: "/tmp/second.txt"},
	)
	cfg.FailFast = true

	tr, err := NewTransfer(cfg, &protocol.Correlator{}, nil, testMetrics)
	if err != nil {
		t.Fatalf("NewTransfer: %v", err)
	}
	if err := tr.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	sender := newFakeSender()
	in := make(chan *protocol.Frame, 4)
	go ackChunks(t, sender, in, 1, protocol.StatusWriteFailed)

	err = tr.Run(context.Background(), sender, in)
	close(sender.sent)
	if !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("Run error = %v, want ErrTransferFailed", err)
	}
	if got := tr.State(); got != StateFailed {
		t.Errorf("state = %v, want FAILED", got)
	}

	jobs := tr.Jobs()
	if jobs[1].Status() != JobPending {
		t.Errorf("job 2 status = %v, want PENDING (never attempted)", jobs[1].Status())
	}
	if sender.count() != 1 {
		t.Errorf("frames sent = %d, want 1", sender.count())
	}
}

func TestTransfer_ChunksStrictlyOrdered(t *testing.T) {
	content := []byte("0123456789") // 10 bytes, chunk size 4 -> offsets 0, 4, 8
	src := writeTempFile(t, "ordered.txt", content)

	cfg := transferConfig(4, config.FilePairConfig{Source: src, Destination: "/tmp/ordered.txt"})
	tr, err := NewTransfer(cfg, &protocol.Correlator{}, nil, testMetrics)
	if err != nil {
		t.Fatalf("NewTransfer: %v", err)
	}
	if err := tr.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	sender := newFakeSender()
	in := make(chan *protocol.Frame, 4)
	go ackChunks(t, sender, in, 0, protocol.StatusOK)

	if err := tr.Run(context.Background(), sender, in); err != nil {
		t.Fatalf("Run: %v", err)
	}
	close(sender.sent)

	wantOffsets := []uint64{0, 4, 8}
	wantLens := []int{4, 4, 2}
	if sender.count() != len(wantOffsets) {
		t.Fatalf("chunks sent = %d, want %d", sender.count(), len(wantOffsets))
	}
	var reassembled []byte
	for i, frame := range sender.frames {
		chunk, err := protocol.DecodeFileChunk(frame.Payload)
		if err != nil {
			t.Fatalf("decode chunk %d: %v", i, err)
		}
		if chunk.Offset != wantOffsets[i] {
			t.Errorf("chunk %d offset = %d, want %d", i, chunk.Offset, wantOffsets[i])
		}
		if len(chunk.Data) != wantLens[i] {
			t.Errorf("chunk %d len = %d, want %d", i, len(chunk.Data), wantLens[i])
		}
		reassembled = append(reassembled, chunk.Data...)
	}
	if !bytes.Equal(reassembled, content) {
		t.Errorf("reassembled = %q, want %q", reassembled, content)
	}
	if got := tr.Jobs()[0].BytesAcked(); got != int64(len(content)) {
		t.Errorf("BytesAcked = %d, want %d", got, len(content))
	}
}

func TestTransfer_EmptyFileSendsOneChunk(t *testing.T) {
	src := writeTempFile(t, "empty.txt", nil)

	cfg := transferConfig(4096, config.FilePairConfig{Source: src, Destination: "/tmp/empty.txt"})
	tr, err := NewTransfer(cfg, &protocol.Correlator{}, nil, testMetrics)
	if err != nil {
		t.Fatalf("NewTransfer: %v", err)
	}
	if err := tr.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	sender := newFakeSender()
	in := make(chan *protocol.Frame, 4)
	go ackChunks(t, sender, in, 0, protocol.StatusOK)

	if err := tr.Run(context.Background(), sender, in); err != nil {
		t.Fatalf("Run: %v", err)
	}
	close(sender.sent)

	if sender.count() != 1 {
		t.Fatalf("chunks sent = %d, want 1", sender.count())
	}
	chunk, err := protocol.DecodeFileChunk(sender.frames[0].Payload)
	if err != nil {
		t.Fatalf("decode chunk: %v", err)
	}
	if chunk.Offset != 0 || len(chunk.Data) != 0 {
		t.Errorf("chunk offset=%d len=%d, want empty chunk at offset 0", chunk.Offset, len(chunk.Data))
	}
	if got := tr.Jobs()[0].Status(); got != JobAcked {
		t.Errorf("job status = %v, want ACKED", got)
	}
}

func TestTransfer_AckTimeoutFailsJob(t *testing.T) {
	src := writeTempFile(t, "slow.txt", []byte("content"))

	cfg := transferConfig(4096, config.FilePairConfig{Source: src, Destination: "/tmp/slow.txt"})
	cfg.AckTimeout = 30 * time.Millisecond

	tr, err := NewTransfer(cfg, &protocol.Correlator{}, nil, testMetrics)
	if err != nil {
		t.Fatalf("NewTransfer: %v", err)
	}
	if err := tr.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	sender := newFakeSender()
	in := make(chan *protocol.Frame)

	err = tr.Run(context.Background(), sender, in)
	if !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("Run error = %v, want ErrTransferFailed", err)
	}
	if got := tr.Jobs()[0].Status(); got != JobFailed {
		t.Errorf("job status = %v, want FAILED", got)
	}
	if job := tr.Jobs()[0]; !errors.Is(job.Err(), ErrAckTimeout) {
		t.Errorf("job error = %v, want ErrAckTimeout", job.Err())
	}
}

func TestTransfer_InvalidRateLimit(t *testing.T) {
	cfg := transferConfig(4096, config.FilePairConfig{Source: "x", Destination: "y"})
	cfg.RateLimit = "not a size"
	if _, err := NewTransfer(cfg, &protocol.Correlator{}, nil, testMetrics); err == nil {
		t.Fatal("NewTransfer accepted an invalid rate limit")
	}
}

func TestBuildJobs(t *testing.T) {
	content := []byte("checksummed content")
	src := writeTempFile(t, "file.txt", content)

	jobs, err := BuildJobs([]config.FilePairConfig{{Source: src, Destination: "/tmp/file.txt"}})
	if err != nil {
		t.Fatalf("BuildJobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(jobs))
	}
	job := jobs[0]
	if job.ID != 1 {
		t.Errorf("ID = %d, want 1", job.ID)
	}
	if job.Size != int64(len(content)) {
		t.Errorf("Size = %d, want %d", job.Size, len(content))
	}
	sum := sha256.Sum256(content)
	if want := hex.EncodeToString(sum[:]); job.Checksum != want {
		t.Errorf("Checksum = %s, want %s", job.Checksum, want)
	}
	if job.Status() != JobPending {
		t.Errorf("Status = %v, want PENDING", job.Status())
	}
}

func TestBuildJobs_MissingSource(t *testing.T) {
	_, err := BuildJobs([]config.FilePairConfig{
		{Source: filepath.Join(t.TempDir(), "nope.txt"), Destination: "/tmp/nope.txt"},
	})
	if err == nil {
		t.Fatal("BuildJobs accepted a missing source file")
	}
}

func TestJobStatusTransitions(t *testing.T) {
	job := &TransferJob{ID: 1}

	if job.setStatus(JobAcked) {
		t.Error("PENDING -> ACKED was allowed")
	}
	if !job.setStatus(JobInProgress) {
		t.Error("PENDING -> IN_PROGRESS refused")
	}
	if job.setStatus(JobInProgress) {
		t.Error("IN_PROGRESS -> IN_PROGRESS was allowed")
	}
	if !job.setStatus(JobFailed) {
		t.Error("IN_PROGRESS -> FAILED refused")
	}
	if job.setStatus(JobAcked) {
		t.Error("transition out of FAILED was allowed")
	}
	if got := job.Status(); got != JobFailed {
		t.Errorf("Status = %v, want FAILED", got)
	}
}

func TestTransfer_SourceShrinksAfterInit(t *testing.T) {
	src := writeTempFile(t, "shrink.txt", []byte("0123456789"))

	cfg := transferConfig(4, config.FilePairConfig{Source: src, Destination: "/tmp/shrink.txt"})
	tr, err := NewTransfer(cfg, &protocol.Correlator{}, nil, testMetrics)
	if err != nil {
		t.Fatalf("NewTransfer: %v", err)
	}
	if err := tr.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	// Shrink the file between Init's stat and the chunk loop.
	if err := os.Truncate(src, 4); err != nil {
		t.Fatal(err)
	}

	sender := newFakeSender()
	in := make(chan *protocol.Frame, 4)
	go ackChunks(t, sender, in, 0, protocol.StatusOK)

	err = tr.Run(context.Background(), sender, in)
	close(sender.sent)
	if !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("Run error = %v, want ErrTransferFailed", err)
	}

	job := tr.Jobs()[0]
	if got := job.Status(); got != JobFailed {
		t.Errorf("job status = %v, want FAILED", got)
	}
	if job.Err() == nil || !strings.Contains(job.Err().Error(), "truncated") {
		t.Errorf("job error = %v, want truncation failure", job.Err())
	}
}
