package domain

import (
	"errors"
	"testing"
	"time"
)

func TestGenerateID(t *testing.T) {
	id1 := GenerateID()
	id2 := GenerateID()

	if id1 == "" || id2 == "" {
		t.Fatal("expected non-empty IDs")
	}
	if id1 == id2 {
		t.Error("expected unique IDs")
	}
	if len(id1) != 36 {
		t.Errorf("expected UUID length 36, got %d", len(id1))
	}
}

func TestNewIngestionJob(t *testing.T) {
	payload := JobPayload{
		Filename:     "1712-report.pdf",
		OriginalName: "report.pdf",
		Destination:  "uploads/",
		Path:         "uploads/1712-report.pdf",
	}

	job, err := NewIngestionJob(payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if job.ID == "" {
		t.Error("expected non-empty ID")
	}
	if job.Status != JobStatusQueued {
		t.Errorf("expected status %s, got %s", JobStatusQueued, job.Status)
	}
	if job.SourcePath != payload.Path {
		t.Errorf("expected source path %s, got %s", payload.Path, job.SourcePath)
	}
	if job.DisplayName != "report.pdf" {
		t.Errorf("expected display name report.pdf, got %s", job.DisplayName)
	}
	if job.MaxAttempts != DefaultMaxAttempts {
		t.Errorf("expected max attempts %d, got %d", DefaultMaxAttempts, job.MaxAttempts)
	}
	if job.Attempts != 0 {
		t.Errorf("expected attempts 0, got %d", job.Attempts)
	}
	if !job.IsReady() {
		t.Error("expected new job to be ready")
	}

	decoded, err := DecodePayload(job.Payload)
	if err != nil {
		t.Fatalf("payload did not round trip: %v", err)
	}
	if decoded != payload {
		t.Errorf("expected %+v, got %+v", payload, decoded)
	}
}

func TestIngestionJob_Lifecycle(t *testing.T) {
	job, _ := NewIngestionJob(JobPayload{Path: "a.txt"})

	job.MarkRunning()
	if job.Status != JobStatusRunning {
		t.Errorf("expected running, got %s", job.Status)
	}
	if job.Attempts != 1 {
		t.Errorf("expected attempts 1, got %d", job.Attempts)
	}
	if job.StartedAt == nil {
		t.Error("expected StartedAt to be set")
	}

	job.MarkSucceeded()
	if job.Status != JobStatusSucceeded {
		t.Errorf("expected succeeded, got %s", job.Status)
	}
	if !job.IsTerminal() {
		t.Error("expected succeeded job to be terminal")
	}
	if job.CompletedAt == nil {
		t.Error("expected CompletedAt to be set")
	}
}

func TestIngestionJob_CanRetry(t *testing.T) {
	job, _ := NewIngestionJob(JobPayload{Path: "a.txt"})

	for i := 1; i <= DefaultMaxAttempts; i++ {
		job.MarkRunning()
		want := i < DefaultMaxAttempts
		if job.CanRetry() != want {
			t.Errorf("attempt %d: expected CanRetry %v", i, want)
		}
	}
	if job.Exhausted() {
		t.Error("job on its last attempt is not exhausted")
	}

	job.MarkRunning()
	if !job.Exhausted() {
		t.Error("expected job past the cap to be exhausted")
	}
}

func TestIngestionJob_Retry(t *testing.T) {
	job, _ := NewIngestionJob(JobPayload{Path: "a.txt"})
	job.MarkRunning()

	before := time.Now()
	job.Retry("embedding timeout", time.Second)

	if job.Status != JobStatusQueued {
		t.Errorf("expected queued, got %s", job.Status)
	}
	if job.LastError != "embedding timeout" {
		t.Errorf("expected error to be recorded, got %q", job.LastError)
	}
	if job.ScheduledFor.Before(before.Add(time.Second)) {
		t.Error("expected retry to be scheduled at least one second out")
	}
	if job.IsReady() {
		t.Error("expected delayed job not to be ready")
	}
}

func TestIngestionJob_Release(t *testing.T) {
	job, _ := NewIngestionJob(JobPayload{Path: "a.txt"})
	job.MarkRunning()
	job.Release()

	if job.Status != JobStatusQueued {
		t.Errorf("expected queued, got %s", job.Status)
	}
	if job.Attempts != 0 {
		t.Errorf("expected release to give the attempt back, got %d", job.Attempts)
	}
	if !job.IsReady() {
		t.Error("expected released job to be ready")
	}
}

func TestIngestionJob_CheckClaim(t *testing.T) {
	job := &IngestionJob{ID: "j1", Status: JobStatusQueued, MaxAttempts: 3}
	job.MarkRunning()

	if err := job.CheckClaim(1); err != nil {
		t.Fatalf("current claim rejected: %v", err)
	}

	// Reclaimed after a stall
	job.MarkRunning()
	if err := job.CheckClaim(1); !errors.Is(err, ErrClaimLost) {
		t.Errorf("stale claim: expected ErrClaimLost, got %v", err)
	}
	if err := job.CheckClaim(2); err != nil {
		t.Errorf("reclaimed claim rejected: %v", err)
	}

	// Released by its holder
	job.Release()
	if err := job.CheckClaim(1); !errors.Is(err, ErrClaimLost) {
		t.Errorf("queued job: expected ErrClaimLost, got %v", err)
	}

	job.MarkRunning()
	job.MarkSucceeded()
	if err := job.CheckClaim(2); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("terminal job: expected ErrInvalidInput, got %v", err)
	}
}

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		base     time.Duration
		attempts int
		want     time.Duration
	}{
		{time.Second, 1, time.Second},
		{time.Second, 2, 2 * time.Second},
		{time.Second, 3, 4 * time.Second},
		{time.Second, 10, 5 * time.Minute},
		{time.Second, 40, 5 * time.Minute},
		{0, 3, 0},
	}

	for _, tt := range tests {
		if got := RetryDelay(tt.base, tt.attempts); got != tt.want {
			t.Errorf("RetryDelay(%v, %d) = %v, want %v", tt.base, tt.attempts, got, tt.want)
		}
	}
}

func TestChunkMetadata_PointID(t *testing.T) {
	a := ChunkMetadata{SourceID: "uploads/a.pdf", PageNumber: 1, ChunkIndex: 0}
	b := ChunkMetadata{SourceID: "uploads/a.pdf", PageNumber: 7, ChunkIndex: 0}
	c := ChunkMetadata{SourceID: "uploads/a.pdf", PageNumber: 1, ChunkIndex: 1}

	if a.PointID() != b.PointID() {
		t.Error("expected the id to depend only on source and chunk index")
	}
	if a.PointID() == c.PointID() {
		t.Error("expected different chunk indexes to get different ids")
	}
	if len(a.PointID()) != 36 {
		t.Errorf("expected UUID string, got %q", a.PointID())
	}
}
