package schedulerset

import (
	"errors"
	"testing"
)

func frame(s string) string {
	return itoa(len(s)) + ":" + s + ","
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func TestParseTryJobV1(t *testing.T) {
	raw := frame("job1") + frame("main") + frame("abc123") + frame("0") + frame("") + frame("linux")
	job, err := ParseTryJob(1, []byte(raw))
	if err != nil {
		t.Fatalf("ParseTryJob: %v", err)
	}
	if job.JobID != "job1" || job.Branch != "main" || job.BaseRev != "abc123" {
		t.Fatalf("unexpected job: %+v", job)
	}
	if len(job.Builders) != 1 || job.Builders[0] != "linux" {
		t.Fatalf("expected one builder, got %+v", job.Builders)
	}
}

func TestParseTryJobV1EmptyBranchAndBaserev(t *testing.T) {
	raw := frame("job1") + frame("") + frame("") + frame("0") + frame("") + frame("linux") + frame("mac")
	job, err := ParseTryJob(1, []byte(raw))
	if err != nil {
		t.Fatalf("ParseTryJob: %v", err)
	}
	if job.Branch != "" || job.BaseRev != "" {
		t.Fatalf("expected absent branch/baserev, got %+v", job)
	}
	if len(job.Builders) != 2 {
		t.Fatalf("expected two builders, got %+v", job.Builders)
	}
}

func TestParseTryJobV1NoBuilders(t *testing.T) {
	raw := frame("job1") + frame("main") + frame("abc") + frame("0") + frame("")
	job, err := ParseTryJob(1, []byte(raw))
	if err != nil {
		t.Fatalf("ParseTryJob: %v", err)
	}
	if len(job.Builders) != 0 {
		t.Fatalf("expected no builders, got %+v", job.Builders)
	}
}

func TestParseTryJobV2AddsRepositoryAndProject(t *testing.T) {
	raw := frame("job1") + frame("main") + frame("abc") + frame("0") + frame("") +
		frame("repo") + frame("proj") + frame("linux")
	job, err := ParseTryJob(2, []byte(raw))
	if err != nil {
		t.Fatalf("ParseTryJob: %v", err)
	}
	if job.Repository != "repo" || job.Project != "proj" {
		t.Fatalf("unexpected job: %+v", job)
	}
}

func TestParseTryJobV4AddsWhoAndComment(t *testing.T) {
	raw := frame("job1") + frame("main") + frame("abc") + frame("0") + frame("") +
		frame("repo") + frame("proj") + frame("alice") + frame("please build") + frame("linux")
	job, err := ParseTryJob(4, []byte(raw))
	if err != nil {
		t.Fatalf("ParseTryJob: %v", err)
	}
	if job.Who != "alice" || job.Comment != "please build" {
		t.Fatalf("unexpected job: %+v", job)
	}
}

func TestParseTryJobV5JSON(t *testing.T) {
	raw := `{"jobid":"j1","branch":"main","baserev":"abc","builderNames":["linux"],"properties":{"x":"y"}}`
	job, err := ParseTryJob(5, []byte(raw))
	if err != nil {
		t.Fatalf("ParseTryJob: %v", err)
	}
	if job.JobID != "j1" || job.Properties["x"] != "y" {
		t.Fatalf("unexpected job: %+v", job)
	}
	if len(job.Builders) != 1 || job.Builders[0] != "linux" {
		t.Fatalf("expected one builder, got %+v", job.Builders)
	}
}

func TestParseTryJobBadFraming(t *testing.T) {
	_, err := ParseTryJob(1, []byte("not-a-netstring"))
	if !errors.Is(err, ErrBadJobfile) {
		t.Fatalf("expected ErrBadJobfile, got %v", err)
	}
}

func TestParseTryJobOversizedFrame(t *testing.T) {
	raw := "99999999999:payload,"
	_, err := ParseTryJob(1, []byte(raw))
	if !errors.Is(err, ErrBadJobfile) {
		t.Fatalf("expected ErrBadJobfile for oversized frame, got %v", err)
	}
}

func TestParseTryJobUnknownVersion(t *testing.T) {
	_, err := ParseTryJob(6, []byte("{}"))
	if !errors.Is(err, ErrBadJobfile) {
		t.Fatalf("expected ErrBadJobfile for unknown version, got %v", err)
	}
}

func TestParseTryJobTruncatedFrame(t *testing.T) {
	raw := "10:short,"
	_, err := ParseTryJob(1, []byte(raw))
	if !errors.Is(err, ErrBadJobfile) {
		t.Fatalf("expected ErrBadJobfile for truncated frame, got %v", err)
	}
}
