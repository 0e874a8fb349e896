package tryjob

import (
	"context"
	"errors"
	"testing"
	"time"

	"gastrolog-ci/internal/auth"
	"gastrolog-ci/internal/schedulerset"
	"gastrolog-ci/internal/store"
)

type fakeBuilderLister struct {
	builders []store.Builder
}

func (f *fakeBuilderLister) ListBuilders(ctx context.Context) ([]store.Builder, error) {
	return f.builders, nil
}

type fakeSubmitter struct {
	bs        store.Buildset
	submitted bool
	err       error
	gotJob    schedulerset.TryJob
}

func (f *fakeSubmitter) Submit(ctx context.Context, resolver builderNameToID, job schedulerset.TryJob) (store.Buildset, bool, error) {
	f.gotJob = job
	return f.bs, f.submitted, f.err
}

func TestServiceTryRejectsInvalidToken(t *testing.T) {
	tokens := auth.NewTokenService([]byte("secret"), time.Hour)
	svc := &Service{Tokens: tokens, Store: &fakeBuilderLister{}, Scheduler: &fakeSubmitter{}}

	_, err := svc.Try(context.Background(), "not-a-real-token", TryParams{})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestServiceTryRejectsWrongRole(t *testing.T) {
	tokens := auth.NewTokenService([]byte("secret"), time.Hour)
	token, _, err := tokens.Issue("alice", "developer")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	svc := &Service{Tokens: tokens, Store: &fakeBuilderLister{}, Scheduler: &fakeSubmitter{}}

	_, err = svc.Try(context.Background(), token, TryParams{})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for wrong role, got %v", err)
	}
}

func TestServiceTrySubmitsOnValidToken(t *testing.T) {
	tokens := auth.NewTokenService([]byte("secret"), time.Hour)
	token, _, err := tokens.Issue("alice", TryRole)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	sub := &fakeSubmitter{bs: store.Buildset{ID: "bs-1"}, submitted: true}
	svc := &Service{Tokens: tokens, Store: &fakeBuilderLister{}, Scheduler: sub}

	status, err := svc.Try(context.Background(), token, TryParams{
		Branch:   "main",
		Revision: "r1",
		Builders: []string{"linux"},
	})
	if err != nil {
		t.Fatalf("Try: %v", err)
	}
	if status.BuildsetID != "bs-1" || status.Skipped {
		t.Fatalf("unexpected status: %+v", status)
	}
	if sub.gotJob.Who != "alice" {
		t.Fatalf("expected Who to default to token subject, got %q", sub.gotJob.Who)
	}
}

func TestServiceTryReportsSkippedWhenNotSubmitted(t *testing.T) {
	tokens := auth.NewTokenService([]byte("secret"), time.Hour)
	token, _, err := tokens.Issue("alice", TryRole)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	sub := &fakeSubmitter{submitted: false}
	svc := &Service{Tokens: tokens, Store: &fakeBuilderLister{}, Scheduler: sub}

	status, err := svc.Try(context.Background(), token, TryParams{Builders: []string{"unknown"}})
	if err != nil {
		t.Fatalf("Try: %v", err)
	}
	if !status.Skipped {
		t.Fatal("expected Skipped to be true when Submit reports not submitted")
	}
}

func TestServiceTryPreservesExplicitWho(t *testing.T) {
	tokens := auth.NewTokenService([]byte("secret"), time.Hour)
	token, _, err := tokens.Issue("alice", TryRole)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	sub := &fakeSubmitter{submitted: true}
	svc := &Service{Tokens: tokens, Store: &fakeBuilderLister{}, Scheduler: sub}

	_, err = svc.Try(context.Background(), token, TryParams{Who: "bob"})
	if err != nil {
		t.Fatalf("Try: %v", err)
	}
	if sub.gotJob.Who != "bob" {
		t.Fatalf("expected explicit Who to be preserved, got %q", sub.gotJob.Who)
	}
}
