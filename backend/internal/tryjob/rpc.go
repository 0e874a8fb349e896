package tryjob

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gastrolog-ci/internal/auth"
	"gastrolog-ci/internal/logging"
	"gastrolog-ci/internal/schedulerset"
)

// ErrUnauthorized is returned by Service.Try when the request's token is
// missing, expired, or carries neither the try-job role nor the admin
// role.
var ErrUnauthorized = errors.New("try-job request not authorized")

// TryRole is the JWT role required to submit try jobs over RPC.
const TryRole = "tryjob"

// TryParams mirrors spec §4.6's try() RPC signature.
type TryParams struct {
	Branch     string
	Revision   string
	PatchLevel int
	PatchBody  string
	Repository string
	Project    string
	Builders   []string
	Who        string
	Comment    string
	Properties map[string]any
}

// RemoteBuildSetStatus is the handle returned to an RPC caller so it can
// later look up the resulting buildset/build results.
type RemoteBuildSetStatus struct {
	BuildsetID string
	Skipped    bool
}

// Service is the credentialed RPC intake path: Try verifies the caller's
// JWT before handing the parsed job to schedulerset.ForceTry.
type Service struct {
	Tokens    *auth.TokenService
	Store     builderNameToID
	Scheduler Submitter
	Logger    *slog.Logger
}

// Authenticate verifies token and returns its claims, failing closed on
// any parse error, expiry, or role mismatch (spec §6 credentialed
// channel requirement).
func (s *Service) Authenticate(token string) (*auth.Claims, error) {
	claims, err := s.Tokens.Verify(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if claims.Role != TryRole && claims.Role != "admin" {
		return nil, fmt.Errorf("%w: role %q cannot submit try jobs", ErrUnauthorized, claims.Role)
	}
	return claims, nil
}

// Try authenticates token, converts p into a schedulerset.TryJob, and
// submits it. ctx carries auth.Claims on success for the duration of the
// call, matching the teacher's WithClaims/ClaimsFromContext convention.
func (s *Service) Try(ctx context.Context, token string, p TryParams) (RemoteBuildSetStatus, error) {
	log := logging.Default(s.Logger).With("component", "tryjob.rpc")

	claims, err := s.Authenticate(token)
	if err != nil {
		log.Warn("try-job request rejected", "err", err)
		return RemoteBuildSetStatus{}, err
	}
	ctx = auth.WithClaims(ctx, claims)

	who := p.Who
	if who == "" {
		who = claims.Username()
	}

	job := schedulerset.TryJob{
		Branch:     p.Branch,
		BaseRev:    p.Revision,
		PatchLevel: p.PatchLevel,
		PatchBody:  p.PatchBody,
		Builders:   p.Builders,
		Repository: p.Repository,
		Project:    p.Project,
		Who:        who,
		Comment:    p.Comment,
		Properties: p.Properties,
	}

	bs, submitted, err := s.Scheduler.Submit(ctx, s.Store, job)
	if err != nil {
		return RemoteBuildSetStatus{}, fmt.Errorf("submit try job: %w", err)
	}
	return RemoteBuildSetStatus{BuildsetID: bs.ID, Skipped: !submitted}, nil
}

// IssueTryToken is a small convenience wrapper over TokenService.Issue
// for operators provisioning try-job credentials out of band.
func IssueTryToken(tokens *auth.TokenService, username string, ttl time.Duration) (string, time.Time, error) {
	_ = ttl // TokenService's duration is fixed at construction (spec §6 token lifetime is per-service, not per-issue)
	return tokens.Issue(username, TryRole)
}
