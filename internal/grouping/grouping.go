// Package grouping clusters reports that look like the same problem. It only
// compares against a handful of the most recent reports on the same page, so
// older duplicates can end up in a new group.
package grouping

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"

	"oopsie/internal/store"
)

const DefaultCandidateLimit = 10

// CandidateFinder returns recent reports of a project on one page, newest
// first.
type CandidateFinder interface {
	RecentReportsByPage(ctx context.Context, projectID, pageURL string, limit int) ([]store.Report, error)
}

// Fingerprint hashes project, page URL and first console error. It returns ""
// when neither the page URL nor a console error is present.
func Fingerprint(projectID, pageURL, firstError string) string {
	if pageURL == "" && firstError == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(projectID + "|" + pageURL + "|" + firstError))
	return hex.EncodeToString(sum[:])
}

func ReportFingerprint(report store.Report) string {
	return Fingerprint(report.ProjectID, report.PageURL, report.FirstConsoleError())
}

type Service struct {
	finder CandidateFinder
	limit  int
	newID  func() string
}

func NewService(finder CandidateFinder) *Service {
	return &Service{finder: finder, limit: DefaultCandidateLimit, newID: uuid.NewString}
}

// AssignGroup returns the group id for a report that is about to be stored.
// Two concurrent reports with the same fingerprint can each get a fresh id;
// they are not merged afterwards.
func (s *Service) AssignGroup(ctx context.Context, report store.Report) (*string, error) {
	fingerprint := ReportFingerprint(report)
	if fingerprint == "" {
		return nil, nil
	}

	candidates, err := s.finder.RecentReportsByPage(ctx, report.ProjectID, report.PageURL, s.limit)
	if err != nil {
		return nil, fmt.Errorf("load group candidates: %w", err)
	}

	for _, candidate := range candidates {
		if candidate.GroupID == nil {
			continue
		}
		if ReportFingerprint(candidate) == fingerprint {
			groupID := *candidate.GroupID
			return &groupID, nil
		}
	}

	groupID := s.newID()
	return &groupID, nil
}
