package main

import (
	"context"
	"time"

	"github.com/apex/log"

	"oopsie/internal/store"
)

type retentionStore interface {
	ListProjects(ctx context.Context) ([]store.Project, error)
	PurgeExpiredReports(ctx context.Context, projectID string, cutoff time.Time) (store.PurgeResult, error)
}

type blobRemover interface {
	Remove(ctx context.Context, paths []string) int
}

type purgeSummary struct {
	Reports     int
	Attachments int
	Failures    int
}

func startMaintenanceLoops(ctx context.Context, repo retentionStore, blobs blobRemover, purgeInterval time.Duration) {
	if purgeInterval > 0 {
		go runPurgeLoop(ctx, repo, blobs, purgeInterval)
	}
}

func runPurgeLoop(ctx context.Context, repo retentionStore, blobs blobRemover, interval time.Duration) {
	runPurgeCycle(ctx, repo, blobs, time.Now)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runPurgeCycle(ctx, repo, blobs, time.Now)
		}
	}
}

// runPurgeCycle deletes, per project, every report older than the project's
// retention period and then removes the blobs of the deleted attachments.
func runPurgeCycle(ctx context.Context, repo retentionStore, blobs blobRemover, now func() time.Time) purgeSummary {
	cycleCtx, cancel := context.WithTimeout(ctx, 45*time.Second)
	defer cancel()

	summary := purgeSummary{}
	projects, err := repo.ListProjects(cycleCtx)
	if err != nil {
		log.WithError(err).Error("retention purge failed loading projects")
		summary.Failures++
		return summary
	}

	for _, project := range projects {
		retentionDays := project.RetentionDays
		if retentionDays <= 0 {
			retentionDays = store.DefaultRetentionDays
		}
		cutoff := now().UTC().AddDate(0, 0, -retentionDays)

		result, err := repo.PurgeExpiredReports(cycleCtx, project.ID, cutoff)
		if err != nil {
			log.WithError(err).WithField("project_id", project.ID).Error("retention purge failed")
			summary.Failures++
			continue
		}

		removed := blobs.Remove(cycleCtx, result.AttachmentPaths)
		summary.Failures += len(result.AttachmentPaths) - removed
		summary.Reports += result.DeletedReports
		summary.Attachments += removed

		if result.DeletedReports > 0 {
			log.WithFields(log.Fields{
				"project_id":     project.ID,
				"retention_days": retentionDays,
				"reports":        result.DeletedReports,
				"attachments":    removed,
			}).Info("expired reports purged")
		}
	}

	log.WithFields(log.Fields{
		"reports":     summary.Reports,
		"attachments": summary.Attachments,
		"failures":    summary.Failures,
	}).Info("retention purge completed")
	return summary
}
