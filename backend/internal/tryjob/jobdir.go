// Package tryjob implements TryJobIntake (spec §4.6, §6): a watched
// jobdir of netstring/JSON try-job files, and a credentialed RPC
// channel, both funneling into schedulerset.ForceTry.Submit.
package tryjob

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fsnotify/fsnotify"

	"gastrolog-ci/internal/logging"
	"gastrolog-ci/internal/schedulerset"
	"gastrolog-ci/internal/store"
)

// Submitter is the subset of schedulerset.ForceTry this watcher drives.
// The bool result reports whether a buildset was actually submitted
// (false means the job's builders didn't intersect the allow-list).
type Submitter interface {
	Submit(ctx context.Context, resolver builderNameToID, job schedulerset.TryJob) (store.Buildset, bool, error)
}

type builderNameToID = interface {
	ListBuilders(ctx context.Context) ([]store.Builder, error)
}

// JobdirWatcher watches a maildir-style job directory: submitters write
// a complete file under tmp/ then rename it into new/ (an atomic POSIX
// rename), the watcher picks it up from new/, parses it, and moves it to
// cur/ once processed.
type JobdirWatcher struct {
	Root      string // contains new/, cur/, tmp/
	Version   int
	Store     builderNameToID
	Scheduler Submitter
	Logger    *slog.Logger
}

func (w *JobdirWatcher) dirs() (newDir, curDir, tmpDir string) {
	return filepath.Join(w.Root, "new"), filepath.Join(w.Root, "cur"), filepath.Join(w.Root, "tmp")
}

// Run watches Root/new for job files until ctx is cancelled, grounded on
// the teacher's fsnotify watch-loop shape (watch directory, drain
// existing entries, then react to Create events).
func (w *JobdirWatcher) Run(ctx context.Context) error {
	log := logging.Default(w.Logger).With("component", "tryjob.jobdir")
	newDir, curDir, tmpDir := w.dirs()
	for _, d := range []string{newDir, curDir, tmpDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("create jobdir %s: %w", d, err)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create jobdir watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(newDir); err != nil {
		return fmt.Errorf("watch jobdir %s: %w", newDir, err)
	}

	entries, err := os.ReadDir(newDir)
	if err != nil {
		return fmt.Errorf("read jobdir %s: %w", newDir, err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			w.processFile(ctx, filepath.Join(newDir, e.Name()), curDir, log)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) {
				w.processFile(ctx, event.Name, curDir, log)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("jobdir watch error", "err", err)
		}
	}
}

func (w *JobdirWatcher) processFile(ctx context.Context, path, curDir string, log *slog.Logger) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		log.Warn("failed to read job file", "path", path, "err", err)
		return
	}

	job, err := schedulerset.ParseTryJob(nextJobVersion(path, w.Version), data)
	if err != nil {
		log.Warn("bad try-job file, discarding", "path", path, "err", err)
		w.discard(path, curDir, log)
		return
	}

	if _, submitted, err := w.Scheduler.Submit(ctx, w.Store, job); err != nil {
		log.Warn("failed to submit try job", "path", path, "job_id", job.JobID, "err", err)
	} else if !submitted {
		log.Info("try job skipped, no allowed builders matched", "job_id", job.JobID)
	} else {
		log.Info("try job submitted", "job_id", job.JobID)
	}

	w.discard(path, curDir, log)
}

// discard renames a processed job file into cur/, matching the maildir
// convention the jobdir protocol borrows from (spec §4.6/§6).
func (w *JobdirWatcher) discard(path, curDir string, log *slog.Logger) {
	dest := filepath.Join(curDir, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		log.Warn("failed to move processed job file", "path", path, "err", err)
	}
}

// nextJobVersion inspects a filename's extension to pick a per-file
// netstring version, falling back to the watcher's configured default.
// Job submitters name files "<id>.<version>" per convention.
func nextJobVersion(name string, fallback int) int {
	ext := strings.TrimPrefix(filepath.Ext(name), ".")
	if n, err := strconv.Atoi(ext); err == nil && n >= 1 && n <= 5 {
		return n
	}
	return fallback
}
