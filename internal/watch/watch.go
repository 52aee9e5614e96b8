// Package watch runs the background polling loops that detect a runner
// picking up a job and detect new images becoming available.
package watch

import (
	"context"
	"log"
	"time"
)

// RunnerPollInterval is how often the GitHub API is polled for busy
// status. Variable, not const, so tests can shorten it.
var RunnerPollInterval = 15 * time.Second

// ImagePollInterval is how often the image server is polled for a new
// published commit. Variable, not const, so tests can shorten it.
var ImagePollInterval = 5 * time.Minute

// RunnerBusyChecker reports whether a registered runner has started
// processing a job.
type RunnerBusyChecker interface {
	RunnerBusy(ctx context.Context, id int64) (bool, error)
}

// RunnerWatcher polls a runner's busy status until it starts a build,
// then invokes onBusy exactly once.
type RunnerWatcher struct {
	client   RunnerBusyChecker
	runnerID int64
	onBusy   func()
}

// NewRunnerWatcher builds a watcher for runnerID that calls onBusy the
// first time the runner reports itself busy.
func NewRunnerWatcher(client RunnerBusyChecker, runnerID int64, onBusy func()) *RunnerWatcher {
	return &RunnerWatcher{client: client, runnerID: runnerID, onBusy: onBusy}
}

// Run polls until the runner becomes busy or ctx is cancelled. It is
// meant to be run in its own goroutine.
func (w *RunnerWatcher) Run(ctx context.Context) {
	log.Printf("started polling GitHub to detect when runner %d starts working", w.runnerID)
	ticker := time.NewTicker(RunnerPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		busy, err := w.client.RunnerBusy(ctx, w.runnerID)
		if err != nil {
			log.Printf("warn: failed to check runner status: %v", err)
			continue
		}
		if busy {
			log.Printf("runner %d started processing a build", w.runnerID)
			w.onBusy()
			return
		}
	}
}

// LatestResolver reports the commit identifier the image server
// currently considers current.
type LatestResolver interface {
	Latest() (string, error)
}

// ImageUpdateWatcher polls an image server and invokes onUpdate once per
// distinct commit it observes beyond the one the VM was booted with. It
// keeps polling after firing, in case a later build runs long enough to
// see a second, newer image.
type ImageUpdateWatcher struct {
	store        LatestResolver
	lastNotified string
	onUpdate     func(newCommit string)
}

// NewImageUpdateWatcher builds a watcher that compares against
// bootCommit, the commit the running VM was created from.
func NewImageUpdateWatcher(store LatestResolver, bootCommit string, onUpdate func(newCommit string)) *ImageUpdateWatcher {
	return &ImageUpdateWatcher{store: store, lastNotified: bootCommit, onUpdate: onUpdate}
}

// Run polls until ctx is cancelled, invoking onUpdate once per distinct
// new commit it observes. It is meant to be run in its own goroutine.
func (w *ImageUpdateWatcher) Run(ctx context.Context) {
	log.Printf("started polling the image server to check for image updates")
	ticker := time.NewTicker(ImagePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		commit, err := w.store.Latest()
		if err != nil {
			log.Printf("warn: failed to check for image updates: %v", err)
			continue
		}
		if commit != w.lastNotified {
			log.Printf("new images with commit %s are available", commit)
			w.lastNotified = commit
			w.onUpdate(commit)
		}
	}
}
