// Package supervisor wires a loaded instance spec to a registered GitHub
// Actions runner and a running VM, and reacts to external shutdown
// signals and image updates for the lifetime of one executor invocation.
package supervisor

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/relayci/vm-executor/internal/config"
	"github.com/relayci/vm-executor/internal/dispatch"
	"github.com/relayci/vm-executor/internal/imagestore"
	"github.com/relayci/vm-executor/internal/vm"
	"github.com/relayci/vm-executor/internal/watch"
)

// Run resolves the instance's base image, registers a just-in-time
// runner, starts the VM, and blocks until it exits, gracefully shutting
// it down on SIGTERM/SIGINT or a newer image becoming available (unless
// a build is already running).
func Run(ctx context.Context, spec *config.InstanceSpec, opts *config.Options) error {
	cacheDir := opts.ImagesCacheDir
	if cacheDir == "" {
		tmp, err := os.MkdirTemp("", "vm-executor-images-")
		if err != nil {
			return fmt.Errorf("create temporary image cache dir: %w", err)
		}
		cacheDir = tmp
	}

	store, err := imagestore.New(opts.ImagesServer, cacheDir)
	if err != nil {
		return err
	}

	commit, err := store.Latest()
	if err != nil {
		return fmt.Errorf("resolve latest image commit: %w", err)
	}

	basePath, err := store.Get(commit, spec.Image)
	if err != nil {
		return fmt.Errorf("fetch base image: %w", err)
	}

	if err := store.PurgeExcept(commit); err != nil {
		log.Printf("warn: failed to purge stale image caches: %v", err)
	}

	gh, err := dispatch.New(ctx, opts.GitHubAppID, opts.GitHubPrivateKey, opts.GitHubOrg)
	if err != nil {
		return fmt.Errorf("authenticate with github: %w", err)
	}

	log.Printf("registering a just-in-time runner with label %s", spec.Label)
	runner, err := gh.CreateRunner(ctx, spec.Label, opts.RunnerGroupID)
	if err != nil {
		return fmt.Errorf("register runner: %w", err)
	}

	instance, err := vm.New(spec, opts, gh, runner, basePath)
	if err != nil {
		return err
	}
	defer func() {
		if err := instance.Cleanup(); err != nil {
			log.Printf("warn: cleanup failed: %v", err)
		}
	}()

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	runnerWatcher := watch.NewRunnerWatcher(gh, instance.RunnerID(), instance.OnBuildStarted)
	go runnerWatcher.Run(runCtx)

	imageWatcher := watch.NewImageUpdateWatcher(store, commit, func(newCommit string) {
		instance.RequestShutdown(fmt.Sprintf("new images with commit %s becoming available", newCommit))
	})
	go imageWatcher.Run(runCtx)

	// Only one VM exists per invocation; the slice leaves room for
	// supervising more than one someday.
	signalVMs := []*vm.VM{instance}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig, ok := <-sigCh
		if !ok {
			return
		}
		log.Printf("received %v, shutting down", sig)
		for _, v := range signalVMs {
			v.RequestShutdown(fmt.Sprintf("signal %v", sig))
		}
	}()
	defer func() {
		signal.Stop(sigCh)
		close(sigCh)
	}()

	return instance.Run(runCtx)
}
