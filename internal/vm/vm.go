// Package vm wires together a hypervisor invocation, its control socket,
// the one-shot credential server, and the GitHub Actions runner it is
// registered to, exposing the lifecycle as a small state machine.
package vm

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/relayci/vm-executor/internal/config"
	"github.com/relayci/vm-executor/internal/control"
	"github.com/relayci/vm-executor/internal/credential"
	"github.com/relayci/vm-executor/internal/dispatch"
	"github.com/relayci/vm-executor/internal/hypervisor"
	"github.com/relayci/vm-executor/internal/timer"
)

// GracefulShutdownTimeout is how long a requested shutdown waits for the
// guest to power itself off before the hypervisor is killed outright.
const GracefulShutdownTimeout = 60 * time.Second

// State is a position in the VM lifecycle.
type State int

const (
	StateCreated State = iota
	StateRunning
	StateBuilding
	StateShuttingDown
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateBuilding:
		return "building"
	case StateShuttingDown:
		return "shutting-down"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// VM supervises a single disposable CI hypervisor instance end to end:
// disk preparation, boot with an already-registered runner's JIT config,
// busy/timeout enforcement, and teardown.
type VM struct {
	spec   *config.InstanceSpec
	opts   *config.Options
	gh     *dispatch.Client
	runner *dispatch.RunnerHandle

	workDir  string
	rootDisk string
	qmpSock  string

	mu    sync.Mutex
	state State

	cmd *exec.Cmd

	// preventExternalShutdowns is set once a build starts, so a SIGTERM or
	// image update never kills a VM mid-job.
	preventExternalShutdowns bool

	jobTimer      *timer.Timer
	shutdownTimer *timer.Timer
}

// New prepares a VM's private disk image as a copy-on-write overlay on
// top of baseImagePath. The VM is not started until Run is called.
func New(spec *config.InstanceSpec, opts *config.Options, gh *dispatch.Client, runner *dispatch.RunnerHandle, baseImagePath string) (*VM, error) {
	workDir, err := os.MkdirTemp("", "vm-executor-")
	if err != nil {
		return nil, fmt.Errorf("create VM work dir: %w", err)
	}

	rootDisk := filepath.Join(workDir, "root.qcow2")
	if err := createOverlayDisk(baseImagePath, rootDisk, spec.RootDisk); err != nil {
		os.RemoveAll(workDir)
		return nil, err
	}

	return &VM{
		spec:     spec,
		opts:     opts,
		gh:       gh,
		runner:   runner,
		workDir:  workDir,
		rootDisk: rootDisk,
		qmpSock:  filepath.Join(workDir, "shutdown.sock"),
		state:    StateCreated,
	}, nil
}

func createOverlayDisk(basePath, destPath, size string) error {
	absBase, err := filepath.Abs(basePath)
	if err != nil {
		return fmt.Errorf("resolve base image path: %w", err)
	}

	log.Printf("creating the disk image")
	cmd := exec.Command("qemu-img", "create",
		"-b", absBase,
		"-f", "qcow2",
		"-F", "qcow2",
		destPath, size,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("create overlay disk: %w: %s", err, out)
	}
	return nil
}

// Run builds the hypervisor invocation, spawns it, and blocks until the
// hypervisor process exits. It does not start the runner busy watcher;
// the caller runs one that invokes OnBuildStarted.
func (v *VM) Run(ctx context.Context) error {
	v.mu.Lock()
	if v.state != StateCreated {
		v.mu.Unlock()
		return fmt.Errorf("%w: Run called twice", ErrInvariant)
	}
	v.mu.Unlock()

	inv, err := hypervisor.NewInvocation(
		hypervisor.Arch(v.spec.Arch),
		v.spec.CPUCores,
		v.spec.RAM,
		fmt.Sprintf("file=%s,media=disk,if=virtio", v.rootDisk),
	)
	if err != nil {
		return err
	}

	inv.AddQMPSocket(v.qmpSock)

	if v.opts.SSHPort != 0 {
		inv.AddNetUserParam(fmt.Sprintf("hostfwd=tcp:127.0.0.1:%d-:22", v.opts.SSHPort))
	}

	// Added first so it survives even if the smbios table gets truncated,
	// since it matters for debugging a VM that was told not to shut down.
	if v.opts.NoShutdownAfterJob {
		inv.AddSMBIOS11("value=io.systemd.credential:gha-inhibit-shutdown=1")
	}

	jitServer, err := credential.New("gha-jitconfig-url", v.runner.JITConfig)
	if err != nil {
		return fmt.Errorf("start credential server: %w", err)
	}
	defer jitServer.Close()
	inv.AddSMBIOS11(fmt.Sprintf("value=io.systemd.credential:%s=%s", "gha-jitconfig-url", jitServer.URL()))

	log.Printf("starting the virtual machine")
	cmd, err := inv.Spawn()
	if err != nil {
		return err
	}

	v.mu.Lock()
	v.cmd = cmd
	v.state = StateRunning
	v.mu.Unlock()

	if v.opts.SSHPort != 0 {
		fmt.Println()
		fmt.Println("You can connect to the VM with SSH:")
		fmt.Println()
		fmt.Printf("    ssh -o StrictHostKeyChecking=no -o UserKnownHostsFile=/dev/null -p %d manage@127.0.0.1\n", v.opts.SSHPort)
		fmt.Println()
	}

	return v.wait(cmd)
}

// wait blocks until the hypervisor exits, then records the terminal
// transition so late timer callbacks see a terminated VM and leave the
// reaped process alone.
func (v *VM) wait(cmd *exec.Cmd) error {
	err := cmd.Wait()

	v.mu.Lock()
	v.cmd = nil
	v.state = StateTerminated
	v.mu.Unlock()

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return fmt.Errorf("wait for hypervisor: %w", err)
		}
		log.Printf("hypervisor exited: %v", exitErr)
	}
	return nil
}

// buildStarted is invoked once the registered runner reports itself
// busy: it locks out external shutdown requests and starts the job
// timeout.
func (v *VM) buildStarted() {
	v.mu.Lock()
	v.state = StateBuilding
	v.preventExternalShutdowns = true
	v.jobTimer = timer.New("vm-timeout", time.Duration(v.spec.TimeoutSeconds)*time.Second, func() {
		v.shutdown("the job timeout")
	})
	jobTimer := v.jobTimer
	v.mu.Unlock()

	jobTimer.Start()
}

// RequestShutdown asks the VM to shut down gracefully unless a build is
// currently running, in which case the request is logged and ignored.
func (v *VM) RequestShutdown(reason string) {
	v.mu.Lock()
	prevented := v.preventExternalShutdowns
	v.mu.Unlock()

	if prevented {
		log.Printf("did not shut down due to %s because a build is running", reason)
		return
	}
	v.shutdown(reason)
}

func (v *VM) shutdown(reason string) {
	log.Printf("shutting down the VM due to %s", reason)

	v.mu.Lock()
	if v.state == StateShuttingDown || v.state == StateTerminated {
		v.mu.Unlock()
		return
	}
	v.state = StateShuttingDown
	v.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := control.Connect(ctx, control.UnixAddress(v.qmpSock))
	if err != nil {
		log.Printf("failed to gracefully shut down the VM: %v", err)
		v.kill()
		return
	}
	defer client.Close()

	if err := client.ShutdownVM(ctx); err != nil {
		log.Printf("failed to gracefully shut down the VM: %v", err)
		v.kill()
		return
	}

	log.Printf("sent shutdown signal to the VM")

	v.mu.Lock()
	v.shutdownTimer = timer.New("graceful-shutdown-timeout", GracefulShutdownTimeout, v.kill)
	shutdownTimer := v.shutdownTimer
	v.mu.Unlock()

	shutdownTimer.Start()
}

func (v *VM) kill() {
	v.mu.Lock()
	cmd := v.cmd
	v.cmd = nil
	v.state = StateTerminated
	v.mu.Unlock()

	if cmd == nil {
		return
	}
	if err := hypervisor.Kill(cmd); err != nil {
		log.Printf("warn: failed to kill the VM process group: %v", err)
	}
	log.Printf("killed the virtual machine")
}

// State reports the VM's current lifecycle position.
func (v *VM) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// RunnerID returns the GitHub Actions runner id this VM was registered
// under, for the busy-status watcher to poll.
func (v *VM) RunnerID() int64 {
	return v.runner.ID
}

// OnBuildStarted is the callback a watch.RunnerWatcher should invoke once
// this VM's runner reports itself busy.
func (v *VM) OnBuildStarted() {
	v.buildStarted()
}

// Cleanup removes the VM's private working directory, including its
// overlay disk image. Timers are left to fire; their callbacks are
// no-ops once the VM is terminated.
func (v *VM) Cleanup() error {
	return os.RemoveAll(v.workDir)
}
