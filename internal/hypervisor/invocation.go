// Package hypervisor builds the argv for a QEMU invocation and spawns it
// in its own process group, isolated from the executor's controlling
// terminal.
package hypervisor

import (
	"fmt"
	"os"
	"os/exec"
)

// Arch is a guest CPU architecture QEMU can emulate.
type Arch string

const (
	ArchX86_64  Arch = "x86_64"
	ArchAarch64 Arch = "aarch64"
)

// archProfile carries the architecture-specific flags needed to boot a
// given guest architecture under hardware acceleration.
type archProfile struct {
	bios     string
	cpuModel string
	machine  string
}

var archProfiles = map[Arch]archProfile{
	ArchX86_64: {
		bios:     "",
		cpuModel: "",
		machine:  "pc,accel=kvm",
	},
	ArchAarch64: {
		// Installed via the aarch64 UEFI firmware package.
		bios:     "/usr/share/qemu-efi-aarch64/QEMU_EFI.fd",
		cpuModel: "host",
		machine:  "virt,gic_version=3,accel=kvm",
	},
}

// Invocation accumulates the pieces of a single QEMU command line. Build
// is pure and side-effect free; Spawn is the only method that touches the
// filesystem or process table.
type Invocation struct {
	Binary   string
	Machine  string
	Memory   int
	CPUCores int
	CPUModel string
	BIOS     string
	Drive    string

	QMPSockets []string
	NetUser    []string
	SMBIOS11   []string
}

// NewInvocation seeds an Invocation with the binary name and
// architecture-specific flags for arch. Returns an error for an
// unsupported architecture.
func NewInvocation(arch Arch, cpuCores, memory int, drive string) (*Invocation, error) {
	profile, ok := archProfiles[arch]
	if !ok {
		return nil, fmt.Errorf("unsupported architecture: %q", arch)
	}

	return &Invocation{
		Binary:   fmt.Sprintf("qemu-system-%s", arch),
		Machine:  profile.machine,
		Memory:   memory,
		CPUCores: cpuCores,
		CPUModel: profile.cpuModel,
		BIOS:     profile.bios,
		Drive:    drive,
	}, nil
}

// AddQMPSocket registers a unix control socket QEMU should listen on.
func (inv *Invocation) AddQMPSocket(path string) {
	inv.QMPSockets = append(inv.QMPSockets, path)
}

// AddNetUserParam appends a "-net user" sub-parameter, such as an
// hostfwd rule.
func (inv *Invocation) AddNetUserParam(param string) {
	inv.NetUser = append(inv.NetUser, param)
}

// AddSMBIOS11 appends a type=11 SMBIOS credential entry. Entries are
// emitted in the order they are added, so callers that need a credential
// to survive truncation should add it first.
func (inv *Invocation) AddSMBIOS11(param string) {
	inv.SMBIOS11 = append(inv.SMBIOS11, param)
}

// Build materializes the accumulated configuration into a QEMU argv.
func (inv *Invocation) Build() []string {
	args := []string{
		"-machine", inv.Machine,
		"-m", fmt.Sprintf("%d", inv.Memory),
		"-smp", fmt.Sprintf("%d", inv.CPUCores),
		"-display", "none",
		"-drive", inv.Drive,
		"-net", "nic,model=virtio",
	}

	netUser := "user"
	for _, param := range inv.NetUser {
		netUser += "," + param
	}
	args = append(args, "-net", netUser)

	if inv.CPUModel != "" {
		args = append(args, "-cpu", inv.CPUModel)
	}
	if inv.BIOS != "" {
		args = append(args, "-bios", inv.BIOS)
	}

	for _, socket := range inv.QMPSockets {
		args = append(args, "-qmp", fmt.Sprintf("unix:%s,server,nowait", socket))
	}

	for _, param := range inv.SMBIOS11 {
		args = append(args, "-smbios", fmt.Sprintf("type=11,%s", param))
	}

	return args
}

// Spawn starts the hypervisor process in its own process group, so
// signals delivered to the executor (Ctrl-C, SIGTERM) are not forwarded
// to it.
func (inv *Invocation) Spawn() (*exec.Cmd, error) {
	cmd := exec.Command(inv.Binary, inv.Build()...)
	cmd.SysProcAttr = processGroupAttr()
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn hypervisor: %w", err)
	}
	return cmd, nil
}

// Kill forcibly terminates the process group cmd started in.
func Kill(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return killProcessGroup(cmd.Process.Pid)
}
