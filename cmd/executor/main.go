// executor provisions a single disposable VM, registers it as a
// just-in-time GitHub Actions runner, and supervises it for the
// lifetime of exactly one CI job.
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/relayci/vm-executor/internal/config"
	"github.com/relayci/vm-executor/internal/supervisor"
	"github.com/spf13/cobra"
)

var opts config.Options

func main() {
	log.SetFlags(log.LstdFlags)
	log.SetPrefix("==> ")

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "executor INSTANCE_SPEC",
		Short:         "run one disposable CI VM from an instance spec",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.InstancePath = args[0]
			if err := opts.Validate(); err != nil {
				return err
			}

			spec, err := config.LoadInstanceSpec(opts.InstancePath)
			if err != nil {
				return err
			}

			return supervisor.Run(context.Background(), spec, &opts)
		},
	}

	flags := cmd.Flags()
	flags.Int64Var(&opts.GitHubAppID, "github-app-id", 0, "GitHub App ID to authenticate as")
	flags.StringVar(&opts.GitHubPrivateKey, "github-private-key", "", "path to the GitHub App's PEM private key")
	flags.StringVar(&opts.GitHubOrg, "github-org", "", "GitHub organization to register the runner with")
	flags.Int64Var(&opts.RunnerGroupID, "runner-group-id", 0, "runner group to register the runner under")
	flags.StringVar(&opts.ImagesServer, "images-server", config.DefaultImagesServer, "base URL of the VM image server")
	flags.StringVar(&opts.ImagesCacheDir, "images-cache-dir", "", "directory to cache downloaded images in (default: a temporary directory)")
	flags.IntVar(&opts.SSHPort, "ssh-port", 0, "if set, forward this host port to the guest's SSH daemon for debugging")
	flags.BoolVar(&opts.NoShutdownAfterJob, "no-shutdown-after-job", false, "ask the guest not to shut itself down after the job finishes, for debugging")

	return cmd
}
