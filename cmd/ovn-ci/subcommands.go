package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	core "github.com/ovn-org/ovn-ci/internal/core"
	"github.com/ovn-org/ovn-ci/internal/hypervisor/libvirt"
	gssh "github.com/ovn-org/ovn-ci/internal/ssh"
	"github.com/ovn-org/ovn-ci/internal/telemetry"
	"github.com/ovn-org/ovn-ci/internal/vm"
	"github.com/ovn-org/ovn-ci/pkg/api"
)

// Load the configuration and build the orchestrator around it
func resolveCI(cmd *cobra.Command, opts core.CIOptions) (*core.CI, *core.Store, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := core.LoadConfig(cfgPath)
	if err != nil {
		return nil, nil, err
	}
	opts.Config = cfg
	opts.Console = cmd.OutOrStdout()

	arch, err := vm.DetectArch()
	if err != nil {
		return nil, nil, err
	}
	opts.Arch = arch

	if cfg.VM != nil {
		connect, err := core.SSHConnector(cfg.VM)
		if err != nil {
			return nil, nil, err
		}
		opts.Hypervisor = libvirt.New(nil)
		opts.Connect = connect
	}

	if err := os.MkdirAll(filepath.Dir(cfg.HistoryDB), 0755); err != nil {
		return nil, nil, fmt.Errorf("create history directory: %w", err)
	}
	store, err := core.NewStore(cfg.HistoryDB)
	if err != nil {
		return nil, nil, fmt.Errorf("open history: %w", err)
	}
	opts.Store = store

	ci, err := core.NewCI(opts)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return ci, store, nil
}

// Run every configured suite
func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run all configured test suites",
		RunE: func(cmd *cobra.Command, args []string) error {
			rebuild, _ := cmd.Flags().GetBool("rebuild-image")
			reportURL, _ := cmd.Flags().GetString("report-url")
			ci, store, err := resolveCI(cmd, core.CIOptions{
				RebuildImage: rebuild,
				ReportURL:    reportURL,
				Metrics:      telemetry.NewCollector(),
			})
			if err != nil {
				return err
			}
			defer store.Close()
			return ci.Run(cmd.Context())
		},
	}
	cmd.Flags().Bool("rebuild-image", false, "rebuild the base image before the run")
	cmd.Flags().String("report-url", "", "pipeline URL passed to the reporting sidecar")
	return cmd
}

// Manage the base image
func newImageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "image",
		Short: "Manage the VM base image",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "rebuild",
		Short: "Install a fresh base image",
		RunE: func(cmd *cobra.Command, args []string) error {
			ci, store, err := resolveCI(cmd, core.CIOptions{})
			if err != nil {
				return err
			}
			defer store.Close()
			if !ci.HasVM() {
				return core.ErrNoVM
			}
			dir, err := ci.CreateRunDir()
			if err != nil {
				return err
			}
			return ci.RebuildImage(cmd.Context(), ci.BaseImage(dir))
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "update",
		Short: "Refresh sources and credentials inside the base image",
		RunE: func(cmd *cobra.Command, args []string) error {
			ci, store, err := resolveCI(cmd, core.CIOptions{})
			if err != nil {
				return err
			}
			defer store.Close()
			dir, err := ci.CreateRunDir()
			if err != nil {
				return err
			}
			return ci.PrepareImage(cmd.Context(), dir, false)
		},
	})
	return cmd
}

// Generate the VM access key pair
func newKeygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate the ed25519 key pair used to reach job VMs",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, _ := cmd.Flags().GetString("out")
			force, _ := cmd.Flags().GetBool("force")
			if _, err := os.Stat(out); err == nil && !force {
				return fmt.Errorf("%s already exists, use --force to overwrite", out)
			}
			if err := os.MkdirAll(filepath.Dir(out), 0700); err != nil {
				return err
			}
			pub, err := gssh.GenerateEd25519Keypair(out, "ovn-ci")
			if err != nil {
				return err
			}
			log.Info().Str("key", out).Msg("Key pair written")
			fmt.Fprint(cmd.OutOrStdout(), pub)
			return nil
		},
	}
	cmd.Flags().String("out", "/etc/ovn-ci/id_ed25519", "private key path; the public key gets a .pub suffix")
	cmd.Flags().Bool("force", false, "overwrite an existing key")
	return cmd
}

// Show past runs
func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			jobs, _ := cmd.Flags().GetBool("jobs")
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := core.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			store, err := core.NewStore(cfg.HistoryDB)
			if err != nil {
				return err
			}
			defer store.Close()
			runs, err := store.RecentRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			printRuns(cmd, runs, jobs)
			return nil
		},
	}
	cmd.Flags().Int("limit", 10, "number of runs to show")
	cmd.Flags().Bool("jobs", false, "list the jobs of every run")
	return cmd
}

func printRuns(cmd *cobra.Command, runs []api.RunSummary, jobs bool) {
	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader([]string{"Started", "Status", "Failed", "Commit", "Logs"})
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.SetHeaderLine(false)
	table.SetRowSeparator("")
	table.SetColumnSeparator("")
	table.SetCenterSeparator("")
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)
	for _, r := range runs {
		table.Append([]string{
			r.StartedAt.Format(time.DateTime),
			string(r.Status),
			fmt.Sprintf("%d/%d", r.Failed(), len(r.Jobs)),
			shortHash(r.Hash),
			r.LogDir,
		})
		if !jobs {
			continue
		}
		for _, j := range r.Jobs {
			status := "ok"
			if !j.Success {
				status = "fail"
			}
			table.Append([]string{"  " + j.Name, status, core.FormatDuration(j.Duration), "", j.Error})
		}
	}
	table.Render()
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
