// Command dynacoreutil is a standalone operator tool for inspecting the
// artifacts an engine produces and consumes: frozen persisted-cache files
// (spec.md §6 "Persisted state") and config knob maps (pkg/config). It is
// explicitly not the engine's own entry point (spec.md scopes "configuration
// parsing and CLI" for the engine itself out of core); this mirrors
// google-gvisor's own split between the sentry core and its separate runsc
// command-line front end.
package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"dynacore.dev/dynacore/pkg/config"
	"dynacore.dev/dynacore/pkg/persist"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "dynacoreutil",
		Short: "Inspect dynacore persisted-cache files and validate config",
	}
	root.AddCommand(newInspectCmd())
	root.AddCommand(newValidateConfigCmd())
	return root
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <persisted-cache-file>",
		Short: "Print the header and entry table of a frozen persisted-cache file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("dynacoreutil: %w", err)
			}
			defer f.Close()

			pf, err := persist.Read(f)
			if err != nil {
				return fmt.Errorf("dynacoreutil: reading %s: %w", args[0], err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "module:      %s\n", pf.Header.ModuleID)
			fmt.Fprintf(out, "build id:    %s\n", pf.Header.BuildID)
			fmt.Fprintf(out, "version:     %d\n", pf.Header.Version)
			fmt.Fprintf(out, "entries:     %d\n", len(pf.Entries))
			fmt.Fprintf(out, "cache bytes: %d\n", len(pf.CacheBytes))

			var total uint64
			for _, e := range pf.Entries {
				total += e.Size
			}
			fmt.Fprintf(out, "total fragment bytes: %d\n", total)
			return nil
		},
	}
}

func newValidateConfigCmd() *cobra.Command {
	var setFlags []string
	cmd := &cobra.Command{
		Use:   "validate-config",
		Short: "Validate a set of --set key=value options against pkg/config",
		RunE: func(cmd *cobra.Command, args []string) error {
			m := make(map[string]string, len(setFlags))
			for _, kv := range setFlags {
				k, v, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("dynacoreutil: --set %q is not in key=value form", kv)
				}
				m[k] = v
			}
			opt, err := config.FromMap(m)
			if err != nil {
				return fmt.Errorf("dynacoreutil: %w", err)
			}
			printOptions(cmd, opt)
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&setFlags, "set", nil, "override one option, key=value (repeatable)")
	return cmd
}

func printOptions(cmd *cobra.Command, opt config.Options) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "resolved options:")
	rows := []string{
		fmt.Sprintf("follow_children  = %v", opt.FollowChildren),
		fmt.Sprintf("use_persisted    = %v", opt.UsePersisted),
		fmt.Sprintf("trace_threshold  = %v", opt.TraceThreshold),
		fmt.Sprintf("detach_allowed   = %v", opt.DetachAllowed),
		fmt.Sprintf("live_dump        = %v", opt.LiveDump),
		fmt.Sprintf("external_dump    = %v", opt.ExternalDump),
		fmt.Sprintf("asynch           = %v", opt.Asynch),
	}
	sort.Strings(rows)
	for _, r := range rows {
		fmt.Fprintf(out, "  %s\n", r)
	}
}
