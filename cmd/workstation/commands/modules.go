package commands

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/yunaamelia/debian-vps-workstation-sub001/pkg/engine"
	"github.com/yunaamelia/debian-vps-workstation-sub001/pkg/modules"
)

func newModulesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "modules",
		Short: "List registered modules",
		Long: `List every registered installation module with its dependencies,
scheduling flags, and whether the configuration enables it.`,
		Example: `  # List modules as a table
  workstation modules

  # List modules as JSON
  workstation modules --json`,
		RunE: runModules,
	}

	return cmd
}

// moduleInfo is the machine-readable modules output.
type moduleInfo struct {
	engine.ModuleDescriptor
	Enabled bool `json:"enabled"`
}

func runModules(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	mods, err := a.planModules(modules.Registered())
	if err != nil {
		return err
	}

	infos := make([]moduleInfo, 0, len(mods))
	for _, m := range mods {
		infos = append(infos, moduleInfo{
			ModuleDescriptor: engine.DescriptorFor(m),
			Enabled:          a.cfg.Modules.IsEnabled(m.Name()),
		})
	}

	if jsonOutput {
		return printJSON(out, infos)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tDEPENDS ON\tPRIORITY\tFLAGS\tENABLED")
	for _, info := range infos {
		dependsOn := "-"
		if len(info.DependsOn) > 0 {
			dependsOn = strings.Join(info.DependsOn, ", ")
		}

		var flags []string
		if info.ForceSequential {
			flags = append(flags, "sequential")
		}
		if info.Mandatory {
			flags = append(flags, "mandatory")
		}
		flagCol := "-"
		if len(flags) > 0 {
			flagCol = strings.Join(flags, ", ")
		}

		enabled := "no"
		if info.Enabled {
			enabled = "yes"
		}

		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", info.Name, dependsOn, info.Priority, flagCol, enabled)
	}
	return tw.Flush()
}
