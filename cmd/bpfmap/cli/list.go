package cli

import (
	"context"
	"fmt"

	"github.com/frobware/go-bpfmap/bpffs"
	"github.com/frobware/go-bpfmap/loader"
)

// ListCmd lists the maps loaded in the kernel.
type ListCmd struct {
	OutputFlags
}

// Run executes the list command.
func (c *ListCmd) Run(cli *CLI, ctx context.Context) error {
	maps := []loader.KernelMap{}
	for km, err := range loader.MapIDs(ctx) {
		if err != nil {
			return err
		}
		maps = append(maps, km)
	}

	if len(maps) == 0 && c.Format() == OutputFormatTable {
		return cli.PrintOut("No maps found\n")
	}

	out, err := render(&c.OutputFlags, maps, func() string {
		rows := make([][]string, 0, len(maps))
		for _, m := range maps {
			rows = append(rows, []string{
				fmt.Sprint(m.ID),
				m.Info.Name,
				m.Info.Type.String(),
				fmt.Sprint(m.Info.KeySize),
				fmt.Sprint(m.Info.ValueSize),
				fmt.Sprint(m.Info.MaxEntries),
			})
		}
		return formatTable([]string{"ID", "NAME", "TYPE", "KEY", "VALUE", "MAX"}, rows)
	})
	if err != nil {
		return err
	}
	return cli.PrintOut(out)
}

type pinView struct {
	Path string `json:"path"`
	Name string `json:"name"`
}

// PinsCmd lists pinned objects.
type PinsCmd struct {
	OutputFlags
	Root   string `arg:"" optional:"" help:"Directory to scan. Defaults to the configured bpffs root."`
	Mounts bool   `name:"mounts" help:"List BPF filesystem mount points instead."`
}

// Run executes the pins command.
func (c *PinsCmd) Run(cli *CLI, ctx context.Context) error {
	rt, err := cli.NewRuntime()
	if err != nil {
		return err
	}

	if c.Mounts {
		mounts, err := bpffs.MountPoints(bpffs.DefaultMountInfoPath)
		if err != nil {
			return err
		}
		out, err := formatStrings(mounts, "MOUNT", &c.OutputFlags)
		if err != nil {
			return err
		}
		return cli.PrintOut(out)
	}

	root := rt.Config.BPFFS.Root
	if c.Root != "" {
		root = rt.Config.PinPath(c.Root)
	}
	if err := bpffs.Check(root); err != nil {
		rt.Logger.Warn("scanning a directory outside the BPF filesystem", "root", root, "error", err)
	}

	scanner := bpffs.NewScanner(root).WithOnError(func(path string, err error) {
		rt.Logger.Debug("skipping unreadable directory", "path", path, "error", err)
	})
	pins := []pinView{}
	for pin, err := range scanner.Pins(ctx) {
		if err != nil {
			return err
		}
		pins = append(pins, pinView{Path: pin.Path, Name: pin.Name})
	}

	if len(pins) == 0 && c.Format() == OutputFormatTable {
		return cli.PrintOutf("No pins found under %s\n", root)
	}

	out, err := render(&c.OutputFlags, pins, func() string {
		rows := make([][]string, 0, len(pins))
		for _, p := range pins {
			rows = append(rows, []string{p.Name, p.Path})
		}
		return formatTable([]string{"NAME", "PATH"}, rows)
	})
	if err != nil {
		return err
	}
	return cli.PrintOut(out)
}

func formatStrings(values []string, header string, flags *OutputFlags) (string, error) {
	return render(flags, values, func() string {
		rows := make([][]string, 0, len(values))
		for _, v := range values {
			rows = append(rows, []string{v})
		}
		return formatTable([]string{header}, rows)
	})
}
