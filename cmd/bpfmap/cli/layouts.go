package cli

import (
	"context"
	"fmt"

	"github.com/frobware/go-bpfmap"
)

type fieldView struct {
	Name   string `json:"name"`
	Offset uint32 `json:"offset"`
	Size   uint32 `json:"size"`
	Type   string `json:"type"`
}

type layoutView struct {
	Name   string      `json:"name"`
	Size   uint32      `json:"size"`
	Fields []fieldView `json:"fields"`
}

func newLayoutView(l bpfmap.Layout) layoutView {
	v := layoutView{Name: l.Name, Size: l.Size(), Fields: make([]fieldView, 0, len(l.Fields))}
	for _, f := range l.Fields {
		v.Fields = append(v.Fields, fieldView{Name: f.Name, Offset: f.Offset, Size: f.Size, Type: f.Type.String()})
	}
	return v
}

// LayoutsCmd lists configured layouts or shows one resolved layout.
type LayoutsCmd struct {
	OutputFlags
	Name string `arg:"" optional:"" help:"Layout to show. Also searches --btf sources."`
}

// Run executes the layouts command.
func (c *LayoutsCmd) Run(cli *CLI, _ context.Context) error {
	rt, err := cli.NewRuntime()
	if err != nil {
		return err
	}

	if c.Name == "" {
		names := rt.Layouts.Names()
		if len(names) == 0 && c.Format() == OutputFormatTable {
			return cli.PrintOut("No layouts configured\n")
		}
		out, err := formatStrings(names, "NAME", &c.OutputFlags)
		if err != nil {
			return err
		}
		return cli.PrintOut(out)
	}

	l, err := rt.Resolver.Resolve(c.Name)
	if err != nil {
		return err
	}
	view := newLayoutView(l)
	out, err := render(&c.OutputFlags, view, func() string {
		rows := make([][]string, 0, len(view.Fields))
		for _, f := range view.Fields {
			rows = append(rows, []string{f.Name, fmt.Sprint(f.Offset), fmt.Sprint(f.Size), f.Type})
		}
		return fmt.Sprintf("%s (%d bytes)\n", view.Name, view.Size) +
			formatTable([]string{"FIELD", "OFFSET", "SIZE", "TYPE"}, rows)
	})
	if err != nil {
		return err
	}
	return cli.PrintOut(out)
}
