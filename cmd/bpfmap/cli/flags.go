package cli

import "strings"

// MapFlags selects the map a command works on.
type MapFlags struct {
	Pin      string `name:"pin" short:"p" xor:"map" help:"Pinned map path. Relative paths are taken from the bpffs root."`
	ID       uint32 `name:"id" xor:"map" help:"Kernel map ID."`
	Struct   string `name:"struct" short:"s" help:"Decode values through this layout."`
	MaxSteps int    `name:"max-steps" help:"Cap on next-key calls per traversal (0 uses the config file, then the default)."`
}

// OutputFormat represents the output format type.
type OutputFormat string

const (
	OutputFormatTable    OutputFormat = "table"
	OutputFormatJSON     OutputFormat = "json"
	OutputFormatJSONPath OutputFormat = "jsonpath"
)

const jsonPathPrefix = "jsonpath="

// OutputFlags provides output formatting flags.
type OutputFlags struct {
	Output string `short:"o" help:"Output format: table, json, jsonpath=EXPR." default:"table"`
}

// Format returns the base format type.
func (f *OutputFlags) Format() OutputFormat {
	switch {
	case f.Output == "json":
		return OutputFormatJSON
	case strings.HasPrefix(f.Output, jsonPathPrefix) && len(f.Output) > len(jsonPathPrefix):
		return OutputFormatJSONPath
	default:
		return OutputFormatTable
	}
}

// JSONPathExpr returns the JSONPath expression if format is jsonpath=EXPR.
func (f *OutputFlags) JSONPathExpr() string {
	if f.Format() == OutputFormatJSONPath {
		return f.Output[len(jsonPathPrefix):]
	}
	return ""
}
