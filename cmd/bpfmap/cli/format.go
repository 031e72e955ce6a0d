package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"k8s.io/client-go/util/jsonpath"

	"github.com/frobware/go-bpfmap"
)

// jsonValue converts v into plain data for encoding/json. Raw bytes
// become 0x-prefixed hex strings and structs become objects.
func jsonValue(v bpfmap.Value) any {
	switch v := v.(type) {
	case bpfmap.Bytes:
		return v.String()
	case bpfmap.Int:
		return int64(v)
	case bpfmap.Uint:
		return uint64(v)
	case bpfmap.Text:
		return string(v)
	case bpfmap.Fields:
		obj := make(map[string]any, len(v))
		for _, f := range v {
			obj[f.Name] = jsonValue(f.Value)
		}
		return obj
	default:
		return nil
	}
}

// textValue renders v for table output.
func textValue(v bpfmap.Value) string {
	if v == nil {
		return "-"
	}
	if t, ok := v.(bpfmap.Text); ok {
		return string(t)
	}
	return fmt.Sprint(v)
}

type entryView struct {
	Key   any `json:"key"`
	Value any `json:"value"`
}

func entryViews(entries []bpfmap.Entry) []entryView {
	views := make([]entryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, entryView{Key: jsonValue(e.Key), Value: jsonValue(e.Value)})
	}
	return views
}

func formatJSON(v any) (string, error) {
	output, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal result: %w", err)
	}
	return string(output) + "\n", nil
}

func formatJSONPath(v any, expr string) (string, error) {
	jp := jsonpath.New("output")
	if err := jp.Parse(expr); err != nil {
		return "", fmt.Errorf("invalid jsonpath expression %q: %w", expr, err)
	}

	// jsonpath walks generic values, not our structs.
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal: %w", err)
	}
	var data any
	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return "", fmt.Errorf("failed to unmarshal: %w", err)
	}

	var buf bytes.Buffer
	if err := jp.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("jsonpath execution failed: %w", err)
	}
	return buf.String() + "\n", nil
}

// render formats v per flags. table produces the table form.
func render(flags *OutputFlags, v any, table func() string) (string, error) {
	switch flags.Format() {
	case OutputFormatJSON:
		return formatJSON(v)
	case OutputFormatJSONPath:
		return formatJSONPath(v, flags.JSONPathExpr())
	default:
		return table(), nil
	}
}

// formatTable lays out rows in aligned columns under header.
func formatTable(header []string, rows [][]string) string {
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(header, "\t"))
	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	w.Flush()
	return b.String()
}

func formatEntries(entries []bpfmap.Entry, flags *OutputFlags) (string, error) {
	return render(flags, entryViews(entries), func() string {
		rows := make([][]string, 0, len(entries))
		for _, e := range entries {
			rows = append(rows, []string{textValue(e.Key), textValue(e.Value)})
		}
		return formatTable([]string{"KEY", "VALUE"}, rows)
	})
}

func formatValues(values []bpfmap.Value, header string, flags *OutputFlags) (string, error) {
	views := make([]any, 0, len(values))
	for _, v := range values {
		views = append(views, jsonValue(v))
	}
	return render(flags, views, func() string {
		rows := make([][]string, 0, len(values))
		for _, v := range values {
			rows = append(rows, []string{textValue(v)})
		}
		return formatTable([]string{header}, rows)
	})
}
