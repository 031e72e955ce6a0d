package cli_test

import (
	"errors"
	"io"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-bpfmap/cmd/bpfmap/cli"
)

// failingWriter succeeds for the first budget bytes, then fails with
// failErr. With shortWriteEvery > 0 every Nth call writes one byte and
// reports no error.
type failingWriter struct {
	budget          int
	failErr         error
	shortWriteEvery int
	writes          int
}

func (w *failingWriter) Write(p []byte) (int, error) {
	w.writes++
	if w.shortWriteEvery > 0 && w.writes%w.shortWriteEvery == 0 {
		if len(p) == 0 {
			return 0, nil
		}
		return 1, nil
	}
	if w.budget <= 0 {
		return 0, w.failErr
	}
	if len(p) <= w.budget {
		w.budget -= len(p)
		return len(p), nil
	}
	n := w.budget
	w.budget = 0
	return n, w.failErr
}

var _ io.Writer = (*failingWriter)(nil)

func TestCLIWriteOut_PropagatesENOSPC(t *testing.T) {
	c := &cli.CLI{Out: &failingWriter{budget: 0, failErr: syscall.ENOSPC}}
	err := c.WriteOut([]byte("x"))
	require.True(t, errors.Is(err, syscall.ENOSPC))
}

func TestCLIWriteOut_TreatsShortWriteAsError(t *testing.T) {
	c := &cli.CLI{Out: &failingWriter{budget: 10, failErr: syscall.ENOSPC, shortWriteEvery: 1}}
	err := c.WriteOut([]byte("hello"))
	require.ErrorIs(t, err, io.ErrShortWrite)
}

func TestCLIWriteOut_PartialThenFailReturnsENOSPC(t *testing.T) {
	c := &cli.CLI{Out: &failingWriter{budget: 3, failErr: syscall.ENOSPC}}
	err := c.WriteOut([]byte("hello"))
	require.True(t, errors.Is(err, syscall.ENOSPC))
}

func TestCLIPrintOut_PropagatesError(t *testing.T) {
	c := &cli.CLI{Out: &failingWriter{budget: 0, failErr: syscall.EPIPE}}
	err := c.PrintOut("test output")
	require.True(t, errors.Is(err, syscall.EPIPE))
}

func TestCLIPrintOutf_PropagatesError(t *testing.T) {
	c := &cli.CLI{Out: &failingWriter{budget: 0, failErr: syscall.EPIPE}}
	err := c.PrintOutf("test %s", "output")
	require.True(t, errors.Is(err, syscall.EPIPE))
}

func TestOutputFlags_Format(t *testing.T) {
	tests := []struct {
		output string
		format cli.OutputFormat
		expr   string
	}{
		{"table", cli.OutputFormatTable, ""},
		{"json", cli.OutputFormatJSON, ""},
		{"jsonpath={.name}", cli.OutputFormatJSONPath, "{.name}"},
		{"jsonpath=", cli.OutputFormatTable, ""},
		{"yaml", cli.OutputFormatTable, ""},
	}

	for _, tt := range tests {
		t.Run(tt.output, func(t *testing.T) {
			f := cli.OutputFlags{Output: tt.output}
			assert.Equal(t, tt.format, f.Format())
			assert.Equal(t, tt.expr, f.JSONPathExpr())
		})
	}
}
