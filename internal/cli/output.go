package cli

import (
	"encoding/json"
	"fmt"
	"io"
)

// Output formats command results as text or JSON
type Output struct {
	format string
	w      io.Writer
}

// NewOutput creates a new Output formatter
func NewOutput(format string, w io.Writer) *Output {
	return &Output{format: format, w: w}
}

// Result prints data as JSON, or the text summary otherwise
func (o *Output) Result(data any, format string, args ...any) {
	if o.format == "json" {
		enc := json.NewEncoder(o.w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(data)
		return
	}
	fmt.Fprintf(o.w, format+"\n", args...)
}

// Lines prints one text line per row, or rows as JSON
func (o *Output) Lines(data any, rows []string) {
	if o.format == "json" {
		o.Result(data, "")
		return
	}
	for _, row := range rows {
		fmt.Fprintln(o.w, row)
	}
}
