package cli

import (
	"encoding/json"
	"fmt"
	"io"
)

const (
	formatPretty = "pretty"
	formatJSON   = "json"
)

// emit writes v as indented JSON with --format=json, otherwise through
// pretty.
func (a *app) emit(v any, pretty func(w io.Writer) error) error {
	if a.format == formatJSON {
		enc := json.NewEncoder(a.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	return pretty(a.out)
}

func printf(w io.Writer, format string, args ...any) error {
	_, err := fmt.Fprintf(w, format, args...)
	return err
}
