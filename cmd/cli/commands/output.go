package commands

import (
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Output formats
const (
	FormatYAML = "yaml"
	FormatJSON = "json"
)

// render prints v in format. JSON responses are re-decoded into generic
// values first so YAML keys follow the API's snake_case names.
func render(w io.Writer, format string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}

	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return err
	}

	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(generic)
	case FormatYAML, "":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(generic)
	default:
		return fmt.Errorf("unknown output format %q (use yaml or json)", format)
	}
}
