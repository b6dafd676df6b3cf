package rowstore

import (
	"encoding/json"

	"github.com/spf13/pflag"
)

// Tables is a tracked table set settable as a JSON flag.
type Tables []Table

var _ pflag.Value = (*Tables)(nil)

// Type implements pflag.Value.
func (Tables) Type() string { return "rowstore.Tables" }

// String implements pflag.Value.
func (tables *Tables) String() string {
	if tables == nil || len(*tables) == 0 {
		return ""
	}
	out, err := json.Marshal(*tables)
	if err != nil {
		return ""
	}
	return string(out)
}

// Set implements pflag.Value.
func (tables *Tables) Set(s string) error {
	if s == "" {
		*tables = nil
		return nil
	}
	parsed := make([]Table, 0)
	if err := json.Unmarshal([]byte(s), &parsed); err != nil {
		return err
	}
	*tables = parsed
	return nil
}
