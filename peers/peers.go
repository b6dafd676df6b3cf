// Package peers tracks the explicitly configured peer nodes: their addresses,
// per-class sync toggles, and the per-peer watermark/probe state that the
// catch-up machinery advances.
package peers

import (
	"encoding/json"
	"time"

	"github.com/spf13/pflag"
)

// Peer is the static configuration of one peer node. Peers are configured
// explicitly; the engine never discovers or deletes them.
type Peer struct {
	ID      string `yaml:"id" json:"id"`
	Address string `yaml:"address" json:"address"`
	Enabled bool   `yaml:"enabled" json:"enabled"`

	SyncDatabase      bool `yaml:"sync_database" json:"sync_database"`
	SyncInstanceFiles bool `yaml:"sync_instance_files" json:"sync_instance_files"`
	SyncConfigFiles   bool `yaml:"sync_config_files" json:"sync_config_files"`
	SyncUploads       bool `yaml:"sync_uploads" json:"sync_uploads"`
}

// SyncsClass reports whether the peer has the given directory class enabled.
func (p Peer) SyncsClass(class string) bool {
	switch class {
	case ClassInstanceFiles:
		return p.SyncInstanceFiles
	case ClassConfigFiles:
		return p.SyncConfigFiles
	case ClassUploads:
		return p.SyncUploads
	}
	return false
}

// Directory classes subject to file reconciliation.
const (
	ClassInstanceFiles = "instance"
	ClassConfigFiles   = "config"
	ClassUploads       = "uploads"
)

// Status is the mutable per-peer state persisted across restarts.
type Status struct {
	PeerID          string
	LastSync        *time.Time
	LastPing        *time.Time
	LastPingOK      bool
	ReportedVersion string
}

// List is a set of peers settable as a JSON flag.
type List []Peer

var _ pflag.Value = (*List)(nil)

func (List) Type() string { return "peers.List" }

func (l *List) String() string {
	if l == nil || len(*l) == 0 {
		return ""
	}
	out, err := json.Marshal(*l)
	if err != nil {
		return ""
	}
	return string(out)
}

func (l *List) Set(s string) error {
	if s == "" {
		*l = nil
		return nil
	}
	peers := make([]Peer, 0)
	if err := json.Unmarshal([]byte(s), &peers); err != nil {
		return err
	}
	*l = peers
	return nil
}
