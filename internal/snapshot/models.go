package snapshot

import "strings"

// Info stores version and description from snapshot.ini
type Info struct {
	Version     string
	Description string
}

// ProcessInfo describes the process the dumps were taken from.
type ProcessInfo struct {
	ModuleName string
	ModuleBase uint64
	Build      string
}

// DumpDef stores a parsed [dump] section
type DumpDef struct {
	Section     string
	Address     uint64
	Path        string
	Length      uint64
	Offset      uint64
	Space       string
	Compression string
}

// Snapshot is a parsed snapshot directory.
type Snapshot struct {
	Dir     string
	Info    Info
	Process ProcessInfo
	Dumps   []DumpDef
}

// BuildLabels returns the labels a schema version key can be matched
// against: the build string and the module name.
func (s *Snapshot) BuildLabels() []string {
	var labels []string
	for _, l := range []string{s.Process.Build, s.Process.ModuleName} {
		if l = strings.TrimSpace(l); l != "" {
			labels = append(labels, l)
		}
	}
	return labels
}
