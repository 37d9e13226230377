package snapshot

import (
	"io"
	"sort"
	"strconv"
	"strings"

	"rostermem/internal/common"
	"rostermem/internal/memacc"
)

// Parse reads snapshot.ini content.
func Parse(input io.Reader) (*Snapshot, error) {
	ini, err := parseIni(input)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{}

	if snapSec, ok := ini.sections[SnapshotSectionName]; ok {
		snap.Info.Version = snapSec[VersionKey]
		snap.Info.Description = snapSec[DescriptionKey]
	}
	if v := snap.Info.Version; v != "" && v != "1" && v != "1.0" {
		return nil, common.Errorf(common.ErrSnapshotParse, "illegal snapshot file version: %s", v)
	}

	if procSec, ok := ini.sections[ProcessSectionName]; ok {
		snap.Process.ModuleName = procSec[ModuleNameKey]
		snap.Process.Build = procSec[BuildKey]
		if raw, ok := procSec[ModuleBaseKey]; ok {
			base, err := parseUint(raw)
			if err != nil {
				return nil, common.Errorf(common.ErrSnapshotParse, "[%s] %s: %v", ProcessSectionName, ModuleBaseKey, err)
			}
			snap.Process.ModuleBase = base
		}
	}

	var names []string
	for secName := range ini.sections {
		if strings.HasPrefix(secName, DumpFileSectionPrefix) {
			names = append(names, secName)
		}
	}
	sort.Slice(names, func(i, j int) bool { return dumpOrder(names[i], names[j]) })

	for _, secName := range names {
		dump, err := parseDump(secName, ini.sections[secName])
		if err != nil {
			return nil, err
		}
		snap.Dumps = append(snap.Dumps, dump)
	}

	return snap, nil
}

func parseDump(secName string, secMap map[string]string) (DumpDef, error) {
	dump := DumpDef{Section: secName}
	for _, k := range []struct {
		key string
		dst *uint64
	}{
		{DumpAddressKey, &dump.Address},
		{DumpLengthKey, &dump.Length},
		{DumpOffsetKey, &dump.Offset},
	} {
		raw, ok := secMap[k.key]
		if !ok {
			continue
		}
		v, err := parseUint(raw)
		if err != nil {
			return dump, common.Errorf(common.ErrSnapshotParse, "[%s] %s: %v", secName, k.key, err)
		}
		*k.dst = v
	}
	dump.Path = secMap[DumpFileKey]
	dump.Space = secMap[DumpSpaceKey]
	dump.Compression = strings.ToLower(secMap[DumpCompressionKey])

	if dump.Path == "" {
		return dump, common.Errorf(common.ErrSnapshotParse, "[%s] missing %s", secName, DumpFileKey)
	}
	if _, ok := secMap[DumpAddressKey]; !ok {
		return dump, common.Errorf(common.ErrSnapshotParse, "[%s] missing %s", secName, DumpAddressKey)
	}
	if _, err := memacc.ParseSpace(dump.Space); err != nil {
		return dump, common.Errorf(common.ErrSnapshotParse, "[%s] %v", secName, err)
	}
	switch dump.Compression {
	case CompressionNone:
	case CompressionZstd:
		if dump.Offset != 0 {
			return dump, common.Errorf(common.ErrSnapshotParse, "[%s] compressed dumps cannot use %s", secName, DumpOffsetKey)
		}
	default:
		return dump, common.Errorf(common.ErrSnapshotParse, "[%s] unknown compression %q", secName, dump.Compression)
	}
	return dump, nil
}

// dumpOrder sorts dump sections by numeric suffix, so dump10 follows dump9.
func dumpOrder(a, b string) bool {
	na, errA := strconv.Atoi(strings.TrimPrefix(a, DumpFileSectionPrefix))
	nb, errB := strconv.Atoi(strings.TrimPrefix(b, DumpFileSectionPrefix))
	if errA == nil && errB == nil {
		return na < nb
	}
	return a < b
}

func parseUint(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return strconv.ParseUint(s[2:], 16, 64)
	}
	return strconv.ParseUint(s, 10, 64)
}
