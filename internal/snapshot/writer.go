package snapshot

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"rostermem/internal/common"
	"rostermem/internal/memacc"
)

// Region is one block of process memory to store in a new snapshot.
type Region struct {
	Address  uint64
	Data     []byte
	Space    memacc.Space
	Compress bool
}

// Create writes a new snapshot directory holding regions.
func Create(dir string, info Info, proc ProcessInfo, regions []Region) (*Snapshot, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, common.Wrap(common.ErrFileAccess, err, "create %s", dir)
	}
	if info.Version == "" {
		info.Version = "1.0"
	}

	snap := &Snapshot{Dir: dir, Info: info, Process: proc}
	for i, r := range regions {
		dump := DumpDef{
			Section: fmt.Sprintf("%s%d", DumpFileSectionPrefix, i),
			Address: r.Address,
			Length:  uint64(len(r.Data)),
			Space:   strings.ToLower(r.Space.String()),
			Path:    fmt.Sprintf("region%d.bin", i),
		}
		if r.Space == memacc.SpaceAny || r.Space == 0 {
			dump.Space = ""
		}
		if r.Compress {
			dump.Compression = CompressionZstd
			dump.Path += ".zst"
		}
		if err := writeDump(snap.dumpPath(dump), dump, r.Data); err != nil {
			return nil, err
		}
		snap.Dumps = append(snap.Dumps, dump)
	}

	if err := snap.writeIni(); err != nil {
		return nil, err
	}
	return snap, nil
}

// Save writes the in-memory regions of m back to their dump files. m must
// come from Open with Writable set.
func (s *Snapshot) Save(m *memacc.Mapper) error {
	for _, dump := range s.Dumps {
		buf := findBuffer(m, dump.Address)
		if buf == nil {
			return common.NewErrorWithAddr(common.SevError, common.ErrInvalidParam, dump.Address,
				fmt.Sprintf("[%s] region is not loaded in memory", dump.Section))
		}
		if err := writeDump(s.dumpPath(dump), dump, buf.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

func findBuffer(m *memacc.Mapper, addr uint64) *memacc.BufferAccessor {
	for _, acc := range m.Accessors() {
		if b, ok := acc.(*memacc.BufferAccessor); ok && b.StartAddr() == addr {
			return b
		}
	}
	return nil
}

// writeDump stores data for dump. Uncompressed regions are written in place
// at the dump offset so data sharing the file is kept.
func writeDump(path string, dump DumpDef, data []byte) error {
	if dump.Compression == CompressionZstd {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return common.Wrap(common.ErrFileAccess, err, "create %s", path)
		}
		enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			f.Close()
			return common.Wrap(common.ErrFileAccess, err, "zstd writer %s", path)
		}
		if _, err := enc.Write(data); err != nil {
			enc.Close()
			f.Close()
			return common.Wrap(common.ErrFileAccess, err, "compress %s", path)
		}
		if err := enc.Close(); err != nil {
			f.Close()
			return common.Wrap(common.ErrFileAccess, err, "compress %s", path)
		}
		return f.Close()
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return common.Wrap(common.ErrFileAccess, err, "open %s", path)
	}
	if _, err := f.WriteAt(data, int64(dump.Offset)); err != nil {
		f.Close()
		return common.Wrap(common.ErrFileAccess, err, "write %s", path)
	}
	return f.Close()
}

func (s *Snapshot) writeIni() error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s]\n%s=%s\n", SnapshotSectionName, VersionKey, s.Info.Version)
	if s.Info.Description != "" {
		fmt.Fprintf(&sb, "%s=%s\n", DescriptionKey, s.Info.Description)
	}

	fmt.Fprintf(&sb, "\n[%s]\n", ProcessSectionName)
	if s.Process.ModuleName != "" {
		fmt.Fprintf(&sb, "%s=%s\n", ModuleNameKey, s.Process.ModuleName)
	}
	fmt.Fprintf(&sb, "%s=0x%X\n", ModuleBaseKey, s.Process.ModuleBase)
	if s.Process.Build != "" {
		fmt.Fprintf(&sb, "%s=%s\n", BuildKey, s.Process.Build)
	}

	for _, d := range s.Dumps {
		fmt.Fprintf(&sb, "\n[%s]\n", d.Section)
		fmt.Fprintf(&sb, "%s=%s\n", DumpFileKey, d.Path)
		fmt.Fprintf(&sb, "%s=0x%X\n", DumpAddressKey, d.Address)
		fmt.Fprintf(&sb, "%s=0x%X\n", DumpLengthKey, d.Length)
		if d.Offset != 0 {
			fmt.Fprintf(&sb, "%s=0x%X\n", DumpOffsetKey, d.Offset)
		}
		if d.Space != "" {
			fmt.Fprintf(&sb, "%s=%s\n", DumpSpaceKey, d.Space)
		}
		if d.Compression != CompressionNone {
			fmt.Fprintf(&sb, "%s=%s\n", DumpCompressionKey, d.Compression)
		}
	}

	path := filepath.Join(s.Dir, SnapshotINIFilename)
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		return common.Wrap(common.ErrFileAccess, err, "write %s", path)
	}
	return nil
}
