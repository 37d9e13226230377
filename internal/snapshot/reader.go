package snapshot

import (
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"rostermem/internal/common"
	"rostermem/internal/memacc"
)

// Load parses snapshot.ini in dir.
func Load(dir string) (*Snapshot, error) {
	iniPath := filepath.Join(dir, SnapshotINIFilename)
	file, err := os.Open(iniPath)
	if err != nil {
		return nil, common.Wrap(common.ErrFileAccess, err, "open %s", iniPath)
	}
	defer file.Close()

	snap, err := Parse(file)
	if err != nil {
		return nil, err
	}
	snap.Dir = dir
	return snap, nil
}

// OpenOptions controls how dump regions are mapped.
type OpenOptions struct {
	// Writable loads every region into memory so it can be modified and
	// saved back. Otherwise uncompressed regions are read from disk.
	Writable bool
	Cache    bool
}

// Open builds a memory channel over the snapshot's dump regions.
func (s *Snapshot) Open(opts OpenOptions) (*memacc.Mapper, error) {
	m := memacc.NewMapper()
	m.SetModuleBase(s.Process.ModuleBase)
	m.EnableCaching(opts.Cache)

	for _, dump := range s.Dumps {
		acc, err := s.openDump(dump, opts.Writable)
		if err != nil {
			m.Close()
			return nil, err
		}
		if err := m.AddAccessor(acc); err != nil {
			m.Close()
			return nil, err
		}
	}
	return m, nil
}

func (s *Snapshot) openDump(dump DumpDef, writable bool) (memacc.Accessor, error) {
	space, _ := memacc.ParseSpace(dump.Space)
	path := s.dumpPath(dump)

	if dump.Compression == CompressionNone && !writable {
		return memacc.NewFileAccessor(path, dump.Address, int64(dump.Offset), int64(dump.Length), space)
	}

	data, err := readDump(path, dump)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, common.Errorf(common.ErrMemAccRangeInvalid, "[%s] empty region", dump.Section)
	}
	return memacc.NewBufferAccessor(dump.Address, data, space), nil
}

func (s *Snapshot) dumpPath(dump DumpDef) string {
	if filepath.IsAbs(dump.Path) {
		return dump.Path
	}
	return filepath.Join(s.Dir, dump.Path)
}

// readDump loads the region bytes described by dump into memory.
func readDump(path string, dump DumpDef) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, common.Wrap(common.ErrFileAccess, err, "open dump %s", path)
	}
	defer f.Close()

	var data []byte
	switch dump.Compression {
	case CompressionZstd:
		dec, err := zstd.NewReader(f)
		if err != nil {
			return nil, common.Wrap(common.ErrFileAccess, err, "zstd reader %s", path)
		}
		defer dec.Close()
		data, err = io.ReadAll(dec)
		if err != nil {
			return nil, common.Wrap(common.ErrFileAccess, err, "decompress %s", path)
		}
	default:
		if _, err := f.Seek(int64(dump.Offset), io.SeekStart); err != nil {
			return nil, common.Wrap(common.ErrFileAccess, err, "seek %s", path)
		}
		data, err = io.ReadAll(f)
		if err != nil {
			return nil, common.Wrap(common.ErrFileAccess, err, "read %s", path)
		}
	}

	if dump.Length != 0 {
		if uint64(len(data)) < dump.Length {
			return nil, common.Errorf(common.ErrMemAccRangeInvalid, "[%s] %s holds %d bytes, length is %d", dump.Section, path, len(data), dump.Length)
		}
		data = data[:dump.Length]
	}
	return data, nil
}
