package snapshot

import (
	"bufio"
	"io"
	"strings"

	"rostermem/internal/common"
)

// iniFile maps lower-cased section names to their keys, also lower-cased.
// Keys before the first section are kept under "".
type iniFile struct {
	sections map[string]map[string]string
}

// parseIni reads snapshot.ini content. Lines starting with ';' or '#' are
// comments and values may be wrapped in double quotes. A line that is
// neither a section, a comment nor key=value is an error.
func parseIni(r io.Reader) (*iniFile, error) {
	ini := &iniFile{sections: map[string]map[string]string{"": {}}}
	sc := bufio.NewScanner(r)
	section := ""
	for lineNo := 1; sc.Scan(); lineNo++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] == ';' || line[0] == '#' {
			continue
		}
		if line[0] == '[' {
			if !strings.HasSuffix(line, "]") {
				return nil, common.Errorf(common.ErrSnapshotParse, "line %d: unterminated section %q", lineNo, line)
			}
			section = strings.ToLower(strings.TrimSpace(line[1 : len(line)-1]))
			if ini.sections[section] == nil {
				ini.sections[section] = make(map[string]string)
			}
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			return nil, common.Errorf(common.ErrSnapshotParse, "line %d: expected key=value, got %q", lineNo, line)
		}
		val = strings.TrimSpace(val)
		if len(val) >= 2 && val[0] == '"' && val[len(val)-1] == '"' {
			val = val[1 : len(val)-1]
		}
		ini.sections[section][strings.ToLower(strings.TrimSpace(key))] = val
	}
	if err := sc.Err(); err != nil {
		return nil, common.Wrap(common.ErrSnapshotParse, err, "read snapshot.ini")
	}
	return ini, nil
}
