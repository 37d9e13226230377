package schema

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Document is the parsed schema file: one entry per build version.
type Document struct {
	// Default names the version used when no candidate matches.
	Default   string                `yaml:"default"`
	Versions  map[string]VersionDoc `yaml:"versions"`
	Dropdowns map[string][]string   `yaml:"dropdowns"`
}

// VersionDoc declares the layout of one build. Version keys are comma
// separated labels, e.g. "2K26,NBA2K26.EXE".
type VersionDoc struct {
	GameInfo     GameInfoDoc               `yaml:"game_info"`
	BasePointers map[string]BasePointerDoc `yaml:"base_pointers"`
	Categories   []CategoryDoc             `yaml:"categories"`
	Relations    map[string]RelationDoc    `yaml:"relations"`
	Dropdowns    map[string][]string       `yaml:"dropdowns"`
}

type GameInfoDoc struct {
	Executable string `yaml:"executable"`
	Build      string `yaml:"build"`
}

type BasePointerDoc struct {
	Address     *Num     `yaml:"address"`
	Absolute    bool     `yaml:"absolute"`
	DirectTable bool     `yaml:"direct_table"`
	Chain       []HopDoc `yaml:"chain"`
	FinalOffset Num      `yaml:"final_offset"`
	EndChain    []HopDoc `yaml:"end_chain"`
	Stride      Num      `yaml:"stride"`
	MaxIndex    int      `yaml:"max_index"`
	NameFields  []string `yaml:"name_fields"`
	Scan        *ScanDoc `yaml:"scan"`
}

// HopDoc is a chain step. A bare number is a dereferencing hop.
type HopDoc struct {
	Offset      Num   `yaml:"offset"`
	Dereference *bool `yaml:"dereference"`
	PostAdd     Num   `yaml:"post_add"`
}

func (h *HopDoc) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var n Num
		if err := node.Decode(&n); err != nil {
			return err
		}
		*h = HopDoc{Offset: n}
		return nil
	}
	type plain HopDoc
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*h = HopDoc(p)
	return nil
}

type ScanDoc struct {
	Signatures    []SignatureDoc `yaml:"signatures"`
	MinVotes      int            `yaml:"min_votes"`
	MinConfidence float64        `yaml:"min_confidence"`
	VerifyRecords int            `yaml:"verify_records"`
	ExpectedNames []string       `yaml:"expected_names"`
}

// SignatureDoc is either a hex pattern with ?? wildcards or a text to
// search for in the given encoding.
type SignatureDoc struct {
	Pattern  string `yaml:"pattern"`
	Text     string `yaml:"text"`
	Encoding string `yaml:"encoding"`
	Scope    string `yaml:"scope"`
	Delta    Num    `yaml:"delta"`
	Mode     string `yaml:"mode"`
	BackCalc bool   `yaml:"back_calc"`
	MaxIndex int    `yaml:"max_index"`
}

type CategoryDoc struct {
	Name   string     `yaml:"name"`
	Entity string     `yaml:"entity"`
	Fields []FieldDoc `yaml:"fields"`
}

type FieldDoc struct {
	Name          string   `yaml:"name"`
	Offset        Num      `yaml:"offset"`
	StartBit      *int     `yaml:"start_bit"`
	Length        int      `yaml:"length"`
	Type          string   `yaml:"type"`
	Signed        bool     `yaml:"signed"`
	Encoding      string   `yaml:"encoding"`
	Values        []string `yaml:"values"`
	Dropdown      string   `yaml:"dropdown"`
	PointerTarget string   `yaml:"pointer_target"`
	DerefOffset   *Num     `yaml:"deref_offset"`
	Conversion    string   `yaml:"conversion"`
}

type RelationDoc struct {
	Kind           string   `yaml:"kind"`
	SourceEntity   string   `yaml:"source_entity"`
	SourceCategory string   `yaml:"source_category"`
	IDFields       []string `yaml:"id_fields"`
	TargetEntity   string   `yaml:"target_entity"`
	TargetCategory string   `yaml:"target_category"`
}

// Num is an integer written either as a YAML number or as a string in
// decimal or 0x hex form.
type Num int64

func (n *Num) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a number", node.Line)
	}
	v, err := ParseNum(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*n = v
	return nil
}

// ParseNum parses decimal, 0x hex, 0o octal or 0b binary text, with an
// optional sign.
func ParseNum(text string) (Num, error) {
	s := strings.TrimSpace(text)
	if s == "" {
		return 0, fmt.Errorf("empty number")
	}
	if v, err := strconv.ParseInt(s, 0, 64); err == nil {
		return Num(v), nil
	}
	// addresses above 1<<63 keep their bit pattern
	if v, err := strconv.ParseUint(s, 0, 64); err == nil {
		return Num(v), nil
	}
	return 0, fmt.Errorf("invalid number %q", text)
}

// ParseDocument decodes a YAML or JSON schema document.
func ParseDocument(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}
