package memacc

import (
	"fmt"
	"strings"
)

// Space classifies a mapped region of the target process. Signatures declare
// the spaces they are searched in.
type Space uint32

const (
	SpaceModule Space = 0x1 // image of the main executable module
	SpaceHeap   Space = 0x2 // private allocations
	SpaceOther  Space = 0x4 // anything else (stacks, mapped files)

	SpaceAny Space = 0xFF
)

func (s Space) String() string {
	if s == SpaceAny {
		return "Any"
	}
	var parts []string
	if s&SpaceModule != 0 {
		parts = append(parts, "Module")
	}
	if s&SpaceHeap != 0 {
		parts = append(parts, "Heap")
	}
	if s&SpaceOther != 0 {
		parts = append(parts, "Other")
	}
	if len(parts) == 0 {
		return "None"
	}
	return strings.Join(parts, ",")
}

// ParseSpace accepts a comma separated list of module, heap, other or any.
// An empty string is SpaceAny.
func ParseSpace(text string) (Space, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return SpaceAny, nil
	}
	var s Space
	for _, tok := range strings.Split(text, ",") {
		switch strings.ToLower(strings.TrimSpace(tok)) {
		case "module", "image":
			s |= SpaceModule
		case "heap":
			s |= SpaceHeap
		case "other":
			s |= SpaceOther
		case "any", "process":
			s |= SpaceAny
		default:
			return 0, fmt.Errorf("unknown memory space %q", tok)
		}
	}
	return s, nil
}
