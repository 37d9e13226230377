package scanner

import (
	"fmt"
	"slices"
	"strings"
)

// Candidate is a proposed table base and the votes it received.
type Candidate struct {
	Address uint64
	Votes   int
}

func (c Candidate) String() string {
	return fmt.Sprintf("0x%X(%d)", c.Address, c.Votes)
}

// Ballot tallies votes for candidate base addresses.
type Ballot struct {
	votes map[uint64]int
}

func NewBallot() *Ballot {
	return &Ballot{votes: make(map[uint64]int)}
}

func (b *Ballot) Vote(addr uint64) {
	b.votes[addr]++
}

// Len returns the number of distinct candidates.
func (b *Ballot) Len() int { return len(b.votes) }

// Ranked returns candidates by descending votes. Ties go to the higher
// address: back-calculated votes also land on every stride below the real
// base, never above it. Addresses in skip are left out.
func (b *Ballot) Ranked(skip ...uint64) []Candidate {
	out := make([]Candidate, 0, len(b.votes))
	for addr, n := range b.votes {
		if slices.Contains(skip, addr) {
			continue
		}
		out = append(out, Candidate{Address: addr, Votes: n})
	}
	slices.SortFunc(out, func(a, b Candidate) int {
		if a.Votes != b.Votes {
			return b.Votes - a.Votes
		}
		switch {
		case a.Address > b.Address:
			return -1
		case a.Address < b.Address:
			return 1
		}
		return 0
	})
	return out
}

func summarize(cands []Candidate, n int) string {
	if len(cands) > n {
		cands = cands[:n]
	}
	parts := make([]string, len(cands))
	for i, c := range cands {
		parts[i] = c.String()
	}
	return strings.Join(parts, " ")
}
