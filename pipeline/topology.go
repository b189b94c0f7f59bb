package pipeline

import "github.com/pkg/errors"

// A Topology describes one participant's position in the dual pipeline.
// It is computed once at construction and never mutated.
//
// Group ranks identify participants in the communication group; pipeline
// ranks are logical positions along the pipeline. The two coincide
// unless an order permutation is given.
type Topology struct {
	// NumRanks is the total number of participants. Always even.
	NumRanks int

	// Rank is this participant's logical pipeline rank.
	Rank int

	// GroupRank is this participant's id in the communication group.
	GroupRank int

	// Group ranks of the pipeline neighbors and endpoints. PrevRank is
	// -1 on the first pipeline rank, NextRank is -1 on the last.
	PrevRank  int
	NextRank  int
	FirstRank int
	LastRank  int

	IsFirst      bool
	IsLast       bool
	IsMiddle     bool
	InSecondHalf bool

	// NumHalfRanks is NumRanks/2; HalfRank is the distance from the
	// nearer end of the pipeline. Together they parameterize the
	// symmetric phase lengths of the schedule.
	NumHalfRanks int
	HalfRank     int
}

// NewTopology derives a participant's pipeline position from the group
// size and its group rank. The optional order argument maps each group
// rank to its pipeline rank; nil means the identity mapping.
func NewTopology(numRanks, groupRank int, order []int) (*Topology, error) {
	if numRanks < 2 || numRanks%2 != 0 {
		return nil, errors.Errorf("number of ranks must be even and positive, got %d", numRanks)
	}
	if groupRank < 0 || groupRank >= numRanks {
		return nil, errors.Errorf("group rank %d out of range for %d ranks", groupRank, numRanks)
	}
	if order == nil {
		order = make([]int, numRanks)
		for i := range order {
			order[i] = i
		}
	} else if len(order) != numRanks {
		return nil, errors.Errorf("rank order has %d entries for %d ranks", len(order), numRanks)
	}

	// inverse maps pipeline rank back to group rank.
	inverse := make([]int, numRanks)
	seen := make([]bool, numRanks)
	for groupID, pipelineRank := range order {
		if pipelineRank < 0 || pipelineRank >= numRanks || seen[pipelineRank] {
			return nil, errors.Errorf("rank order is not a permutation of 0..%d", numRanks-1)
		}
		seen[pipelineRank] = true
		inverse[pipelineRank] = groupID
	}

	rank := order[groupRank]
	t := &Topology{
		NumRanks:     numRanks,
		Rank:         rank,
		GroupRank:    groupRank,
		PrevRank:     -1,
		NextRank:     -1,
		FirstRank:    inverse[0],
		LastRank:     inverse[numRanks-1],
		IsFirst:      rank == 0,
		IsLast:       rank == numRanks-1,
		InSecondHalf: rank >= numRanks/2,
		IsMiddle:     numRanks > 2 && (rank == numRanks/2-1 || rank == numRanks/2),
		NumHalfRanks: numRanks / 2,
		HalfRank:     min(rank, numRanks-1-rank),
	}
	if rank > 0 {
		t.PrevRank = inverse[rank-1]
	}
	if rank < numRanks-1 {
		t.NextRank = inverse[rank+1]
	}
	return t, nil
}
