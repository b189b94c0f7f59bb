package pipeline

// A PhasePlan holds the iteration count of each of the eight schedule
// phases for one rank.
type PhasePlan [8]int

// PlanFor computes the phase iteration counts for a pipeline rank. The
// plan's shape is identical on every rank; only the counts differ, as a
// function of the rank's distance from the nearer pipeline end.
func PlanFor(numRanks, rank, numChunks int) PhasePlan {
	numHalfRanks := numRanks / 2
	halfRank := min(rank, numRanks-1-rank)
	halfChunks := numChunks / 2
	return PhasePlan{
		(numHalfRanks - halfRank - 1) * 2,    // warm-up forward 0
		halfRank + 1,                         // forward 0 & 1
		numHalfRanks - halfRank - 1,          // backward 1 + weight + forward 1
		halfChunks - numRanks + halfRank + 1, // steady state
		numHalfRanks - halfRank - 1,          // backward 1 + forward 1 / backward 0
		halfRank + 1,                         // backward 1 & backward 0
		numHalfRanks - halfRank - 1,          // weight + backward 0
		halfRank + 1,                         // weight drain
	}
}
