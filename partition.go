package aura

// Chunk partitions shard IDs into clusterCount contiguous groups whose
// sizes differ by at most one, with earlier groups never smaller than
// later ones. Fewer than two clusters gets everything in one group.
func Chunk(shardIDs []int, clusterCount int) [][]int {
	if clusterCount < 2 {
		return [][]int{append([]int{}, shardIDs...)}
	}

	chunks := make([][]int, 0, clusterCount)
	remaining := append([]int{}, shardIDs...)
	remainingClusters := clusterCount

	for remainingClusters > 0 && len(remaining) > 0 {
		// ceil(remaining / remainingClusters)
		take := (len(remaining) + remainingClusters - 1) / remainingClusters
		chunks = append(chunks, remaining[:take:take])
		remaining = remaining[take:]
		remainingClusters--
	}
	return chunks
}

// GroupOf maps a cluster to its admission-concurrency group. Members
// of one group consume independent slots of the provider's concurrency
// limit and may establish their sessions simultaneously.
func GroupOf(clusterID, maxConcurrency int) int {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	return clusterID / maxConcurrency
}
