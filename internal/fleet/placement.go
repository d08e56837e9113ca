package fleet

import (
	"sort"

	"github.com/corralhq/corral/internal/models"
)

// Requirement describes what a recording job needs from a recorder.
// EstimatedLoad is the expected transcode weight (roughly the number of
// video streams); it steers GPU placement but is not a capacity unit.
type Requirement struct {
	Region            string
	CodecRequirements []string
	EstimatedLoad     int
	PreferGPU         bool
	MinCores          int
	MinRAMBytes       uint64
}

// SelectRecorder picks the best recorder for the requirement out of the
// candidates, or nil when none qualifies. Pure function: candidates are not
// mutated and no registry state is consulted.
//
// Candidates pass through a filter chain where the soft filters (region,
// codec, GPU preference) fall back to the previous set when they would
// empty it; the availability filter and the minCores/minRAM floors are
// hard. Survivors are scored and the highest score wins, with ties broken
// by lexicographically smaller recorder id.
func SelectRecorder(candidates []*models.RecorderNode, req Requirement) *models.RecorderNode {
	pool := filter(candidates, func(n *models.RecorderNode) bool {
		return n.IsAvailable()
	})
	if len(pool) == 0 {
		return nil
	}

	if req.Region != "" {
		if regional := filter(pool, func(n *models.RecorderNode) bool {
			return n.Region == req.Region
		}); len(regional) > 0 {
			pool = regional
		}
	}

	if len(req.CodecRequirements) > 0 {
		if compatible := filter(pool, func(n *models.RecorderNode) bool {
			return n.SupportsCodecs(req.CodecRequirements)
		}); len(compatible) > 0 {
			pool = compatible
		}
	}

	if req.MinCores > 0 || req.MinRAMBytes > 0 {
		pool = filter(pool, func(n *models.RecorderNode) bool {
			if req.MinCores > 0 && n.Specs.Cores < req.MinCores {
				return false
			}
			if req.MinRAMBytes > 0 && n.Specs.MemoryBytes < req.MinRAMBytes {
				return false
			}
			return true
		})
		if len(pool) == 0 {
			return nil
		}
	}

	if req.PreferGPU {
		if gpus := filter(pool, func(n *models.RecorderNode) bool {
			return n.Specs.HasGPU
		}); len(gpus) > 0 {
			pool = gpus
		}
	}

	// Stable order so equal scores resolve to the smaller id.
	sort.Slice(pool, func(i, j int) bool { return pool[i].ID < pool[j].ID })

	var best *models.RecorderNode
	bestScore := -1.0
	for _, node := range pool {
		if score := scoreRecorder(node, req); score > bestScore {
			bestScore = score
			best = node
		}
	}
	return best
}

// scoreRecorder computes the placement score for one candidate. Clamped at
// zero so a heavily penalized node still competes rather than going
// negative past an idle one's floor.
func scoreRecorder(n *models.RecorderNode, req Requirement) float64 {
	score := n.FreeCapacityRatio() * 40

	if req.Region != "" {
		if n.Region == req.Region {
			score += 25
		} else {
			score -= 10
		}
	}

	// GPU nodes should take heavy transcodes, CPU-only nodes light ones.
	switch {
	case n.Specs.HasGPU && req.EstimatedLoad > 2:
		score += 20
	case !n.Specs.HasGPU && req.EstimatedLoad <= 1:
		score += 10
	}

	cores := float64(n.Specs.Cores) * 2
	if cores > 10 {
		cores = 10
	}
	score += cores

	score -= n.LoadRatio() * 5

	if n.SupportsCodecs(req.CodecRequirements) {
		score += 5
	}

	if score < 0 {
		score = 0
	}
	return score
}

func filter(nodes []*models.RecorderNode, keep func(*models.RecorderNode) bool) []*models.RecorderNode {
	var result []*models.RecorderNode
	for _, n := range nodes {
		if keep(n) {
			result = append(result, n)
		}
	}
	return result
}
