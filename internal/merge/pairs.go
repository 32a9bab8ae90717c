package merge

import (
	"bytes"

	"github.com/google/uuid"
)

// PairRow is one row of an undirected relation. (L, R) and (R, L) are the
// same link.
type PairRow struct {
	Left  uuid.UUID `json:"left"`
	Right uuid.UUID `json:"right"`
}

func (p PairRow) key() [2]uuid.UUID {
	if bytes.Compare(p.Left[:], p.Right[:]) > 0 {
		return [2]uuid.UUID{p.Right, p.Left}
	}
	return [2]uuid.UUID{p.Left, p.Right}
}

func (p PairRow) touches(id uuid.UUID) bool {
	return p.Left == id || p.Right == id
}

func (p PairRow) replace(from, to uuid.UUID) PairRow {
	out := p
	if out.Left == from {
		out.Left = to
	}
	if out.Right == from {
		out.Right = to
	}
	return out
}

// PairRewrite moves row From to the new endpoints in To.
type PairRewrite struct {
	From PairRow `json:"from"`
	To   PairRow `json:"to"`
}

// PairPlan lists the rows to delete and the rows to rewrite. Drops must be
// executed before rewrites.
type PairPlan struct {
	Drop    []PairRow     `json:"drop"`
	Rewrite []PairRewrite `json:"rewrite"`
}

// PlanPairReassignment moves every row touching discarded onto survivor.
// A row is dropped when survivor already links to the same partner or when
// rewriting would link survivor to itself. rows may contain any rows; those
// not touching discarded only count as existing links.
func PlanPairReassignment(rows []PairRow, discarded, survivor uuid.UUID) PairPlan {
	existing := make(map[[2]uuid.UUID]bool, len(rows))
	for _, r := range rows {
		if !r.touches(discarded) {
			existing[r.key()] = true
		}
	}

	var plan PairPlan
	for _, r := range rows {
		if !r.touches(discarded) {
			continue
		}
		next := r.replace(discarded, survivor)
		k := next.key()
		if next.Left == next.Right || existing[k] {
			plan.Drop = append(plan.Drop, r)
			continue
		}
		existing[k] = true
		plan.Rewrite = append(plan.Rewrite, PairRewrite{From: r, To: next})
	}
	return plan
}
