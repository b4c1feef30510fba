// Package reconcile merges a guest's local cart into the authoritative
// remote cart when the user logs in.
//
// The merge is additive: local lines the server lacks are added, lines the
// server already has are resolved by a Policy, and nothing is ever removed
// from the server. The converged cart is always re-read from the server.
package reconcile

import (
	"fmt"

	"cartsync/internal/model"
)

// Policy decides what happens to a line present both locally and remotely.
type Policy string

const (
	// ServerWins keeps the remote quantity. The default.
	ServerWins Policy = "server-wins"
	// SumQuantities sets the remote quantity to local + remote.
	SumQuantities Policy = "sum"
)

// ParsePolicy maps a configuration value to a Policy. Empty means ServerWins.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", ServerWins:
		return ServerWins, nil
	case SumQuantities:
		return SumQuantities, nil
	default:
		return "", fmt.Errorf("unknown merge policy %q", s)
	}
}

// ItemToUpdate is a quantity change for a line both sides hold.
type ItemToUpdate struct {
	Key            model.Key
	LocalQuantity  int
	RemoteQuantity int
	NewQuantity    int
}

// Plan lists the remote writes a merge needs.
type Plan struct {
	ToAdd    []model.LineItem // Local lines the server lacks
	ToUpdate []ItemToUpdate   // Shared lines whose quantities are summed
	Skipped  []model.Key      // Shared lines left as the server has them
}

// IsEmpty returns true if the merge needs no remote writes.
func (p *Plan) IsEmpty() bool {
	return len(p.ToAdd) == 0 && len(p.ToUpdate) == 0
}

// =============================================================================
// MERGE PLANNING
// =============================================================================
//
// A plan is computed from two snapshots and never reads either cart again.
// For each distinct local line:
//
//   absent remotely          -> ToAdd
//   shared, ServerWins       -> Skipped
//   shared, SumQuantities    -> ToUpdate with local + remote
//   shared, already summed   -> Skipped
//
// Remote-only lines never appear in a plan. The merge never removes them.
// =============================================================================

// PlanMerge computes the remote writes that fold local into remote.
// Matching is by identity key only; variant snapshots are not compared.
//
// converged maps each line to the local quantity already folded into the
// remote cart by an earlier merge. Under SumQuantities a shared line whose
// local quantity still equals its converged quantity was already summed and
// is skipped, so merging twice without a local change writes nothing. It
// may be nil.
//
// Plans follow the order of local.
func PlanMerge(local, remote []model.LineItem, policy Policy, converged map[model.Key]int) *Plan {
	plan := &Plan{}

	// Index the server's lines by identity key
	remoteByKey := make(map[model.Key]model.LineItem, len(remote))
	for _, item := range remote {
		remoteByKey[item.Key()] = item
	}

	seen := make(map[model.Key]bool, len(local))
	for _, item := range local {
		key := item.Key()
		// A duplicated local key is planned once, first occurrence wins
		if seen[key] {
			continue
		}
		seen[key] = true

		existing, ok := remoteByKey[key]
		if !ok {
			plan.ToAdd = append(plan.ToAdd, item)
			continue
		}

		// Shared line: the policy decides
		if policy != SumQuantities {
			plan.Skipped = append(plan.Skipped, key)
			continue
		}
		// Summed by an earlier run and unchanged since
		if q, merged := converged[key]; merged && q == item.Quantity {
			plan.Skipped = append(plan.Skipped, key)
			continue
		}
		plan.ToUpdate = append(plan.ToUpdate, ItemToUpdate{
			Key:            key,
			LocalQuantity:  item.Quantity,
			RemoteQuantity: existing.Quantity,
			NewQuantity:    item.Quantity + existing.Quantity,
		})
	}

	return plan
}
