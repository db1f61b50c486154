package fieldsync

import (
	"sort"
)

// Schedule is the outcome of ordering one set of pending actions.
//
// Ready holds the actions to deliver, in delivery order. Deferred holds
// actions whose dependencies cannot be satisfied this pass (a dependency is
// still pending outside the batch, or blocked within it); they stay queued
// for a later pass. Stale holds actions with a terminally failed or
// conflicted dependency; delivering them would build on state that never
// reached the server.
type Schedule struct {
	Ready    []*QueuedAction
	Deferred []*QueuedAction
	Stale    []*QueuedAction
}

// OrderActions produces a delivery order for the given pending actions
// using a topological sort over dependsOn, breaking ties by priority and
// then enqueue time. An action never moves ahead of an undelivered
// dependency, whatever its priority.
//
// external supplies the status of dependencies that are not in the given
// set. A dependency absent from both the set and external is treated as
// satisfied: enqueue-time validation guarantees it existed, so it can only
// have been purged after syncing.
//
// A cycle in the graph is reported as a CycleError and no order is
// produced; it indicates an integrity violation since enqueue-time checks
// reject cycles.
func OrderActions(actions []*QueuedAction, external map[string]ActionStatus) (*Schedule, error) {
	inBatch := make(map[string]*QueuedAction, len(actions))
	for _, a := range actions {
		inBatch[a.ID] = a
	}

	// Classify each action by its out-of-batch dependencies first.
	const (
		eligible = 0
		deferred = 1
		stale    = 2
	)
	class := make(map[string]int, len(actions))
	for _, a := range actions {
		for _, dep := range a.DependsOn {
			if _, ok := inBatch[dep]; ok {
				continue
			}
			switch external[dep] {
			case StatusFailed, StatusConflicted:
				class[a.ID] = stale
			case StatusPending:
				if class[a.ID] == eligible {
					class[a.ID] = deferred
				}
			}
		}
	}

	// An action blocked on an in-batch dependency that will not deliver
	// this pass must wait too. The dependency may still recover (a parked
	// conflict can be resolved), so dependents defer rather than going
	// stale. Propagate until stable.
	for changed := true; changed; {
		changed = false
		for _, a := range actions {
			if class[a.ID] != eligible {
				continue
			}
			for _, dep := range a.DependsOn {
				if _, ok := inBatch[dep]; ok && class[dep] != eligible {
					class[a.ID] = deferred
					changed = true
					break
				}
			}
		}
	}

	schedule := &Schedule{}
	var graph []*QueuedAction
	for _, a := range actions {
		switch class[a.ID] {
		case deferred:
			schedule.Deferred = append(schedule.Deferred, a)
		case stale:
			schedule.Stale = append(schedule.Stale, a)
		default:
			graph = append(graph, a)
		}
	}

	// Kahn's algorithm over the in-batch edges of the eligible subgraph.
	indegree := make(map[string]int, len(graph))
	dependents := make(map[string][]string, len(graph))
	for _, a := range graph {
		for _, dep := range a.DependsOn {
			if _, ok := inBatch[dep]; ok && class[dep] == eligible {
				indegree[a.ID]++
				dependents[dep] = append(dependents[dep], a.ID)
			}
		}
	}

	var ready []*QueuedAction
	for _, a := range graph {
		if indegree[a.ID] == 0 {
			ready = append(ready, a)
		}
	}

	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool {
			if ready[i].Priority != ready[j].Priority {
				return ready[i].Priority < ready[j].Priority
			}
			if !ready[i].EnqueuedAt.Equal(ready[j].EnqueuedAt) {
				return ready[i].EnqueuedAt.Before(ready[j].EnqueuedAt)
			}
			return ready[i].ID < ready[j].ID
		})

		next := ready[0]
		ready = ready[1:]
		schedule.Ready = append(schedule.Ready, next)

		for _, depID := range dependents[next.ID] {
			indegree[depID]--
			if indegree[depID] == 0 {
				ready = append(ready, inBatch[depID])
			}
		}
	}

	if len(schedule.Ready) < len(graph) {
		return nil, findCycle(graph, inBatch, indegree)
	}
	return schedule, nil
}

// findCycle extracts one concrete cycle from the residual nodes left after
// a failed topological sort.
func findCycle(graph []*QueuedAction, inBatch map[string]*QueuedAction, indegree map[string]int) *CycleError {
	residual := make(map[string]bool)
	for _, a := range graph {
		if indegree[a.ID] > 0 {
			residual[a.ID] = true
		}
	}

	// Walk dependsOn edges within the residual set; the set is all cycles
	// and their interconnections, so any walk revisits a node.
	var walk []string
	seen := make(map[string]int)
	var id string
	for rid := range residual {
		id = rid
		break
	}
	for {
		if at, ok := seen[id]; ok {
			return &CycleError{Cycle: append(walk[at:], id)}
		}
		seen[id] = len(walk)
		walk = append(walk, id)
		for _, dep := range inBatch[id].DependsOn {
			if residual[dep] {
				id = dep
				break
			}
		}
	}
}
