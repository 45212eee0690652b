// Package dag provides the dependency graph the orchestrator schedules
// from: string-keyed nodes, directed edges, cycle detection, and adjacency
// queries. It knows nothing about stages or artifacts.
package dag
