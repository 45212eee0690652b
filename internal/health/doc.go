// Package health tracks per-model health and owns the dispatch strategy
// for each quota regime.
//
// Fixed-quota models get pre-emptive local rate limiting so quota
// violations never reach the wire; dynamic-shared models get no local
// limiting and instead a jittered exponential backoff schedule for
// capacity errors. Health state is mutated only through RecordOutcome,
// which is safe under concurrent callers.
package health
