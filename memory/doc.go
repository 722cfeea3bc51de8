// Package memory implements the semantic-memory engine for a coding
// assistant: durable facts ("entities") and bounded work sessions
// ("episodes") stored with vector embeddings for later recall.
//
// Architecture:
//   - Store: vector storage backend (chromem-go implementation in the store
//     package), one collection per tier
//   - Encoder: text-to-vector conversion (out-of-process worker behind the
//     encoder.Supervisor)
//   - Extractor: rule-driven entity detection (extract package)
//   - Manager: orchestrates the episode lifecycle, extraction routing,
//     recall and maintenance
//
// Storage is split into two tiers: user-level records (Preference, Concept,
// Habit) live in a per-user collection shared across projects; everything
// else (Decision, File, Architecture, Episode) is project-local.
//
// The semantic layer is optional at runtime: when the embedding worker is
// unavailable every durable path (message logging, episode bookkeeping)
// still succeeds, and reads degrade to keyword matching.
package memory
