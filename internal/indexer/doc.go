// Package indexer populates a vector store from a directory of markdown
// and MDX documents.
//
// A run discovers eligible files under a root, then chunks, embeds and
// upserts each document independently on a bounded worker pool. Parse
// problems and embedding failures degrade a single document or chunk and
// are recorded in the Report; store failures abort the run.
//
// Every document is tracked in the store's source catalog so that
// re-indexing removes chunks a document no longer produces, and so that
// unchanged documents can be skipped and vanished documents pruned.
package indexer
