// Package migration applies versioned SQL scripts to a relational database.
//
// Migration files live in a directory and follow the naming convention
// {version}_{description}.sql (e.g. "001_initial_schema.sql"). The package
// provides:
//
//   - a FileScanner that loads and orders migration definitions
//   - a Splitter that turns a script into executable statements without
//     breaking on terminators inside literals, comments or DELIMITER blocks
//   - Classify, which decides whether a failed statement can be ignored,
//     retried without an optional clause, skipped, or is fatal
//   - a TxExecutor that applies one migration inside a transaction and
//     records it in the state store
//   - a Runner that computes the pending set and drives the executor
//
// Re-running against a partially migrated database is safe: errors showing the
// intended end state already holds are absorbed and counted, while anything
// unexpected rolls the migration back.
//
// Example usage:
//
//	runner := migration.NewRunner(scanner, store, executor, migration.RunnerOptions{Dir: "migrations"}, logger)
//	summary, err := runner.Run(ctx)
//	if err != nil {
//		logger.Error("migration failed", "error", err, "failed", summary.Failed)
//	}
package migration
