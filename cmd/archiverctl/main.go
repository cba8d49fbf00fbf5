// Command archiverctl is the presentation/shell layer the engine spec
// describes as out of scope: a thin cobra CLI driving add_repo, list_repos,
// enqueue_update(_all), reconcile, archive management, settings, and the
// legacy importer against a locally wired App.
package main

import (
	"log/slog"
	"os"
)

func main() {
	if err := Execute(); err != nil {
		slog.Error("archiverctl failed", "error", err)
		os.Exit(1)
	}
}
