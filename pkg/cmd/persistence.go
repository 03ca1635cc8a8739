package cmd

import (
	"context"
	"log/slog"
	"strings"

	"github.com/studyhub/automation/pkg/persistence"
	"github.com/studyhub/automation/pkg/persistence/file"
	"github.com/studyhub/automation/pkg/persistence/postgresql"
)

// NewPersistence picks the store from the URL scheme. postgres:// and
// postgresql:// use PostgreSQL; file:// or a bare path use JSON files.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	switch parsePersistenceProvider(databaseURL) {
	case "postgresql":
		return postgresql.NewPersistence(ctx, logger, databaseURL)
	default:
		return file.NewPersistence(strings.TrimPrefix(databaseURL, "file://")), nil
	}
}

func parsePersistenceProvider(databaseURL string) string {
	scheme, _, found := strings.Cut(databaseURL, "://")
	if !found {
		return "file"
	}

	switch scheme {
	case "postgres", "postgresql":
		return "postgresql"
	default:
		return "file"
	}
}
