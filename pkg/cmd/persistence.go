package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/relay/pkg/persistence"
	"github.com/dukex/relay/pkg/persistence/file"
	"github.com/dukex/relay/pkg/persistence/postgresql"
	"github.com/dukex/relay/pkg/persistence/redis"
)

// NewPersistence opens the backend named by the URL scheme. URLs without a
// known scheme are file paths.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	provider := parsePersistenceProvider(databaseURL)

	logger.InfoContext(ctx, "Opening persistence", "provider", provider)

	switch provider {
	case "postgresql":
		p, err := postgresql.NewPersistence(ctx, logger.With("module", "postgresql"), databaseURL)
		if err != nil {
			return nil, err
		}

		return p, nil
	case "redis":
		p, err := redis.NewPersistenceFromURL(ctx, logger.With("module", "redis"), databaseURL)
		if err != nil {
			return nil, err
		}

		return p, nil
	case "file":
		return file.NewPersistence(strings.TrimPrefix(databaseURL, "file://")), nil
	default:
		return nil, fmt.Errorf("unsupported persistence provider: %q", provider)
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
	case "redis", "rediss":
		return "redis"
	case "file":
		return "file"
	default:
		return scheme
	}
}
