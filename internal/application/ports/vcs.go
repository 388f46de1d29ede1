package ports

import "context"

// GitStatusPort reports a short working-tree status for a directory.
type GitStatusPort interface {
	// Status returns porcelain status text. Directories that are not git
	// repositories return an empty string and no error.
	Status(ctx context.Context, dir string) (string, error)
}
