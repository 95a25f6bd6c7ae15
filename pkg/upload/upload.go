// Package upload copies session directories to remote storage.
package upload

import "context"

// Uploader uploads a local session directory to remote storage.
type Uploader interface {
	// Preflight verifies that the remote storage is reachable and writable.
	// Writes a small test object to the bucket to fail fast on misconfiguration.
	Preflight(ctx context.Context) error

	// Upload uploads all files in localDir under the configured prefix
	// joined with remotePath.
	Upload(ctx context.Context, localDir, remotePath string) error

	// Exists reports whether the object at the configured prefix joined
	// with key is present.
	Exists(ctx context.Context, key string) (bool, error)
}
