package setup

import (
	"context"
	"fmt"

	"github.com/njoerd114/yadiskd/internal/remote"
)

// PingRemote verifies connectivity and authentication against the remote
// object store by fetching the sync root's metadata.
func PingRemote(ctx context.Context, baseURL, authToken, remoteRoot string) error {
	client := remote.NewHTTPClient(baseURL, remote.NewStaticTokenProvider(authToken))
	if _, err := client.GetResource(ctx, remoteRoot); err != nil {
		return fmt.Errorf("fetching %s: %w", remoteRoot, err)
	}
	return nil
}
