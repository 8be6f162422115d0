package main

import (
	"context"
	"fmt"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
)

// resolveRemoteDigest asks the registry for the manifest digest of an
// image reference without downloading any layers.
func resolveRemoteDigest(ctx context.Context, ref string) (string, error) {
	parsed, err := name.ParseReference(ref)
	if err != nil {
		return "", fmt.Errorf("image reference %q parse failed: %w", ref, err)
	}
	desc, err := remote.Head(parsed, remote.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("registry digest lookup for %s failed: %w", ref, err)
	}
	return desc.Digest.String(), nil
}

// imageUpToDate reports whether the locally stored image for ref already
// matches the registry. Any lookup failure counts as "not up to date" so
// the caller falls back to a plain pull.
func (d *daemon) imageUpToDate(ctx context.Context, ref string) bool {
	resolve := d.resolveDigest
	if resolve == nil {
		resolve = resolveRemoteDigest
	}
	remoteDigest, err := resolve(ctx, ref)
	if err != nil || remoteDigest == "" {
		return false
	}
	localDigest, err := d.rt.imageDigest(ctx, ref)
	if err != nil || localDigest == "" {
		return false
	}
	return localDigest == remoteDigest
}
