package sandbox

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

const maxParallelPulls = 2

// EnsureImages makes every image available to rt, pulling at most two at a
// time. All images are attempted; the first failure is returned.
func EnsureImages(ctx context.Context, rt Runtime, images []string) error {
	var g errgroup.Group
	g.SetLimit(maxParallelPulls)
	for _, img := range images {
		g.Go(func() error {
			if err := rt.EnsureImage(ctx, img); err != nil {
				return fmt.Errorf("image %s: %w", img, err)
			}
			return nil
		})
	}
	return g.Wait()
}
