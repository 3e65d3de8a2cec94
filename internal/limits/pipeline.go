package limits

import (
	"context"
	"fmt"
)

// step is one stage of an operation. A step whose when predicate is false is
// skipped; the pipeline stops as soon as done reports true or a step fails.
type step[C any] struct {
	name string
	when func(*C) bool
	run  func(context.Context, *C) error
}

func runSteps[C any](ctx context.Context, c *C, done func(*C) bool, steps ...step[C]) error {
	for _, st := range steps {
		if done(c) {
			return nil
		}
		if errCtx := ctx.Err(); errCtx != nil {
			return fmt.Errorf("%s: %w", st.name, errCtx)
		}
		if st.when != nil && !st.when(c) {
			continue
		}
		if errRun := st.run(ctx, c); errRun != nil {
			return errRun
		}
	}
	return nil
}
