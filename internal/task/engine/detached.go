package engine

import (
	"context"
	"errors"
	"fmt"
)

// Unavailable reports whether err means the pool is not accepting work at all,
// as opposed to being momentarily full.
func Unavailable(err error) bool {
	return errors.Is(err, ErrDisabled) || errors.Is(err, ErrStopped) || errors.Is(err, ErrStopping)
}

// RunDetached runs t on its own goroutine and delivers Done through p. Callers
// use it when the pool is disabled or has been stopped by a reload.
func RunDetached(t Task, p Poster) {
	go func() {
		ctx := context.Background()
		cancel := func() {}
		if t.Timeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		}
		var err error
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			err = t.Run(ctx)
		}()
		cancel()
		if t.Done != nil {
			p.Post(func() { t.Done(err) })
		}
	}()
}
