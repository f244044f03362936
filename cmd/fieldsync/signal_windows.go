//go:build windows

package main

import "context"

func notifyForeground(ctx context.Context, raise func()) {
	<-ctx.Done()
}
