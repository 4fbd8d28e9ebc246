package httpapi

import (
	"context"
	"errors"
	"testing"
	"time"
)

func waitDone(t *testing.T, ctx context.Context, what string) {
	t.Helper()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatalf("%s: context not cancelled", what)
	}
}

func TestChatContextFollowsServerShutdown(t *testing.T) {
	base, stop := context.WithCancel(context.Background())
	SetBaseContext(base)
	t.Cleanup(func() { SetBaseContext(context.Background()) })
	SetChatTimeoutSeconds(0)

	ctx, cancel := chatContext(context.Background())
	defer cancel()
	if _, ok := ctx.Deadline(); ok {
		t.Fatalf("no chat timeout configured, deadline should be unset")
	}
	stop()
	waitDone(t, ctx, "server shutdown")
}

func TestChatContextFollowsClientDisconnect(t *testing.T) {
	SetBaseContext(context.Background())
	req, disconnect := context.WithCancel(context.Background())
	ctx, cancel := chatContext(req)
	defer cancel()
	disconnect()
	waitDone(t, ctx, "client disconnect")
}

func TestChatContextAppliesTimeout(t *testing.T) {
	SetBaseContext(context.Background())
	SetChatTimeoutSeconds(1)
	t.Cleanup(func() { SetChatTimeoutSeconds(0) })

	ctx, cancel := chatContext(context.Background())
	defer cancel()
	dl, ok := ctx.Deadline()
	if !ok || time.Until(dl) > time.Second {
		t.Fatalf("deadline=%v ok=%v", dl, ok)
	}
	waitDone(t, ctx, "chat timeout")
	if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		t.Fatalf("err=%v", ctx.Err())
	}
}

func TestJoinContextsReleasedByCancel(t *testing.T) {
	a, b := context.Background(), context.Background()
	j, cancel := joinContexts(a, b)
	cancel()
	waitDone(t, j, "own cancel")
}
