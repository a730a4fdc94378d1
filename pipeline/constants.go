package pipeline

import "time"

// shutdownSentinel is the distinguished value injected as the last item on
// every stage's output channel, the Go analogue of the original's
// `_SHUTDOWN = object()`. Being an unexported empty struct type (rather
// than, say, a nil or a zero value of the data type) it can never collide
// with legitimate user data flowing through a `chan any`.
type shutdownSentinel struct{}

var shutdown any = shutdownSentinel{}

func isShutdown(v any) bool {
	_, ok := v.(shutdownSentinel)
	return ok
}

const (
	defaultQueueSize    = 1
	loopReadyTimeout    = 10 * time.Second
	stopCallerTimeout   = 70 * time.Second
	stopGatherTimeout   = 60 * time.Second
	blockingJoinTimeout = time.Second
)
