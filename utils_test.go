package handshaker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/ngrok/handshaker/internal/proto"
)

var l = log15.New()

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

// recordingListener is a Listener that fails the test if it is called more
// than once.
type recordingListener struct {
	t *testing.T

	mu      sync.Mutex
	calls   int
	version proto.Version
	err     error
	doneC   chan struct{}
}

func newRecordingListener(t *testing.T) *recordingListener {
	return &recordingListener{t: t, doneC: make(chan struct{})}
}

func (r *recordingListener) listen(version proto.Version, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.calls > 1 {
		r.t.Errorf("listener called %d times; second call with (%v, %v)", r.calls, version, err)
		return
	}
	r.version, r.err = version, err
	close(r.doneC)
}

func (r *recordingListener) wait() (proto.Version, error) {
	r.t.Helper()
	select {
	case <-r.doneC:
	case <-time.After(5 * time.Second):
		r.t.Fatalf("listener was not called")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version, r.err
}

func (r *recordingListener) numCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}
