package handshaker

import (
	"strconv"

	cmap "github.com/orcaman/concurrent-map"
	"github.com/pkg/errors"
)

var errDuplicateRequestID = errors.New("handshake already pending for request id")

// pendingTable maps request ids to the handlers of handshakes in flight. It
// is only a lookup aid: whether a handshake has completed is decided by the
// handler's own state guard.
type pendingTable struct {
	m cmap.ConcurrentMap
}

func newPendingTable() *pendingTable {
	return &pendingTable{m: cmap.New()}
}

func pendingKey(requestID int64) string {
	return strconv.FormatInt(requestID, 10)
}

// add registers handler under requestID. It is an error for the id to be
// pending already.
func (p *pendingTable) add(requestID int64, handler *responseHandler) error {
	if !p.m.SetIfAbsent(pendingKey(requestID), handler) {
		return errors.Wrapf(errDuplicateRequestID, "[%d]", requestID)
	}
	return nil
}

// remove deletes and returns the handler for requestID, or nil if it was not
// pending.
func (p *pendingTable) remove(requestID int64) *responseHandler {
	v, ok := p.m.Pop(pendingKey(requestID))
	if !ok {
		return nil
	}
	return v.(*responseHandler)
}

func (p *pendingTable) size() int {
	return p.m.Count()
}

// removeIf deletes requestID only while it still maps to handler, and reports
// whether it did.
func (p *pendingTable) removeIf(requestID int64, handler *responseHandler) bool {
	return p.m.RemoveCb(pendingKey(requestID), func(key string, v interface{}, exists bool) bool {
		return exists && v == handler
	})
}
