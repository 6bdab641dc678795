package handshaker

import (
	"strings"
	"testing"
	"time"

	"github.com/ngrok/handshaker/internal/proto"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	h, clk := newTestHandshaker(100, &mockSender{}, WithMetrics(reg))
	m := h.metrics

	h.SendHandshake(1, testNode, newMockChannel(), time.Second, func(proto.Version, error) {})
	h.SendHandshake(2, testNode, newMockChannel(), time.Second, func(proto.Version, error) {})
	h.SendHandshake(3, testNode, newMockChannel(), time.Second, func(proto.Version, error) {})

	n, err := testutil.GatherAndCount(reg, "handshaker_handshakes_total", "handshaker_pending_handshakes")
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.EqualValues(t, 3, testutil.ToFloat64(m.handshakes))

	h.RemoveHandlerForHandshake(1).HandleResponse(&proto.HandshakeResponse{Version: 90})
	h.RemoveHandlerForHandshake(2).HandleException(errors.New("boom"))
	clk.Step(time.Second)

	require.EqualValues(t, 1, testutil.ToFloat64(m.outcomes.WithLabelValues("success")))
	require.EqualValues(t, 1, testutil.ToFloat64(m.outcomes.WithLabelValues(RemoteFailure.String())))
	require.EqualValues(t, 1, testutil.ToFloat64(m.outcomes.WithLabelValues(Timeout.String())))

	// a second handshaker on the same registry shares the collectors
	h2, _ := newTestHandshaker(100, &mockSender{}, WithMetrics(reg))
	require.Same(t, m.handshakes, h2.metrics.handshakes)
}

func TestPendingGaugeSumsSharedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	h1, _ := newTestHandshaker(100, &mockSender{}, WithMetrics(reg))
	h2, _ := newTestHandshaker(100, &mockSender{}, WithMetrics(reg))

	h1.SendHandshake(1, testNode, newMockChannel(), time.Second, func(proto.Version, error) {})
	h2.SendHandshake(1, testNode, newMockChannel(), time.Second, func(proto.Version, error) {})
	h2.SendHandshake(2, testNode, newMockChannel(), time.Second, func(proto.Version, error) {})

	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP handshaker_pending_handshakes Transport handshakes awaiting a response.
# TYPE handshaker_pending_handshakes gauge
handshaker_pending_handshakes 3
`), "handshaker_pending_handshakes"))
}

func TestMetricsWithoutRegisterer(t *testing.T) {
	h, _ := newTestHandshaker(100, &mockSender{})
	h.SendHandshake(1, testNode, newMockChannel(), time.Second, func(proto.Version, error) {})
	require.EqualValues(t, 1, testutil.ToFloat64(h.metrics.handshakes))
}
