package async

import (
	"net"

	"go.uber.org/zap"
)

// ConvergenceWaiter blocks until cluster membership has converged.
type ConvergenceWaiter interface {
	WaitToSettle()
}

// SettleGate blocks the initializing goroutine until gossip converges, unless
// the node broadcasts on the loopback address and therefore has no peers.
type SettleGate struct {
	broadcast net.IP
	waiter    ConvergenceWaiter
	logger    *zap.Logger
}

// NewSettleGate creates a gate for the given broadcast address.
func NewSettleGate(broadcast net.IP, waiter ConvergenceWaiter, logger *zap.Logger) *SettleGate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SettleGate{
		broadcast: broadcast,
		waiter:    waiter,
		logger:    logger.Named("settle"),
	}
}

// Settled reports whether the gate is open without waiting.
func (g *SettleGate) Settled() bool {
	return g.broadcast.Equal(LoopbackAddress())
}

// Settle returns immediately on a loopback node and otherwise blocks until
// the waiter reports convergence. There is no timeout.
func (g *SettleGate) Settle() {
	if g.Settled() {
		g.logger.Debug("Broadcast address is loopback, not waiting for gossip to settle")
		return
	}
	g.logger.Info("Waiting for gossip to settle", zap.Stringer("broadcast", g.broadcast))
	if g.waiter != nil {
		g.waiter.WaitToSettle()
	}
	g.logger.Info("Gossip settled")
}

// LoopbackAddress is the address a single-node deployment broadcasts on.
func LoopbackAddress() net.IP {
	return net.IPv4(127, 0, 0, 1)
}
