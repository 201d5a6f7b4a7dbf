package host

import (
	"context"
	"log/slog"
	"time"

	"github.com/ggoodman/mcp-host-go/events"
)

// SweepResult lists what a sweep evicted.
type SweepResult struct {
	Sessions []string `json:"sessions,omitempty"`
	Consents []string `json:"consents,omitempty"`
	Clients  []string `json:"clients,omitempty"`
}

// Sweep evicts expired sessions and consent grants and, when an idle timeout
// is configured, unregisters idle clients. The session pass is skipped when
// the previous one ran less than a cleanup interval ago, so Sweep is safe to
// call often.
func (h *Host) Sweep(ctx context.Context) SweepResult {
	res := SweepResult{
		Sessions: h.sessions.CleanupExpiredSessions(ctx),
		Consents: h.consent.Sweep(ctx),
	}
	if h.clientIdle > 0 {
		res.Clients = h.CleanupInactiveClients(ctx, h.clientIdle)
	}
	if len(res.Sessions)+len(res.Consents)+len(res.Clients) > 0 {
		h.log.InfoContext(ctx, "host.sweep",
			slog.Int("sessions", len(res.Sessions)),
			slog.Int("consents", len(res.Consents)),
			slog.Int("clients", len(res.Clients)),
		)
	}
	return res
}

// CleanupInactiveClients unregisters every client idle for longer than
// maxIdle and returns their ids.
func (h *Host) CleanupInactiveClients(ctx context.Context, maxIdle time.Duration) []string {
	var evicted []string
	for _, id := range h.contexts.Idle(maxIdle) {
		h.bus.Publish(events.ClientIdle, map[string]any{
			"client_id": id,
			"max_idle":  maxIdle.String(),
		})
		if h.UnregisterClient(ctx, id) {
			evicted = append(evicted, id)
		}
	}
	return evicted
}

// Run sweeps every cleanup interval until ctx is done.
func (h *Host) Run(ctx context.Context) error {
	t := time.NewTicker(h.sessions.CleanupInterval())
	defer t.Stop()

	h.log.InfoContext(ctx, "host.run.start", slog.Duration("interval", h.sessions.CleanupInterval()))
	for {
		select {
		case <-ctx.Done():
			h.log.InfoContext(ctx, "host.run.stop")
			return nil
		case <-t.C:
			h.Sweep(ctx)
		}
	}
}
