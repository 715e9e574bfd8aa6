package agentmanager

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/nekoproxy/nekoproxy/internal/repositories"
)

// Notifier pushes sync triggers to agents over the overlay network so
// config mutations propagate immediately instead of waiting for the next
// poll interval. A trigger is advisory: an unreachable agent just picks up
// the change on its regular sync, so failures are logged and dropped.
type Notifier struct {
	agents repositories.AgentRepository
	client *http.Client
	port   int
	logger *zap.Logger
}

// NewNotifier creates a Notifier that POSTs to each healthy agent's control
// API on the given port.
func NewNotifier(agents repositories.AgentRepository, port int, logger *zap.Logger) *Notifier {
	return &Notifier{
		agents: agents,
		client: &http.Client{Timeout: 5 * time.Second},
		port:   port,
		logger: logger.Named("notifier"),
	}
}

// Broadcast asynchronously notifies every healthy agent that its config
// changed. It returns immediately; API handlers call it after a mutation
// commits and must not block on fleet fan-out.
func (n *Notifier) Broadcast() {
	go n.broadcast(context.Background())
}

func (n *Notifier) broadcast(ctx context.Context) {
	agents, err := n.agents.ListHealthy(ctx)
	if err != nil {
		n.logger.Warn("listing healthy agents for sync trigger failed", zap.Error(err))
		return
	}

	for _, agent := range agents {
		url := fmt.Sprintf("http://%s:%d/trigger-sync", agent.WireguardIP, n.port)

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
		if err != nil {
			n.logger.Warn("building sync trigger request failed",
				zap.Uint("agent_id", agent.ID),
				zap.Error(err),
			)
			continue
		}

		resp, err := n.client.Do(req)
		if err != nil {
			n.logger.Warn("sync trigger failed",
				zap.Uint("agent_id", agent.ID),
				zap.String("wireguard_ip", agent.WireguardIP),
				zap.Error(err),
			)
			continue
		}
		resp.Body.Close()

		n.logger.Debug("sync trigger delivered",
			zap.Uint("agent_id", agent.ID),
			zap.String("wireguard_ip", agent.WireguardIP),
			zap.Int("status", resp.StatusCode),
		)
	}
}
