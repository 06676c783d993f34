package adminhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/conduit-lang/lspgateway/internal/events"
	"github.com/conduit-lang/lspgateway/internal/web/auth"
	"github.com/conduit-lang/lspgateway/internal/web/websocket"
)

// eventBridge fans internal/events.Bus events out to every connected admin
// websocket client over the hub's plain fan-out broadcaster, with exactly
// one direction of traffic: server to observer.
type eventBridge struct {
	bus    *events.Bus
	hub    *websocket.Hub
	logger *zap.Logger
}

func newEventBridge(bus *events.Bus, logger *zap.Logger) *eventBridge {
	return &eventBridge{bus: bus, logger: logger}
}

// run subscribes to the bus and forwards every event to the hub until ctx
// is canceled, at which point the hub and subscription are torn down.
func (b *eventBridge) run(ctx context.Context) {
	b.hub = websocket.NewHub(ctx)
	go b.hub.Run()

	sub := b.bus.Subscribe(64)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			b.hub.Shutdown()
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				b.logger.Warn("adminhttp: marshal event for websocket", zap.Error(err))
				continue
			}
			b.hub.Broadcast(&websocket.Message{Type: string(ev.Kind), Data: payload})
		}
	}
}

// upgradeHandler authenticates the admin token (query param or header, per
// the teacher's own TokenExtractor convention) before upgrading, then hands
// the connection to the hub.
func (b *eventBridge) upgradeHandler(authSvc *auth.AuthService) http.HandlerFunc {
	cfg := websocket.DefaultConfig()
	cfg.TokenExtractor = func(r *http.Request) string {
		if t := r.URL.Query().Get("token"); t != "" {
			return t
		}
		return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if b.hub == nil {
			http.Error(w, "event bridge not running", http.StatusServiceUnavailable)
			return
		}
		if cfg.TokenExtractor(r) == "" {
			http.Error(w, "token required", http.StatusUnauthorized)
			return
		}
		b.hub.SetAuthHandler(func(ctx context.Context, token string) (string, error) {
			claims, err := authSvc.ValidateToken(token)
			if err != nil {
				return "", err
			}
			userID, _ := claims["user_id"].(string)
			return userID, nil
		})
		upgrader := websocket.NewUpgrader(cfg, b.hub)
		upgrader.ServeHTTP(w, r)
	}
}
