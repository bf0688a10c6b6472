package database

import (
	"time"

	"artmarket-notifier/internal/common/logger"

	"github.com/lib/pq"
)

// Listener is a dedicated connection subscribed to NOTIFY channels.
// A nil value on Notify signals that the connection was re-established and
// notifications may have been missed.
type Listener interface {
	Listen(channel string) error
	Unlisten(channel string) error
	Notify() <-chan *pq.Notification
	Ping() error
	Close() error
}

type pqListener struct {
	l *pq.Listener
}

// NewListener opens a dedicated pq listener connection. Reconnects back off
// from minReconnect up to maxReconnect.
func NewListener(dsn string, minReconnect, maxReconnect time.Duration, log logger.Logger) Listener {
	l := pq.NewListener(dsn, minReconnect, maxReconnect, func(ev pq.ListenerEventType, err error) {
		fields := map[string]interface{}{"event": listenerEventName(ev)}
		if err != nil {
			fields["error"] = err.Error()
			log.Warn("listener connection event", fields)
			return
		}
		log.Debug("listener connection event", fields)
	})
	return &pqListener{l: l}
}

func (p *pqListener) Listen(channel string) error   { return p.l.Listen(channel) }
func (p *pqListener) Unlisten(channel string) error { return p.l.Unlisten(channel) }
func (p *pqListener) Notify() <-chan *pq.Notification {
	return p.l.Notify
}
func (p *pqListener) Ping() error  { return p.l.Ping() }
func (p *pqListener) Close() error { return p.l.Close() }

func listenerEventName(ev pq.ListenerEventType) string {
	switch ev {
	case pq.ListenerEventConnected:
		return "connected"
	case pq.ListenerEventDisconnected:
		return "disconnected"
	case pq.ListenerEventReconnected:
		return "reconnected"
	case pq.ListenerEventConnectionAttemptFailed:
		return "connection_attempt_failed"
	default:
		return "unknown"
	}
}
