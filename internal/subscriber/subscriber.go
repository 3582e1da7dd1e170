package subscriber

import (
	"github.com/hongjun500/signal/internal/transport"
	"github.com/hongjun500/signal/pkg/logger"
)

// RegisterAll 把所有内置订阅者注册到事件中心。业务可按需拆分不同订阅集。
func RegisterAll(events *transport.Events) {
	registerLifecycle(events)
	registerAuth(events)
	registerMessages(events)
}

func registerLifecycle(events *transport.Events) {
	events.Subscribe(transport.EventServerStarted, func(e transport.Event) {
		se := e.(*transport.ServerEvent)
		logger.L().Sugar().Infow("server_started", "addr", se.Addr)
	})
	events.Subscribe(transport.EventServerStopped, func(e transport.Event) {
		se := e.(*transport.ServerEvent)
		logger.L().Sugar().Infow("server_stopped", "addr", se.Addr)
	})
	events.Subscribe(transport.EventConnected, func(e transport.Event) {
		ce := e.(*transport.ConnectionEvent)
		logger.L().Sugar().Infow("client_connected", "ip_port", ce.IpPort)
	})
	events.Subscribe(transport.EventDisconnected, func(e transport.Event) {
		ce := e.(*transport.ConnectionEvent)
		logger.L().Sugar().Infow("client_disconnected", "ip_port", ce.IpPort, "reason", ce.Reason.String())
	})
}

func registerAuth(events *transport.Events) {
	events.Subscribe(transport.EventAuthSucceeded, func(e transport.Event) {
		ce := e.(*transport.ConnectionEvent)
		logger.L().Sugar().Debugw("auth_succeeded", "ip_port", ce.IpPort)
	})
	events.Subscribe(transport.EventAuthFailed, func(e transport.Event) {
		ce := e.(*transport.ConnectionEvent)
		logger.L().Sugar().Warnw("auth_failed", "ip_port", ce.IpPort)
	})
}

func registerMessages(events *transport.Events) {
	events.Subscribe(transport.EventBroadcastMessage, func(e transport.Event) {
		be := e.(*transport.BroadcastEvent)
		logger.L().Sugar().Debugw("broadcast_received", "ip_port", be.IpPort, "tag", be.Header.Tag(), "size", len(be.Data))
	})
}
