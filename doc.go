// Package floorlink is a message-driven coordination server for RFID
// terminals on a garment-manufacturing shop floor.
//
// Networked terminals publish scan events over MQTT. FloorLink converts
// those events into authorization and workflow decisions: operator
// login/logout at a terminal, and start/stop tracking of production
// bundles moving between terminals.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│            Server                   │  lifecycle, presence,
//	│   (connect, subscribe, shutdown)    │  reconnect supervision
//	└─────────────────────────────────────┘
//	           ↓ delivers messages to
//	┌─────────────────────────────────────┐
//	│           Dispatcher                │  topic classification,
//	│  (heartbeat fast path, worker pool) │  response publication
//	└─────────────────────────────────────┘
//	           ↓ consults
//	┌──────────────────┬──────────────────┐
//	│  Device Registry │  Tracking Engine │  liveness map,
//	│  (terminal map)  │  (decision tree) │  login/bundle rules
//	└──────────────────┴──────────────────┘
//	           ↓ persists through
//	┌─────────────────────────────────────┐
//	│         tracking.Store              │  roster lookups, scans,
//	│      (storage/sqlstore)             │  error log
//	└─────────────────────────────────────┘
//
// Heartbeats are handled inline on the receive path so liveness tracking
// stays responsive under load; every other message goes through a bounded
// worker pool whose concurrency limit is adjusted by the load monitor.
//
// Package layout:
//   - mqttclient: broker session management with explicit reconnect scheduling
//   - dispatch: message classification and routing
//   - registry: terminal liveness and timeout sweeping
//   - tracking: session and bundle decision engine
//   - monitor: message-rate sampling and backpressure
//   - storage/sqlstore: relational persistence collaborator
//   - notify: presentation event feed (websocket fan-out under notify/websocket)
package floorlink
