// Package poselink bridges motion capture devices to animation consumers.
//
// Capture devices stream per-performer pose documents over UDP. poselink
// discovers the performers on each port, registers them as subjects with a
// consumer and forwards every pose as a skeletal animation frame.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│        Capture devices (UDP)        │  hello + pose datagrams
//	└─────────────────────────────────────┘
//	           ↓ per port
//	┌─────────────────────────────────────┐
//	│   transport.Server                  │  rate limiting, peer names,
//	│   (bind, read loop, hello)          │  handshake parsing
//	└─────────────────────────────────────┘
//	           ↓ OnPoseReceived
//	┌─────────────────────────────────────┐
//	│   source.Source                     │  discovery queue, subject
//	│   (lifecycle, poll, translate)      │  registry, rig translation
//	└─────────────────────────────────────┘
//	           ↓ consumer.Consumer
//	┌─────────────────────────────────────┐
//	│   output/natsout  output/websocket  │  JetStream KV + subjects,
//	│   output/file                       │  browser clients, recordings
//	└─────────────────────────────────────┘
//
// # Subject Lifecycle
//
// A pose for an unknown performer name enqueues the name for discovery.
// Each poll drains the queue, creates the subject on the consumer and pushes
// its skeleton definition. Poses for live subjects are translated into
// frames immediately on the read loop. Shutting a source down removes every
// subject it created.
//
// # Packages
//
//   - handshake: hello token parsing (rig, modes, sync rates)
//   - rig: skeleton layout and pose to frame translation
//   - subject: per-source subject registry
//   - discovery: deduplicating queue of names awaiting registration
//   - portregistry: process-wide UDP port ownership
//   - transport: UDP server with per-peer hello tracking
//   - source: one capture port, tying the above together
//   - consumer: the Consumer contract implemented by outputs
//   - output/natsout, output/websocket, output/file: consumers
//   - config: layered JSON/YAML configuration with env overrides
//   - natsclient, metric, health, errors: shared infrastructure
//
// # Running
//
//	./bin/poselink --config configs/poselink.yaml
//	./bin/poselink --config configs/poselink.yaml,configs/local.yaml --log-level debug
//	./bin/poselink --config configs/poselink.yaml --validate
package poselink
