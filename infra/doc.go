// Package infra contains technical adapters: the MQTT transport,
// metrics exporters, history stores and fault monitoring. These
// packages depend only on the interfaces defined in the core packages.
package infra
