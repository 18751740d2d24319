// Package observe provides the logging, tracing and metrics primitives
// shared by the key ring, the validator, the delegation client and the tool
// host.
//
// Components take a Telemetry value; its zero value is usable and discards
// everything.
package observe
