// Package resources tracks per-phase resource allocation, usage, and waste
// governance. Allocations are shaped by a priority curve, usage efficiency is
// clamped to 1.0 with consumption beyond the allocation reported as a
// separate overrun signal, and waste is assessed against per-type thresholds.
// The Port type adapts the tracker to the orchestrator's verdict interface so
// waste breaches can gate phase progression.
package resources
