// Package review implements the Human Review Gate manager: pending review
// requests with SLA deadlines, an ordered escalation chain, and a background
// scheduler that escalates breached requests. The manager fails closed — a
// request that times out at its final escalation level never authorizes the
// owning phase to continue.
package review
