// Package ethics provides a rule-based verdict port. Rules declare required
// payload keys and forbidden markers, each with an enforcement level mapped
// onto the orchestrator's closed verdict type; levels are validated at
// construction so a misspelled or novel level is rejected instead of being
// silently ignored at evaluation time.
package ethics
