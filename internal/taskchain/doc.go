// Package taskchain defines sessions, task chains and task items, together
// with the item lifecycle that the orchestrator drives.
//
// A chain is created from one generated plan and executed strictly in step
// order, one item at a time. Items move through an eight-state lifecycle:
//
//	PENDING -> READY -> PROMPTED -> WAITING_CLIENT -> SUCCESS
//	                                     |
//	                                     +-> FAILED -> RETRYING -> PENDING
//	                                            |
//	                                            +-> READY (re-selected)
//
// SUCCESS and SKIPPED are terminal.
package taskchain
