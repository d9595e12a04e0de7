// Package store defines the transactional case store used by the result
// consumer, the forensic sealer, the incident response service and the purge
// service. Implementations live in the memory and postgres subpackages; this
// package must not import database drivers or concrete clients.
package store
