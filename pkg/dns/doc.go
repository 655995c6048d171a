/*
Package dns keeps a pool's name-service records in line with its membership.

DDNSDirectory talks to the zone master with RFC 2136 dynamic updates over
TCP, signed with the zone's TSIG keys: the forward key for A records in the
zone domain and the reverse key for PTR records. Reverse zones are assumed
to be delegated per /24, so 10.1.2.3 lives in 2.1.10.in-addr.arpa.

Auditor runs four independent checks for one pool:

 1. every address under the pool alias belongs to a member (stale-alias)
 2. every member address is under the alias (missing-alias)
 3. every member address reverse-resolves to exactly the member name (reverse)
 4. every member name resolves to exactly the member address (forward)

Each discrepancy is an error entry in the AuditLog. With fix set the
auditor corrects it in place; a failed correction is recorded and the
remaining checks still run.
*/
package dns
