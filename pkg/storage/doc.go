/*
Package storage persists conductor state and provides the only
cross-process mutual-exclusion primitive Ferro has: the host-qualified
reservation column on the node record.

# Contract

Two guarantees matter more than the CRUD surface:

  - ReserveNode is an atomic compare-and-set. Any number of claims on
    the same node see exactly one success; every loser receives
    ferroerr.NodeLocked naming the holder, including a second claim
    from the holder's own host. Reservations leaked by a crash are
    recovered through TakeOverReservations at startup, not by
    re-claiming.
  - AttachAllocation links an allocation to a node and activates it in
    one transaction. The reservation lock serializes driver operations,
    not this row, so the linkage re-checks instance_uuid and fails with
    ferroerr.NodeAssociated when another allocation raced in first.

ListNodes applies its Filter at the storage layer; the allocation
matcher's candidate query must not degrade into a full scan plus
in-memory filtering on the SQL backend.

# Backends

BoltStore (bbolt) is the embedded default and the test double: its
transactions give the same race-detection behavior as the SQL store.
PGStore (pgx) is the shared production backend; preconditions are
enforced with guarded UPDATEs where zero affected rows means the race
was lost.
*/
package storage
