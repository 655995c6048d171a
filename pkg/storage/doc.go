/*
Package storage persists lifeguard state behind the Store interface.

Two backends exist. BoltStore keeps everything in a single bbolt file under
the data directory, one bucket per record kind, values encoded as JSON. The
postgres sub-package keeps the same records in PostgreSQL for deployments
that run several ticket processors against shared state.

# Transactions

All writes go through Atomic:

	err := store.Atomic(ctx, func(tx storage.Tx) error {
		if err := tx.DeleteMember(old.VMID); err != nil {
			return err
		}
		return tx.PutMember(replacement)
	})

Returning an error rolls the scope back. Tx.Atomic opens a nested scope;
PostgreSQL maps it to a savepoint, while bolt (which has no savepoints)
refuses to commit the enclosing transaction once a nested scope failed.

# Invariants enforced on write

  - PutTicket rejects a second pending ticket for the same pool with
    types.ErrPendingTicket.
  - PutMember rejects a VM id that already belongs to another pool.

Lookups that miss wrap types.ErrNotFound.
*/
package storage
