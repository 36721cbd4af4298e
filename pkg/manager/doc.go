/*
Package manager owns cellar's shared state: the pool registry, the
dataset model with its snapshot history, and the transfer job records.

The scheduler, pruner, transfer engine, and supervisor all coordinate
through the manager instead of calling each other, which keeps each
component independently testable. The manager hands out the locks that
enforce the concurrency model:

  - one mutex per dataset, serializing snapshot creation and pruning
  - one mutex per (dataset, target) pair, serializing transfers so the
    incremental chain stays correct
  - a single-writer lock on pool health, updated only by the supervisor

Entities reference each other by identifier (dataset id, generation,
pool id) and all lookups go through the manager's store, so there are no
ownership cycles between jobs, snapshots, and datasets.
*/
package manager
