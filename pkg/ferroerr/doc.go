/*
Package ferroerr defines the conductor's error taxonomy.

Each error type encodes how callers must react:

  - NodeLocked: transient contention, retried by the task manager and
    the allocation matcher before surfacing.
  - NodeAssociated / InstanceAssociated: another actor won the race;
    re-evaluate, never retry blindly.
  - InvalidParameterValue / MissingParameterValue: caller-input
    problems, never retried, always specific about field and constraint.
  - NodeNotFound / AllocationNotFound: terminal for the operation.
  - AllocationFailed: expected operational outcome, recorded on the
    allocation's LastError rather than raised past a background task.
  - ExclusiveLockRequired / InvalidState: usage errors raised before
    any side effect.

Errors are matched with errors.As via the Is* helpers, so wrapping with
fmt.Errorf("...: %w", err) along the way is safe.
*/
package ferroerr
