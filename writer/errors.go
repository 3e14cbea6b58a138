package writer

import "errors"

// ErrTimedOut is returned by JoinGroup when a ticket's deadline passes
// before its work starts. The ticket has been detached from the queue and
// may be retried with a fresh ticket.
var ErrTimedOut = errors.New("write ticket timed out")
