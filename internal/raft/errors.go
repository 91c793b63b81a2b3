package raft

import "errors"

// errStepDown fails any proposal still pending on a leader that observed a
// higher term: the entry, if already appended, may still commit under
// whichever node becomes leader next, but this node can no longer promise
// it (spec §5 "Cancellation and timeouts").
var errStepDown = errors.New("raft: leader stepped down before commit")
