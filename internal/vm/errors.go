package vm

import "errors"

// ErrInvariant is returned when an operation would violate the VM
// lifecycle's state invariants, such as starting a VM twice.
var ErrInvariant = errors.New("vm: invariant violation")
