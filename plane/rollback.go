// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package plane

// rollback collects undo steps for an operation that must either complete
// fully or leave no trace. Steps run in reverse registration order.
type rollback struct {
	undo []func()
}

func (r *rollback) add(f func()) {
	r.undo = append(r.undo, f)
}

func (r *rollback) unwind() {
	for i := len(r.undo) - 1; i >= 0; i-- {
		r.undo[i]()
	}
	r.undo = nil
}
