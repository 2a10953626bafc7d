// SPDX-License-Identifier: MIT

package sched

import (
	"github.com/fovealabs/fovea/internal/frame"
	"github.com/fovealabs/fovea/internal/ingress"
)

// batchState is the lifecycle of one inference batch.
type batchState int

const (
	batchAssembled batchState = iota
	batchDispatched
	batchCompleted
	batchExpired
)

func (s batchState) String() string {
	switch s {
	case batchAssembled:
		return "assembled"
	case batchDispatched:
		return "dispatched"
	case batchCompleted:
		return "completed"
	case batchExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// item pairs a dequeued frame with its stream so per-frame cancellation and
// finalization need no registry lookups on the hot path.
type item struct {
	f frame.Frame
	s *ingress.Stream
}

// batch is an ordered set of frames drawn from one or more streams,
// submitted together to the engine. Transient: it exists only for the
// duration of one inference call.
type batch struct {
	id    string
	items []item
	state batchState
}

func (b *batch) frames() []frame.Frame {
	out := make([]frame.Frame, len(b.items))
	for i, it := range b.items {
		out[i] = it.f
	}
	return out
}
