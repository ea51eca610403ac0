// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"fmt"
	"time"
)

type everyNBatches struct {
	n, count int
	fn       OnBatchFn
}

func (eN *everyNBatches) onBatch(s *Supervisor, phase Phase, batchIdx int, step StepResult) error {
	eN.count++
	if eN.count%eN.n != 0 {
		return nil
	}
	return eN.fn(s, phase, batchIdx, step)
}

// EveryNBatches registers an OnBatch hook on the supervisor that is called every n batches, counting
// the batches of both phases.
//
// Notice that it does not call `fn` at the last batch of an epoch (except by coincidence).
func EveryNBatches(s *Supervisor, n int, name string, priority Priority, fn OnBatchFn) {
	if n < 1 {
		n = 1
	}
	eN := &everyNBatches{n: n, fn: fn}
	s.OnBatch(fmt.Sprintf("EveryNBatches(%d): %s", n, name), priority, eN.onBatch)
}

type periodicCallback struct {
	last    time.Time
	period  time.Duration
	started bool
	fn      OnBatchFn
}

func (p *periodicCallback) onBatch(s *Supervisor, phase Phase, batchIdx int, step StepResult) error {
	if !p.started {
		// Start the clock.
		p.started = true
		p.last = time.Now()
		return nil
	}
	if time.Since(p.last) < p.period {
		return nil
	}
	err := p.fn(s, phase, batchIdx, step)
	p.last = time.Now()
	return err
}

// PeriodicCallback registers an OnBatch hook on the supervisor that is called every period of time.
// The period counts after the execution of `fn`: this discounts the time to run `fn` (in case it is expensive)
// and it discounts cases where the execution is paused. By other hand, `fn` is not executed exactly at every
// `period` time.
func PeriodicCallback(s *Supervisor, period time.Duration, name string, priority Priority, fn OnBatchFn) {
	p := &periodicCallback{period: period, fn: fn}
	s.OnBatch(fmt.Sprintf("PeriodicCallback(%s): %s", period, name), priority, p.onBatch)
}
