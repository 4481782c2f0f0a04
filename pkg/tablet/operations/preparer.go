// Copyright 2026 The TabletKV Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package operations

import (
	"context"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/tabletkv/tabletkv/pkg/consensus"
	"github.com/tabletkv/tabletkv/pkg/util/log"
)

// defaultMaxBatchSize bounds how many leader-side rounds accumulate before
// the preparer replicates them as one consensus batch.
const defaultMaxBatchSize = 16

// defaultQueueDepth is the submit queue capacity; Submit blocks once it
// fills.
const defaultQueueDepth = 1024

// BatchPreparerOptions tune a BatchPreparer.
type BatchPreparerOptions struct {
	MaxBatchSize int
	QueueDepth   int
}

// BatchPreparer runs PrepareAndStart for submitted drivers on a single
// worker and replicates the resulting leader-side rounds in batches: rounds
// accumulate while the queue is non-empty and are handed to
// Consensus.ReplicateBatch when the queue momentarily drains or the batch
// reaches MaxBatchSize. Batching is the reason drivers leave replication to
// their caller after the NotReplicating to Replicating transition.
type BatchPreparer struct {
	cons         consensus.Consensus
	ctx          context.Context
	maxBatchSize int

	queue   chan *OperationDriver
	stopCh  chan struct{}
	doneCh  chan struct{}
	stopped atomic.Bool

	// batch is only touched by the worker.
	batch []*OperationDriver
}

var _ Preparer = (*BatchPreparer)(nil)

// NewBatchPreparer constructs and starts a preparer replicating through cons.
func NewBatchPreparer(
	ctx context.Context, cons consensus.Consensus, opts BatchPreparerOptions,
) *BatchPreparer {
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = defaultMaxBatchSize
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = defaultQueueDepth
	}
	p := &BatchPreparer{
		cons:         cons,
		ctx:          ctx,
		maxBatchSize: opts.MaxBatchSize,
		queue:        make(chan *OperationDriver, opts.QueueDepth),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	go p.run()
	return p
}

// Submit enqueues a driver for preparation. Fails with ErrShuttingDown once
// Stop has been called.
func (p *BatchPreparer) Submit(d *OperationDriver) error {
	if p.stopped.Load() {
		return errors.Wrap(ErrShuttingDown, "preparer")
	}
	select {
	case p.queue <- d:
		return nil
	case <-p.stopCh:
		return errors.Wrap(ErrShuttingDown, "preparer")
	}
}

// Stop refuses further submissions, processes what is already queued and
// waits for the worker to exit.
func (p *BatchPreparer) Stop() {
	if p.stopped.Swap(true) {
		<-p.doneCh
		return
	}
	close(p.stopCh)
	<-p.doneCh
}

func (p *BatchPreparer) run() {
	defer close(p.doneCh)
	for {
		var d *OperationDriver
		select {
		case d = <-p.queue:
		default:
			// Queue drained: replicate the accumulated batch before blocking.
			p.flush()
			select {
			case d = <-p.queue:
			case <-p.stopCh:
				p.drainAndExit()
				return
			}
		}
		p.process(d)
		if len(p.batch) >= p.maxBatchSize {
			p.flush()
		}
	}
}

func (p *BatchPreparer) drainAndExit() {
	for {
		select {
		case d := <-p.queue:
			p.process(d)
		default:
			p.flush()
			return
		}
	}
}

func (p *BatchPreparer) process(d *OperationDriver) {
	if err := d.PrepareAndStart(); err != nil {
		d.HandleFailure(err)
		return
	}
	if !d.IsLeaderSide() {
		return
	}
	if op := d.Operation(); op != nil && op.State().ConsensusRound() != nil {
		p.batch = append(p.batch, d)
	}
}

func (p *BatchPreparer) flush() {
	if len(p.batch) == 0 {
		return
	}
	batch := p.batch
	p.batch = nil

	rounds := make([]*consensus.Round, len(batch))
	for i, d := range batch {
		rounds[i] = d.Operation().State().ConsensusRound()
	}
	if err := p.cons.ReplicateBatch(p.ctx, rounds); err != nil {
		log.Warningf(p.ctx, "failed to replicate batch of %d operations: %v", len(batch), err)
		for _, d := range batch {
			d.ReplicationFailed(err)
		}
	}
}
