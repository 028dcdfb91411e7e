package data

import (
	"context"
	"fmt"
	"time"

	"github.com/adamgarcia4/goLearning/spaces/credentials"
	"github.com/adamgarcia4/goLearning/spaces/errs"
	"github.com/adamgarcia4/goLearning/spaces/snapshot"
	"github.com/adamgarcia4/goLearning/spaces/timeframe"
)

func (d *Pipeline) onCredential(cred *credentials.Credential) {
	if _, ok := cred.Assertion.(credentials.Epoch); !ok {
		return
	}
	d.processEpoch(cred)
}

// processEpoch starts applying cred unless an epoch with the same or a higher number was
// already seen. The task applying the previous epoch is disposed before the new one runs.
func (d *Pipeline) processEpoch(cred *credentials.Credential) {
	epoch := cred.Assertion.(credentials.Epoch)

	d.mu.Lock()
	if !d.open {
		d.mu.Unlock()
		return
	}
	if int64(epoch.Number) <= d.lastProcessedEpoch {
		d.mu.Unlock()
		d.log.Debugf("skipping epoch %d, already at %d", epoch.Number, d.lastProcessedEpoch)
		return
	}
	d.lastProcessedEpoch = int64(epoch.Number)
	d.currentEpoch = cred
	prev := d.epochScope
	task := d.scope.Child(fmt.Sprintf("epoch/%d", epoch.Number))
	d.epochScope = task
	d.mu.Unlock()

	d.log.Infof("processing epoch %d at %s", epoch.Number, epoch.Timeframe)
	task.Go(func(ctx context.Context) error {
		if prev != nil {
			_ = prev.Dispose()
		}
		err := d.applyEpoch(ctx, cred, epoch)
		switch {
		case err == nil:
			d.params.Metrics.EpochApplied(d.params.SpaceKey.Truncate(), "applied")
		case errs.IsCancelled(err):
			d.params.Metrics.EpochApplied(d.params.SpaceKey.Truncate(), "preempted")
			d.log.Debugf("epoch %d preempted", epoch.Number)
		default:
			d.params.Metrics.EpochApplied(d.params.SpaceKey.Truncate(), "failed")
			d.log.Errorf("epoch %d: %v", epoch.Number, err)
		}
		return nil
	})
}

func (d *Pipeline) applyEpoch(ctx context.Context, cred *credentials.Credential, epoch credentials.Epoch) error {
	d.mu.Lock()
	p, db := d.pipeline, d.db
	d.mu.Unlock()
	if p == nil {
		return ErrNotOpen
	}

	p.Pause()

	// the database already reflects everything the epoch covers
	covered := timeframe.LessOrEqual(epoch.Timeframe, d.AppliedTimeframe())

	var snap *snapshot.SpaceSnapshot
	var loadErr error
	if !covered && epoch.SnapshotRef != "" {
		snap, loadErr = d.loadSnapshot(ctx, epoch.SnapshotRef)
		if ctx.Err() != nil {
			return errs.New(errs.Cancelled, "apply epoch", ctx.Err())
		}
		if loadErr == nil && snap.SpaceKey != d.params.SpaceKey {
			loadErr = fmt.Errorf("snapshot %s belongs to space %s", epoch.SnapshotRef, snap.SpaceKey.Truncate())
		}
	}

	if snap != nil && loadErr == nil {
		d.dbMu.Lock()
		p.Pause()
		err := db.RestoreFromSnapshot(snap.Database)
		if err == nil {
			err = p.SetCursor(epoch.Timeframe)
		}
		if err == nil {
			d.appliedTf = epoch.Timeframe
		}
		d.dbMu.Unlock()
		loadErr = err
	}

	d.mu.Lock()
	if d.pipeline == p {
		d.appliedEpoch = cred
		if !d.firstEpochApplied {
			d.firstEpochApplied = true
			close(d.firstEpoch)
		}
	}
	d.mu.Unlock()

	// without the snapshot the feeds are replayed from the current cursor
	p.Unpause()
	if loadErr != nil {
		return errs.New(errs.Storage, "apply epoch", loadErr)
	}
	return nil
}

func (d *Pipeline) loadSnapshot(ctx context.Context, ref string) (*snapshot.SpaceSnapshot, error) {
	store := d.params.Snapshots
	if !store.Has(ref) {
		d.mu.Lock()
		fetcher := d.fetcher
		d.mu.Unlock()
		if fetcher == nil {
			return nil, fmt.Errorf("%w: %s", ErrNoSnapshotSource, ref)
		}

		var data []byte
		var err error
		for attempt := 1; attempt <= snapshotFetchAttempts; attempt++ {
			data, err = fetcher.FetchSnapshot(ctx, ref)
			if err == nil || ctx.Err() != nil {
				break
			}
			d.log.Infof("fetching snapshot %.8s failed (attempt %d): %v", ref, attempt, err)
			select {
			case <-ctx.Done():
			case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
			}
		}
		if err != nil {
			return nil, err
		}
		if snapshot.Ref(data) != ref {
			return nil, fmt.Errorf("%w: %s", snapshot.ErrRefMismatch, ref)
		}
		if _, err := store.Put(ctx, data); err != nil {
			return nil, err
		}
	}
	return snapshot.Load(ctx, store, ref)
}

// CreateEpoch snapshots the database and returns the next epoch. The caller appends it.
func (d *Pipeline) CreateEpoch(ctx context.Context) (credentials.Epoch, error) {
	d.mu.Lock()
	if !d.open {
		d.mu.Unlock()
		return credentials.Epoch{}, ErrNotOpen
	}
	p, db, current := d.pipeline, d.db, d.currentEpoch
	next := uint64(d.lastProcessedEpoch + 1)
	d.mu.Unlock()

	p.Pause()
	defer p.Unpause()

	d.dbMu.Lock()
	tf := d.appliedTf
	data, err := db.CreateSnapshot()
	d.dbMu.Unlock()
	if err != nil {
		return credentials.Epoch{}, errs.New(errs.Storage, "create epoch", err)
	}

	ref, err := snapshot.Save(ctx, d.params.Snapshots, &snapshot.SpaceSnapshot{
		SpaceKey:  d.params.SpaceKey,
		Timeframe: tf,
		Database:  data,
	})
	if err != nil {
		return credentials.Epoch{}, errs.New(errs.Storage, "create epoch", err)
	}

	epoch := credentials.Epoch{Timeframe: tf, Number: next, SnapshotRef: ref}
	if current != nil {
		epoch.PreviousID = current.ID()
	}
	d.log.Infof("created epoch %d at %s", epoch.Number, tf)
	return epoch, nil
}
