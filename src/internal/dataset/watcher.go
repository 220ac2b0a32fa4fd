package dataset

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rjeczalik/notify"

	"gitlab.com/kiberchaika/blackbird/src/internal/locations"
)

// Watcher listens to file system changes below all location roots and
// triggers an index rebuild when relevant changes accumulated. Changes are
// batched on a ticker so that a burst of writes causes one rebuild, and a
// semaphore ensures that only one rebuild runs at any time.
type Watcher struct {
	ds       *Dataset
	interval time.Duration

	mutChanges sync.Mutex
	changes    []string
	errs       chan error
}

// NewWatcher creates a watcher for ds that checks for accumulated changes
// every interval.
func NewWatcher(ds *Dataset, interval time.Duration) *Watcher {
	return &Watcher{
		ds:       ds,
		interval: interval,
		errs:     make(chan error, 8),
	}
}

// Errors returns a receive-only channel for errors from the watcher.
func (me *Watcher) Errors() <-chan error {
	return me.errs
}

// relevantChange reports whether a changed path should trigger a rebuild.
// Changes below .blackbird and to hidden or temporary files are ignored.
func relevantChange(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, ".tmp") || strings.HasSuffix(base, ".bak") {
		return false
	}
	sep := string(filepath.Separator)
	return !strings.Contains(path, sep+locations.BlackbirdDir+sep) &&
		!strings.HasSuffix(path, sep+locations.BlackbirdDir)
}

// Run implements the main control loop: it registers watches for all
// location roots, collects change events and rebuilds the index on the next
// tick after changes occurred. It returns when ctx is canceled.
func (me *Watcher) Run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	log.Trace("running watcher ...")

	chgs := make(chan notify.EventInfo, 64)
	for name, dir := range me.ds.Locs.All() {
		if err := notify.Watch(filepath.Join(dir, "..."), chgs, notify.All); err != nil {
			me.errs <- errors.Wrapf(err, "cannot watch location '%s' ('%s')", name, dir)
		}
	}

	var wg0 sync.WaitGroup
	ticker := time.NewTicker(me.interval)

	// semaphore to ensure that only one rebuild runs at any time
	sema := make(chan struct{}, 1)

	defer func() {
		notify.Stop(chgs)
		ticker.Stop()
		close(me.errs)
		log.Trace("watcher stopped")
	}()

	for {
		select {
		case chg := <-chgs:
			if !relevantChange(chg.Path()) {
				continue
			}
			me.mutChanges.Lock()
			me.changes = append(me.changes, chg.Path())
			me.mutChanges.Unlock()

		case <-ticker.C:
			wg0.Add(1)
			go func() {
				sema <- struct{}{}
				defer func() {
					<-sema
					wg0.Done()
				}()
				me.processChanges()
			}()

		case <-ctx.Done():
			wg0.Wait()
			return
		}
	}
}

// processChanges rebuilds the index if changes were collected since the last
// run
func (me *Watcher) processChanges() {
	me.mutChanges.Lock()
	n := len(me.changes)
	me.changes = nil
	me.mutChanges.Unlock()

	if n == 0 {
		return
	}

	log.Infof("%d file system changes observed, rebuilding index", n)
	if err := me.ds.Reindex(); err != nil {
		me.errs <- err
	}
}
