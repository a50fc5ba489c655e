package watcher

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// FSNotifySubscriber watches a single directory with fsnotify.
type FSNotifySubscriber struct{}

// Subscribe implements Subscriber.
func (FSNotifySubscriber) Subscribe(ctx context.Context, dir string, ignore IgnoreFunc) (<-chan Event, <-chan error, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, err
	}
	if err := fw.Add(filepath.Clean(dir)); err != nil {
		_ = fw.Close()
		return nil, nil, err
	}

	events := make(chan Event, 64)
	errs := make(chan error, 8)

	go func() {
		defer close(events)
		defer close(errs)
		defer fw.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case fsEvent, ok := <-fw.Events:
				if !ok {
					return
				}
				ev, keep := translate(fsEvent)
				if !keep || (ignore != nil && ignore(ev.Path)) {
					continue
				}
				select {
				case events <- ev:
				case <-ctx.Done():
					return
				}
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				select {
				case errs <- err:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return events, errs, nil
}

// translate maps an fsnotify operation onto an Event. Chmod-only
// notifications are dropped. A rename reports the old name, so it is
// treated as a removal; the new name arrives as a Create.
func translate(e fsnotify.Event) (Event, bool) {
	ev := Event{Path: filepath.Clean(e.Name)}
	switch {
	case e.Has(fsnotify.Remove), e.Has(fsnotify.Rename):
		ev.Type = EventRemoved
	case e.Has(fsnotify.Create):
		ev.Type = EventAdded
	case e.Has(fsnotify.Write):
		ev.Type = EventChanged
	default:
		return Event{}, false
	}

	return ev, true
}
