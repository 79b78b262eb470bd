package dict

import (
	"context"
	"sync"

	"github.com/quarry-labs/quarry/meta"
)

// download tracks one dictionary download for a topic, from the moment the fetch is started until the topic
// is retired. It is the entry value of the in-flight registry: a download that has terminated successfully is
// kept registered for as long as the version stays resident, and its presence is what marks the dictionary as
// loaded.
//
// A download can be completed from two sides - by the fetch goroutine delivering a result, and externally by
// retirement or shutdown. Whichever side gets there first wins; the loser observes done already closed.
type download struct {
	topic   string
	version meta.Version
	ctx     context.Context
	cancel  context.CancelFunc

	lock sync.Mutex
	done chan struct{}
	err  error
}

func newDownload(topic string, version meta.Version) *download {
	ctx, cancel := context.WithCancel(context.Background())
	return &download{
		topic:   topic,
		version: version,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// complete marks the download terminated without error. Returns false if it already terminated.
func (d *download) complete() bool {
	return d.terminate(nil)
}

// fail marks the download terminated with err. Returns false if it already terminated.
func (d *download) fail(err error) bool {
	return d.terminate(err)
}

func (d *download) terminate(err error) bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	select {
	case <-d.done:
		return false
	default:
	}
	d.err = err
	close(d.done)
	return true
}

func (d *download) Done() <-chan struct{} {
	return d.done
}

// Err returns the terminal error. Only valid once Done() is closed.
func (d *download) Err() error {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.err
}
