package tile

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

// progressBar renders an in-place terminal progress line for one zoom level.
// Increment is safe to call from the tile workers; rendering happens on a
// single goroutine at a fixed interval.
type progressBar struct {
	label string
	total int64
	done  atomic.Int64
	start time.Time
	stop  chan struct{}
}

func newProgressBar(label string, total int64) *progressBar {
	pb := &progressBar{
		label: label,
		total: total,
		start: time.Now(),
		stop:  make(chan struct{}),
	}
	go func() {
		tick := time.NewTicker(200 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-pb.stop:
				return
			case <-tick.C:
				pb.render()
			}
		}
	}()
	return pb
}

func (pb *progressBar) Increment() {
	pb.done.Add(1)
}

// Finish stops the render loop and prints the final state.
func (pb *progressBar) Finish() {
	close(pb.stop)
	pb.render()
	fmt.Fprintln(os.Stderr)
}

func (pb *progressBar) render() {
	n := pb.done.Load()
	frac := 1.0
	if pb.total > 0 {
		frac = float64(n) / float64(pb.total)
		if frac > 1 {
			frac = 1
		}
	}
	const width = 40
	filled := int(frac * width)
	elapsed := time.Since(pb.start).Truncate(time.Second)
	fmt.Fprintf(os.Stderr, "\r%s [%-*s] %d/%d tiles %s\033[K",
		pb.label, width, strings.Repeat("=", filled), n, pb.total, elapsed)
}
