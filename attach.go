package main

import (
	"fmt"

	"github.com/jnesss/vsm-recorder/config"
	"github.com/jnesss/vsm-recorder/vsc"
	"github.com/jnesss/vsm-recorder/vslq"
	"github.com/jnesss/vsm-recorder/vsm"
)

// attachment is everything bound to one segment.
type attachment struct {
	seg        *vsm.Segment
	catalog    *vsc.Catalog
	dispatcher *vslq.Dispatcher
}

// initSegment attaches to the configured segment and binds the counter
// catalog and the transaction dispatcher to it. The returned cleanup
// closes the segment; the dispatcher must have been closed before.
func initSegment(cfg *config.Config) (*attachment, func(), error) {
	seg, err := vsm.Open(cfg.Location())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to attach to segment: %v", err)
	}

	var cleanupFuncs []func()
	cleanupFuncs = append(cleanupFuncs, func() {
		if err := seg.Close(); err != nil {
			fmt.Printf("Warning: closing segment: %v\n", err)
		}
	})
	cleanup := func() {
		// Execute cleanup functions in reverse order
		for i := len(cleanupFuncs) - 1; i >= 0; i-- {
			cleanupFuncs[i]()
		}
	}

	var catOpts []vsc.Option
	for _, f := range cfg.Stats.Filters {
		catOpts = append(catOpts, vsc.WithFilter(f))
	}
	catalog, err := vsc.New(seg, catOpts...)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to create counter catalog: %v", err)
	}

	d, err := vslq.NewDispatcher(seg, vslq.Grouping(cfg.Dispatch.Grouping), cfg.DispatchOptions()...)
	if err != nil {
		// counters remain usable without a log
		fmt.Printf("Warning: Could not bind transaction dispatcher: %v\n", err)
		fmt.Println("Continuing with counter collection only...")
	}

	return &attachment{seg: seg, catalog: catalog, dispatcher: d}, cleanup, nil
}
