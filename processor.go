package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jnesss/vsm-recorder/sigma"
	"github.com/jnesss/vsm-recorder/vslq"
)

type transactionStore interface {
	InsertTransactions(ts time.Time, batch []vslq.Snapshot) ([]int64, error)
	InsertMatches(transactionID int64, matches []sigma.Match) error
}

type ruleChecker interface {
	Check(ctx context.Context, snap vslq.Snapshot) []sigma.Match
}

type batchPublisher interface {
	Publish(ctx context.Context, batch []vslq.Snapshot) error
}

// processor stores completed batches and feeds them to the optional
// rule checker and publisher.
type processor struct {
	store    transactionStore
	detector ruleChecker
	sink     batchPublisher

	transactions int
	matches      int
}

// run consumes batches until the channel is closed.
func (p *processor) run(ctx context.Context, batches <-chan []vslq.Snapshot) {
	fmt.Println("Starting transaction processor...")
	for batch := range batches {
		p.process(ctx, batch)
	}
}

func (p *processor) process(ctx context.Context, batch []vslq.Snapshot) {
	ids, err := p.store.InsertTransactions(time.Now(), batch)
	if err != nil {
		fmt.Printf("\nError inserting transactions: %v\n", err)
		return
	}

	if p.detector != nil {
		for i, snap := range batch {
			matches := p.detector.Check(ctx, snap)
			if len(matches) == 0 {
				continue
			}
			if err := p.store.InsertMatches(ids[i], matches); err != nil {
				fmt.Printf("\nError storing matches for transaction %d: %v\n", snap.VXID, err)
				continue
			}
			p.matches += len(matches)
		}
	}

	if p.sink != nil {
		if err := p.sink.Publish(ctx, batch); err != nil {
			fmt.Printf("\nError publishing transactions: %v\n", err)
		}
	}

	for range batch {
		p.transactions++
		fmt.Print(".")
		if p.transactions%100 == 0 {
			fmt.Printf(" [%d]\n", p.transactions)
		}
	}
}
