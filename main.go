package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/jnesss/vsm-recorder/config"
	"github.com/jnesss/vsm-recorder/database"
	"github.com/jnesss/vsm-recorder/export"
	"github.com/jnesss/vsm-recorder/sigma"
	"github.com/jnesss/vsm-recorder/stats"
	"github.com/jnesss/vsm-recorder/vslq"
	"github.com/jnesss/vsm-recorder/web"
)

func main() {
	configPath := flag.String("config", "", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	att, cleanup, err := initSegment(cfg)
	if err != nil {
		fmt.Printf("Failed to initialize segment: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()
	fmt.Printf("Attached to segment %s\n", att.seg.Name())

	db, err := database.NewDB(cfg.Database.Dir, att.seg.Name())
	if err != nil {
		fmt.Printf("Failed to initialize database: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Printf("Error closing database: %v", err)
		}
		if err := handOverDataDir(cfg.Database.Dir); err != nil {
			fmt.Printf("Warning: %v\n", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup

	collector, err := stats.NewCollector(db, att.catalog, cfg.Stats.Interval, cfg.Stats.CacheSize)
	if err != nil {
		fmt.Printf("Failed to create counter collector: %v\n", err)
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		collector.Start(ctx)
	}()

	proc := &processor{store: db}

	var detector *sigma.Detector
	if cfg.Sigma.RulesDir != "" {
		detector, err = sigma.NewDetector(cfg.Sigma.RulesDir)
		if err != nil {
			fmt.Printf("Warning: Sigma detection disabled: %v\n", err)
		} else {
			defer detector.Close()
			proc.detector = detector
			wg.Add(1)
			go func() {
				defer wg.Done()
				detector.Watch(ctx)
			}()
		}
	}

	if len(cfg.Kafka.Brokers) > 0 {
		sink, err := export.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			fmt.Printf("Warning: Kafka export disabled: %v\n", err)
		} else {
			defer sink.Close()
			proc.sink = sink
		}
	}

	if cfg.Web.Listen != "" {
		server := web.NewServer(db, cfg.Web.Listen)
		if detector != nil {
			server.EnableSigma(detector)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := server.Start(ctx); err != nil {
				fmt.Printf("Web server error: %v\n", err)
			}
		}()
		fmt.Printf("Web interface available at http://%s\n", cfg.Web.Listen)
	}

	var stream *vslq.Stream
	procDone := make(chan struct{})
	if att.dispatcher != nil {
		stream = vslq.NewStream(att.dispatcher, cfg.Dispatch.Buffer)
		go func() {
			defer close(procDone)
			proc.run(ctx, stream.Batches())
		}()
		fmt.Println("Transaction recording started... Press Ctrl+C to stop")
	}

	// Set up signal handler
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sig:
	case <-procDone:
		fmt.Println("\nLog stream ended")
	}
	fmt.Println("Shutting down...")

	if stream != nil {
		stream.Stop()
		<-procDone
		status, err := stream.Wait()
		if err != nil {
			fmt.Printf("Log stream ended with %s: %v\n", status, err)
		} else {
			fmt.Printf("Log stream ended with %s\n", status)
		}
		fmt.Printf("Recorded %d transactions, %d rule matches\n", proc.transactions, proc.matches)
	}

	cancel()
	wg.Wait()
}
