package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/johnnynu/chaosfiles/internal"
	"github.com/johnnynu/chaosfiles/internal/auth"
	"github.com/johnnynu/chaosfiles/internal/backend"
	"github.com/johnnynu/chaosfiles/internal/config"
	"github.com/johnnynu/chaosfiles/internal/upload"
)

const progressInterval = 500 * time.Millisecond

func main() {
	cfg, files, err := config.LoadClient(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		logrus.Fatal(err)
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "usage: chaosfiles [flags] FILE...")
		os.Exit(2)
	}

	log := logrus.StandardLogger()
	log.SetLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, cfg, files, log))
}

func run(ctx context.Context, cfg config.Client, files []string, log *logrus.Logger) int {
	sources, reqs, err := openSources(files, log)
	defer func() {
		for _, src := range sources {
			src.Close()
		}
	}()
	if err != nil {
		log.WithError(err).Error("cannot open files")
		return 1
	}

	session := auth.NewSession(cfg.Token, log)
	api := backend.New(cfg.APIBaseURL, cfg.RequestTimeout, log)
	transfer := upload.NewTransferer(nil,
		upload.WithRequestTimeout(cfg.RequestTimeout),
		upload.WithETagVerification(cfg.VerifyETags),
		upload.WithTransferLogger(log))
	defer transfer.CloseIdleConnections()
	progress := upload.NewProgress()

	o := upload.New(session, api,
		upload.WithLogger(log),
		upload.WithProgress(progress),
		upload.WithTransferer(transfer),
		upload.WithPartConcurrency(cfg.PartConcurrency),
		upload.WithFileConcurrency(cfg.FileConcurrency))
	go o.Watch(ctx)

	batch, err := o.NewBatch(reqs...)
	if err != nil {
		log.WithError(err).Error("cannot select files")
		return 1
	}

	start := time.Now()
	done := make(chan struct{})
	go showProgress(progress, done)
	results := batch.Run(ctx)
	close(done)

	return summarize(results, transfer.BytesSent(), time.Since(start))
}

func openSources(files []string, log logrus.FieldLogger) ([]*internal.FileSource, []upload.Request, error) {
	var sources []*internal.FileSource
	var reqs []upload.Request
	paths := make(map[string]string, len(files))
	for _, f := range files {
		src := internal.NewFileSource(f)
		if err := src.Open(); err != nil {
			return sources, nil, err
		}
		sources = append(sources, src)
		// files are uploaded and tracked under their base name
		if prev, ok := paths[src.Name()]; ok {
			return sources, nil, fmt.Errorf("%q and %q share the name %q, uploaded files need distinct names", prev, f, src.Name())
		}
		paths[src.Name()] = f
		log.WithFields(logrus.Fields{
			"path": src.Filename(),
			"type": src.ContentType(),
			"size": internal.HumanSize(uint64(src.Size())),
		}).Debug("file selected")
		reqs = append(reqs, upload.Request{
			Source:    src,
			Name:      src.Name(),
			Size:      uint64(src.Size()),
			MediaType: src.ContentType(),
		})
	}
	return sources, reqs, nil
}

func showProgress(progress *upload.Progress, done <-chan struct{}) {
	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			printProgress(progress.Snapshot())
			return
		case <-ticker.C:
			printProgress(progress.Snapshot())
		}
	}
}

func printProgress(snapshot map[string]float64) {
	names := make([]string, 0, len(snapshot))
	for name := range snapshot {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(os.Stderr, "%6.2f%%  %s\n", snapshot[name], name)
	}
}

func summarize(results []upload.Result, sent int64, took time.Duration) int {
	failed := 0
	for _, r := range results {
		if r.State == upload.Done {
			fmt.Printf("done    %s  %s\n", r.Name, r.FileID)
			continue
		}
		failed++
		fmt.Printf("failed  %s  %v\n", r.Name, r.Err)
	}

	rate := float64(sent) / took.Seconds()
	fmt.Printf("%d uploaded, %d failed, %s sent in %v (%s/s)\n",
		len(results)-failed, failed,
		internal.HumanSize(uint64(sent)), took.Round(time.Millisecond),
		internal.HumanSize(uint64(rate)))
	if failed > 0 {
		return 1
	}
	return 0
}
