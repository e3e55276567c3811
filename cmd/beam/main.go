// Command beam is a reference CLI for the visual file-transfer protocol: it
// runs a sender and a receiver engine over an in-process loopback transport,
// since no camera/screen hardware is available to this repository.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/quantarax/beam/internal/chunkstore"
	"github.com/quantarax/beam/internal/config"
	"github.com/quantarax/beam/internal/engine"
	"github.com/quantarax/beam/internal/observability"
	"github.com/quantarax/beam/internal/sessionstore"
	"github.com/quantarax/beam/internal/transport"
	"github.com/quantarax/beam/internal/validation"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "send", "receive":
		runTransfer(os.Args[1], os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: beam <send|receive> -file <path> [-out <dir>] [-observ-addr <addr>]")
}

func runTransfer(role string, args []string) {
	fs := flag.NewFlagSet(role, flag.ExitOnError)
	filePath := fs.String("file", "", "path to the file to transfer")
	outDir := fs.String("out", ".", "directory the received file is written to")
	observAddr := fs.String("observ-addr", "127.0.0.1:8081", "address to serve /healthz and /metrics on")
	chunkDBPath := fs.String("chunk-store", "beam_chunks.db", "chunk store path")
	sessionDBPath := fs.String("session-store", "beam_sessions.db", "session store path")
	fs.Parse(args)

	cfg := config.DefaultConfig()
	cfg.ObservAddr = *observAddr
	cfg.ChunkStorePath = *chunkDBPath
	cfg.SessionStorePath = *sessionDBPath

	if err := validation.ValidateFilePath(*filePath, true); err != nil {
		fmt.Fprintf(os.Stderr, "beam %s: %v\n", role, err)
		os.Exit(1)
	}
	if err := validation.ValidateStringNonEmpty(*outDir); err != nil {
		fmt.Fprintf(os.Stderr, "beam %s: -out: %v\n", role, err)
		os.Exit(1)
	}
	if err := validation.ValidateRangeInt(cfg.SessionIDLength, 4, 12); err != nil {
		fmt.Fprintf(os.Stderr, "beam %s: session id length: %v\n", role, err)
		os.Exit(1)
	}

	logger := observability.NewLogger("beam", "0.1.0", os.Stdout)
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker("0.1.0")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if shutdown, err := observability.InitTracing(ctx, "beam"); err == nil {
		defer shutdown(context.Background())
	}

	chunkStore, err := chunkstore.Open(cfg.ChunkStorePath)
	if err != nil {
		logger.Fatal(err, "failed to open chunk store")
	}
	defer chunkStore.Close()
	chunkStore.SetEvictOptions(chunkstore.EvictOptions{
		MaxAge:     time.Duration(cfg.MaxChunkAge) * time.Millisecond,
		MaxEntries: cfg.MaxChunkEntries,
	})

	sessStore, err := sessionstore.Open(cfg.SessionStorePath)
	if err != nil {
		logger.Fatal(err, "failed to open session store")
	}
	defer sessStore.Close()

	healthChecker.RegisterCheck("chunk_store", observability.ChunkStoreCheck(chunkStore.Available()))
	healthChecker.RegisterCheck("session_store", observability.SessionStoreCheck(sessStore != nil))
	healthChecker.RegisterCheck("session_db", observability.DatabaseCheck(cfg.SessionStorePath))
	healthChecker.RegisterCheck("disk_space", observability.DiskSpaceCheck(filepath.Dir(cfg.ChunkStorePath), 1))

	go startObservabilityServer(cfg.ObservAddr, metrics, healthChecker, logger)

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	blob, err := os.ReadFile(*filePath)
	if err != nil {
		logger.Fatal(err, "failed to read input file")
	}

	senderWriter, senderReader, receiverWriter, receiverReader := transport.Pair(16)

	bus := engine.NewEventBus(cfg.EventBufferSize)
	obs := &printObserver{logger: logger, metrics: metrics, role: role}

	sender := engine.NewSenderEngine(senderWriter, senderReader, chunkStore, sessStore, obs, bus, logger,
		engine.WithSenderMetrics(metrics), engine.WithSenderChunkSize(cfg.ChunkSize))
	receiver := engine.NewReceiverEngine(receiverWriter, receiverReader, sessStore, obs, bus, logger,
		engine.WithReceiverMetrics(metrics))

	metrics.RecordTransferStart()
	start := time.Now()

	var wg sync.WaitGroup
	var sendErr error
	var recvResult engine.Result
	var recvErr error

	wg.Add(2)
	go func() {
		defer wg.Done()
		sendErr = sender.Send(sigCtx, filepath.Base(*filePath), "application/octet-stream", blob)
	}()
	go func() {
		defer wg.Done()
		recvResult, recvErr = receiver.Receive(sigCtx)
	}()
	wg.Wait()

	success := sendErr == nil && recvErr == nil
	metrics.RecordTransferComplete(role, success, time.Since(start).Seconds())

	if stats, err := chunkStore.ComputeStats(); err == nil {
		metrics.DiskSpaceUsedBytes.Set(float64(stats.TotalBytes))
	}

	if sendErr != nil {
		logger.TransferFailed("sender", sendErr)
	}
	if recvErr != nil {
		logger.TransferFailed("receiver", recvErr)
	}
	if !success {
		os.Exit(1)
	}

	outPath := filepath.Join(*outDir, recvResult.Name)
	if err := os.WriteFile(outPath, recvResult.Data, 0644); err != nil {
		logger.Fatal(err, "failed to write received file")
	}
	logger.Info(fmt.Sprintf("transfer complete: wrote %s (%d bytes)", outPath, len(recvResult.Data)))
}

func startObservabilityServer(addr string, metrics *observability.Metrics, health *observability.HealthChecker, logger *observability.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/healthz", health.Handler())

	server := &http.Server{Addr: addr, Handler: mux}
	logger.Info("observability server listening on " + addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error(err, "observability server error")
	}
}

// printObserver prints transfer events and progress to stdout via the
// structured logger. It records no metrics itself; chunk counts reach
// Prometheus through the engines' WithSenderMetrics/WithReceiverMetrics.
type printObserver struct {
	logger  *observability.Logger
	metrics *observability.Metrics
	role    string
}

func (o *printObserver) OnEvent(evt engine.TransferEvent) {
	o.logger.Info(fmt.Sprintf("[%s] %s: %s", o.role, evt.Kind, evt.Message))
}

func (o *printObserver) OnProgress(snap sessionstore.ProgressSnapshot) {
	o.logger.TransferProgress(snap.SessionID, int(snap.CurrentChunk), int(snap.TotalChunks),
		snap.TransferSpeed, time.Since(snap.StartedTime))
}

func (o *printObserver) OnError(err error) {
	o.logger.TransferFailed(o.role, err)
}
