package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/go-chi/chi/v5"

	"github.com/golang/glog"

	"github.com/haloflow/collab/collab"
)

const Version = "0.1.0"

const DefaultListen = "127.0.0.1:7410"
const DefaultDbPath = "collab.sqlite3"

func main() {
	usage := fmt.Sprintf(
		`Collab sync daemon.

Serves the realtime sync endpoint at /ws and diagnostics at /stats.

Usage:
    collabd serve [--listen=<listen>] [--db=<db>]

Options:
    -h --help          Show this screen.
    --version          Show version.
    --listen=<listen>  Listen address [default: %s].
    --db=<db>          Sqlite snapshot path [default: %s].`,
		DefaultListen,
		DefaultDbPath,
	)

	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")

	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		panic(err)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	}
}

func serve(opts docopt.Opts) {
	listen, _ := opts.String("--listen")
	dbPath, _ := opts.String("--db")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := collab.OpenSnapshotStore(dbPath)
	if err != nil {
		glog.Errorf("open snapshot store = %s\n", err)
		os.Exit(1)
	}
	defer store.Close()

	registry := collab.NewRoomRegistryWithDefaults(cancelCtx, store.SaveFunc())
	server := collab.NewServerWithDefaults(cancelCtx, registry)

	router := chi.NewRouter()
	router.Get("/ws", server.ServeHTTP)
	router.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(registry.Stats())
	})
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	httpServer := &http.Server{
		Addr:    listen,
		Handler: router,
	}

	go func() {
		glog.Infof("collabd listening on %s\n", listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			glog.Errorf("listen = %s\n", err)
			cancel()
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-cancelCtx.Done():
	}

	glog.Infof("collabd shutting down\n")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
	server.Close()
	// saves every remaining room before exit
	registry.Close()
}
