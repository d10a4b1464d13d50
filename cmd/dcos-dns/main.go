package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/DominikDary/dcos-net/internal/config"
	"github.com/DominikDary/dcos-net/internal/dnsproj"
	"github.com/DominikDary/dcos-net/internal/metrics"
	"github.com/DominikDary/dcos-net/internal/mirror"
	"github.com/DominikDary/dcos-net/internal/operator"
	"github.com/DominikDary/dcos-net/internal/zonesink"
)

func main() {
	configPath := flag.String("config", "/etc/dcos-dns/dcos-dns.toml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("I! [dcos-dns] no config at %s (%v), using defaults", *configPath, err)
		cfg = config.Default()
	}

	logf := log.Printf

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logf("I! [dcos-dns] received signal %v, shutting down", sig)
		cancel()
	}()

	if err := run(ctx, cfg, logf); err != nil && !errors.Is(err, context.Canceled) {
		logf("E! [dcos-dns] fatal: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logf func(string, ...interface{})) error {
	etcdClient, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.EtcdEndpoints,
		DialTimeout: 10 * time.Second,
	})
	if err != nil {
		return err
	}
	defer etcdClient.Close()

	sink := zonesink.NewEtcdSink(etcdClient, "/dcos-dns/zones/")

	client, err := operator.New(cfg, "dcos-dns")
	if err != nil {
		return err
	}

	m := mirror.New(cfg, logf)
	m.OnStats(metrics.ObserveStats)
	m.OnBytes(metrics.ObserveBytes)
	m.OnMessage(metrics.ObserveMessage)
	m.OnFailure(metrics.ObserveFailure)
	m.OnAckDuration(metrics.ObservePubsubDuration)

	proj := dnsproj.New(cfg, m, sink, logf)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	metricsSrv := &http.Server{Addr: cfg.MetricsListen, Handler: mux}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 3)

	go func() {
		ln, err := net.Listen("tcp", cfg.MetricsListen)
		if err != nil {
			errCh <- err
			cancel()
			return
		}
		logf("I! [dcos-dns] metrics listening on %s", cfg.MetricsListen)
		err = metricsSrv.Serve(ln)
		errCh <- err
		cancel()
	}()

	go func() {
		err := m.Run(ctx, client)
		errCh <- err
		cancel()
	}()

	go func() {
		err := proj.Run(ctx)
		errCh <- err
		cancel()
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		metricsSrv.Shutdown(shutdownCtx)
	}()

	var firstErr error
	for i := 0; i < 3; i++ {
		if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, http.ErrServerClosed) {
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
