// Command libtunnel-server runs a standalone tunnel server: it binds a
// control address for clients and, per configured profile, a visitor
// address. Profile definitions and CLI parsing are kept deliberately
// thin here - the library itself has no opinion on configuration format.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	tunnel "github.com/nullnetlabs/libtunnel"
)

type profileFlagList []tunnel.Profile

func (p *profileFlagList) String() string {
	parts := make([]string, len(*p))
	for i, prof := range *p {
		parts[i] = prof.UniqueID
	}
	return strings.Join(parts, ",")
}

// Set parses "id=visitor_addr[,token]" into a Profile and appends it.
func (p *profileFlagList) Set(value string) error {
	idAndRest := strings.SplitN(value, "=", 2)
	if len(idAndRest) != 2 || idAndRest[0] == "" {
		return fmt.Errorf("profile %q: expected id=visitor_addr[,token]", value)
	}
	rest := strings.SplitN(idAndRest[1], ",", 2)
	prof := tunnel.Profile{UniqueID: idAndRest[0], VisitorAddr: rest[0]}
	if len(rest) == 2 {
		prof.VisitorToken = rest[1]
	}
	*p = append(*p, prof)
	return nil
}

func main() {
	controlAddr := flag.String("control-addr", ":9000", "address to listen for client control connections")
	metricsAddr := flag.String("metrics-addr", "", "address to serve Prometheus metrics on (empty disables)")
	idleTimeout := flag.Duration("idle-timeout", 5*time.Minute, "idle timeout for visitor<->client data channels (0 disables)")
	var profiles profileFlagList
	flag.Var(&profiles, "profile", "profile definition id=visitor_addr[,token] (repeatable)")
	flag.Parse()

	log := tunnel.NewLogger()

	registry := tunnel.NewProfileRegistry()
	for _, p := range profiles {
		if err := registry.InsertProfile(p); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	reg := prometheus.NewRegistry()
	metrics := tunnel.NewMetrics("libtunnel", reg)
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.Errorf("metrics server: %v", err)
			}
		}()
	}

	server := tunnel.NewServer(tunnel.ServerConfig{
		ControlAddr:        *controlAddr,
		Profiles:           registry,
		SessionIdleTimeout: *idleTimeout,
		Log:                log,
		Metrics:            metrics,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(ctx) }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			log.Errorf("server stopped: %v", err)
		}
	}
	server.Shutdown()
}
