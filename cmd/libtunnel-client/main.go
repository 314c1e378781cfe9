// Command libtunnel-client runs a standalone tunnel client: it connects
// to a tunnel server, opens a session for one profile id, and forwards
// visitor traffic to a local service address.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	tunnel "github.com/nullnetlabs/libtunnel"
)

func main() {
	serverAddr := flag.String("server-addr", "", "tunnel server control address (required)")
	localAddr := flag.String("local-addr", "", "local service address to forward visitor traffic to (required)")
	profileID := flag.String("profile-id", "", "profile id to authenticate this client's session as (required)")
	reconnectDelay := flag.Duration("reconnect-delay", tunnel.DefaultReconnectDelay, "delay before reconnecting after a session ends")
	flag.Parse()

	if *serverAddr == "" || *localAddr == "" || *profileID == "" {
		fmt.Fprintln(os.Stderr, "server-addr, local-addr and profile-id are all required")
		flag.Usage()
		os.Exit(2)
	}

	log := tunnel.NewLogger()
	client := tunnel.NewClient(tunnel.ClientConfig{
		ProfileID:      *profileID,
		ServerAddr:     *serverAddr,
		LocalAddr:      *localAddr,
		ReconnectDelay: *reconnectDelay,
		Log:            log,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	_ = client.Run(ctx)
}
