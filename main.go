package main

import (
	"context"
	"crypto/tls"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"callroom/internal/callmgr"
	"callroom/internal/httpapi"
	"callroom/internal/nodeauth"
	"callroom/internal/protocol"
	"callroom/internal/registry"
	"callroom/internal/tlsutil"
	"callroom/internal/ws"
)

func main() {
	addr := flag.String("addr", ":8443", "HTTPS/WebSocket listen address")
	hostNode := flag.String("host-node", "", "this server's node identity, used as the call-id prefix (defaults to the listen address's host, or \"node\" when the address has none)")
	certValidity := flag.Duration("cert-validity", 24*time.Hour, "self-signed TLS certificate validity")
	tlsEnabled := flag.Bool("tls", true, "serve over TLS with a self-signed certificate")
	defaultRole := flag.String("default-role", string(protocol.RoleListener), "role granted to a joiner when not the call's creator (listener|chatter|speaker|admin)")
	seedCall := flag.Bool("seed-call", false, "create one call at startup and log its id, for local smoke-testing without a call-creation HTTP surface")
	flag.Parse()

	if !protocol.Role(*defaultRole).Valid() {
		slog.Error("invalid -default-role", "value", *defaultRole)
		os.Exit(1)
	}

	node := *hostNode
	if node == "" {
		if host, _, err := net.SplitHostPort(*addr); err == nil && host != "" {
			node = host
		} else {
			node = "node"
		}
	}

	reg := registry.New()
	fanout := ws.NewFanout(reg)
	calls := callmgr.New(node, fanout)
	nodeAuth := nodeauth.New()

	api := httpapi.New(calls, nodeAuth, reg, fanout, node)

	if *seedCall {
		_, info := calls.Create(protocol.Role(*defaultRole))
		slog.Info("seed call created", "call_id", info.ID, "default_role", *defaultRole)
	}

	var tlsConfig *tls.Config
	if *tlsEnabled {
		cfg, fingerprint, err := tlsutil.GenerateConfig(*certValidity, node)
		if err != nil {
			slog.Error("generate tls config", "err", err)
			os.Exit(1)
		}
		tlsConfig = cfg
		slog.Info("tls certificate generated", "fingerprint", fingerprint)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("shutting down")
		cancel()
	}()

	slog.Info("listening", "addr", *addr, "host_node", node, "tls", *tlsEnabled, "default_role", *defaultRole)

	var err error
	if tlsConfig != nil {
		err = runTLS(ctx, api, *addr, tlsConfig)
	} else {
		err = api.Run(ctx, *addr)
	}
	if err != nil {
		slog.Error("server exited", "err", err)
		os.Exit(1)
	}
}

// runTLS serves api's Echo handler over addr with tlsConfig, honoring ctx
// cancellation the same way Server.Run does for the plaintext path.
func runTLS(ctx context.Context, api *httpapi.Server, addr string, tlsConfig *tls.Config) error {
	srv := &http.Server{
		Addr:      addr,
		Handler:   api.Echo(),
		TLSConfig: tlsConfig,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServeTLS("", "")
	}()

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithCancel(context.Background())
		defer cancel()
		return srv.Shutdown(shutCtx)
	}
}
