package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"sehlabs.com/tuplekv/internal/config"
	"sehlabs.com/tuplekv/internal/db"
)

var (
	serverAddress      net.IP
	serverPort         string
	tlsCertificateFile string
	tlsPrivateKeyFile  string
	configFile         string
	shardCount         int
	vacuumInterval     time.Duration
)

func fatalf(code int, format string, a ...interface{}) {
	w := os.Stderr
	if _, err := fmt.Fprintf(w, format, a...); err == nil {
		fmt.Fprintln(w)
	}
	os.Exit(code)
}

func init() {
	flag.IPVar(&serverAddress, "server-address", nil,
		`IP address on which to serve HTTP requests`)
	flag.StringVar(&serverPort, "server-port", "",
		`Port on which to serve HTTP requests`)
	flag.StringVar(&tlsCertificateFile, "tls-cert-file", "",
		`File containing the X.509 certificates with which to serve HTTPS,
containing certificates for this server, any intermediate CAs, and the CA`)
	flag.StringVar(&tlsPrivateKeyFile, "tls-private-key-file", "",
		`File containing the X.509 private key for the first X.509 certificate
in --tls-cert-file`)
	flag.StringVar(&configFile, "config", "",
		`Path to an explicit JSONC config file, taking precedence over any
global or project config file`)
	flag.IntVar(&shardCount, "shard-count", 0,
		`Number of independently locked shards to divide the key space
across (default taken from config, ultimately 512)`)
	flag.DurationVar(&vacuumInterval, "vacuum-interval", 0,
		`Interval between automatic vacuum passes (default taken from
config, ultimately 5m)`)
}

type tlsConfig struct {
	certificateFilePath string
	privateKeyFilePath  string
}

func joinIPAddressAndPort(address net.IP, port string) string {
	var host string
	var empty net.IP
	if !address.Equal(empty) {
		host = address.String()
	}
	return net.JoinHostPort(host, port)
}

func runHTTPServer(address net.IP, port string, tlsConf *tlsConfig, handler http.Handler, stop <-chan struct{}) error {
	server := &http.Server{
		Addr:    joinIPAddressAndPort(address, port),
		Handler: handler,
	}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-stop
		// Don't bother imposing a timeout here.
		if err := server.Shutdown(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "failed to shut down HTTP server: %v\n", err)
		}
	}()
	var err error
	if tlsConf != nil {
		err = server.ListenAndServeTLS(tlsConf.certificateFilePath, tlsConf.privateKeyFilePath)
	} else {
		err = server.ListenAndServe()
	}
	if err != http.ErrServerClosed {
		return err
	}
	wg.Wait()
	return nil
}

func main() {
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var serverAddressOverride string
	if serverAddress != nil {
		serverAddressOverride = serverAddress.String()
	}
	cfg, err := config.LoadConfig(config.LoadConfigInput{
		ConfigPath:                 configFile,
		ServerAddressOverride:      serverAddressOverride,
		ServerPortOverride:         serverPort,
		TLSCertificateFileOverride: tlsCertificateFile,
		TLSPrivateKeyFileOverride:  tlsPrivateKeyFile,
		ShardCountOverride:         shardCount,
		VacuumIntervalOverride:     vacuumInterval,
	})
	if err != nil {
		fatalf(1, "Failed to load configuration: %v", err)
	}

	var resolvedAddress net.IP
	if cfg.ServerAddress != "" {
		resolvedAddress = net.ParseIP(cfg.ServerAddress)
	}

	var serverTLSConfig *tlsConfig
	if len(cfg.TLSCertificateFile) > 0 {
		serverTLSConfig = &tlsConfig{
			certificateFilePath: cfg.TLSCertificateFile,
			privateKeyFilePath:  cfg.TLSPrivateKeyFile,
		}
	}

	resolvedPort := cfg.ServerPort
	if len(resolvedPort) == 0 {
		if serverTLSConfig != nil {
			resolvedPort = "443"
		} else {
			resolvedPort = "80"
		}
	}
	// TODO(seh): Wrap with OpenTelemetry instrumentation.
	store, err := db.MakeShardedStore(db.WithShardCount(cfg.ShardCount))
	if err != nil {
		fatalf(1, "Failed to create database: %v", err)
	}
	go runVacuumLoop(ctx, store, cfg.VacuumInterval)
	handler := makeHandler(store)
	if err := runHTTPServer(resolvedAddress, resolvedPort, serverTLSConfig, handler, ctx.Done()); err != nil {
		fatalf(1, "HTTP server failed: %v", err)
	}
}

func runVacuumLoop(ctx context.Context, store *db.ShardedStore, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.Vacuum(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "vacuum pass failed: %v\n", err)
			}
		}
	}
}
