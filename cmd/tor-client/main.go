// Command tor-client is a native demo of the embedding API: bootstrap
// against a directory endpoint, fetch a URL through a circuit, and print
// the raw response.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"github.com/cmyocyte/tor-wasm/pkg/client"
	"github.com/cmyocyte/tor-wasm/pkg/config"
	"github.com/cmyocyte/tor-wasm/pkg/logger"
)

var version = "0.1.0-dev"

func main() {
	directoryURL := flag.String("directory-url", "", "HTTP base URL serving /tor/consensus (required)")
	target := flag.String("url", "", "URL to fetch through a circuit (required)")
	proxyAddr := flag.String("proxy", "", "optional upstream SOCKS5 proxy host:port for the first hop")
	stateDir := flag.String("state-dir", "", "directory for persistent guard/consensus state")
	stateSecret := flag.String("state-secret", "", "secret encrypting persistent state (required with -state-dir)")
	isolation := flag.String("isolation", "per-domain", "isolation policy: per-domain, per-destination, per-request, none")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	timeout := flag.Duration("timeout", 3*time.Minute, "overall deadline")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("tor-wasm client %s\n", version)
		return
	}
	if *directoryURL == "" || *target == "" {
		fmt.Fprintln(os.Stderr, "both -directory-url and -url are required")
		flag.Usage()
		os.Exit(2)
	}

	cfg := config.DefaultConfig()
	cfg.DirectoryURL = *directoryURL
	cfg.ProxyAddr = *proxyAddr
	cfg.IsolationPolicy = *isolation
	cfg.LogLevel = *logLevel
	if *stateDir != "" {
		cfg.StateDir = *stateDir
		cfg.StateSecret = []byte(*stateSecret)
	}

	if err := run(cfg, *target, *timeout); err != nil {
		fmt.Fprintf(os.Stderr, "tor-client: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, target string, timeout time.Duration) error {
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	log := logger.New(level, os.Stderr)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	c, err := client.New(cfg, log)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Bootstrap(ctx); err != nil {
		return err
	}
	stats := c.GetStats()
	log.Info("Bootstrapped", "relays", stats.Relays, "guards", stats.GuardsActive)

	conn, err := c.Fetch(ctx, target)
	if err != nil {
		return err
	}
	defer conn.Close()

	u, err := url.Parse(target)
	if err != nil {
		return err
	}
	pathPart := u.RequestURI()
	request := fmt.Sprintf("GET %s HTTP/1.1\r\nHost: %s\r\nConnection: close\r\n\r\n", pathPart, u.Hostname())
	if _, err := conn.Write([]byte(request)); err != nil {
		return err
	}

	if _, err := io.Copy(os.Stdout, conn); err != nil && err != io.EOF {
		return err
	}
	return nil
}
