// Command healthcheck is the container probe: it exits non-zero unless the
// status server answers 200. With -ready it checks /readyz instead of
// /healthz, so the probe fails while the bot is not in its channel.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"time"
)

func main() {
	ready := flag.Bool("ready", false, "probe /readyz instead of /healthz")
	flag.Parse()

	addr := os.Getenv("STATUS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:8080"
	}
	if err := probe(context.Background(), probeURL(addr, *ready)); err != nil {
		log.Print(err)
		os.Exit(1)
	}
}

// probeURL turns a listen address into a URL the probe can reach; an empty
// or unspecified host means localhost.
func probeURL(addr string, ready bool) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		host, port = addr, "8080"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	path := "/healthz"
	if ready {
		path = "/readyz"
	}
	return "http://" + net.JoinHostPort(host, port) + path
}

func probe(ctx context.Context, url string) error {
	client := &http.Client{Timeout: 3 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("failed to close response body: %v", err)
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: status %d", url, resp.StatusCode)
	}
	return nil
}
