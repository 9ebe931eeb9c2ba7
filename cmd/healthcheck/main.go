// Command healthcheck is the container HEALTHCHECK probe: it exits 0 when the bridge's
// /healthz answers 200 and 1 otherwise.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	os.Exit(probe(context.Background(), healthURL(os.Getenv("HTTP_ADDR"))))
}

// healthURL builds the local /healthz URL from an HTTP_ADDR value such as ":8080".
func healthURL(addr string) string {
	if addr == "" || addr == "off" {
		addr = ":8080"
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + "/healthz"
}

func probe(ctx context.Context, url string) int {
	client := &http.Client{Timeout: 3 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 1
	}
	resp, err := client.Do(req)
	if err != nil {
		return 1
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("failed to close response body: %v", err)
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}
