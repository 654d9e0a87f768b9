// Command benchmark measures the request pipeline against a live wiki: disk
// cache replay speed, batched piped-title queries versus sequential ones, and
// generator paging throughput. Point it at a wiki you are allowed to hammer.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/olgasafonova/mediawiki-client/api"
)

type benchSite struct {
	name     string
	endpoint string
	version  api.Version
}

func (s *benchSite) String() string                  { return s.name }
func (s *benchSite) APIEndpoint() string             { return s.endpoint }
func (s *benchSite) Encoding() string                { return "utf-8" }
func (s *benchSite) Version() api.Version            { return s.version }
func (s *benchSite) Username() string                { return "" }
func (s *benchSite) LoggedIn() bool                  { return false }
func (s *benchSite) UsesOAuth() bool                 { return false }
func (s *benchSite) InvalidateToken(string)          {}
func (s *benchSite) CachedTokens() map[string]string { return nil }
func (s *benchSite) Login(context.Context) error     { return nil }

func (s *benchSite) GetToken(context.Context, string) (string, error) {
	return "", fmt.Errorf("benchmark runs anonymously, no tokens available")
}

// measureCachePerformance compares a network round trip against a disk cache
// replay of the same siteinfo query
func measureCachePerformance(ctx context.Context, client *api.Client) {
	fmt.Println("=== Cache Performance Test ===")
	fmt.Println()

	params := api.MustParams(map[string]any{
		"action": "query",
		"meta":   "siteinfo",
		"siprop": "general",
	})

	fmt.Println("1. Siteinfo Cache Test:")

	start := time.Now()
	if _, err := client.NewCachedRequest(params.Clone(), time.Hour).Submit(ctx); err != nil {
		fmt.Printf("   Error: %v\n", err)
		return
	}
	firstCall := time.Since(start)
	fmt.Printf("   First call (network):  %v\n", firstCall)

	start = time.Now()
	_, _ = client.NewCachedRequest(params.Clone(), time.Hour).Submit(ctx)
	secondCall := time.Since(start)
	fmt.Printf("   Second call (cached):  %v\n", secondCall)
	if secondCall > 0 {
		fmt.Printf("   Speedup: %.0fx faster\n", float64(firstCall)/float64(secondCall))
	}
	fmt.Println()
}

// measureBatchPerformance compares one piped-title query against the same
// lookups issued one title at a time
func measureBatchPerformance(ctx context.Context, client *api.Client) {
	fmt.Println("=== Batch vs Sequential Performance ===")
	fmt.Println()

	gen := client.NewListGenerator("allpages", nil, api.WithLimit(3))
	var titles []string
	for gen.Next(ctx) {
		if title, ok := gen.Item()["title"].(string); ok {
			titles = append(titles, title)
		}
	}
	if err := gen.Err(); err != nil {
		fmt.Printf("Error listing pages: %v\n", err)
		return
	}
	if len(titles) < 3 {
		fmt.Println("Not enough pages to test")
		return
	}

	fmt.Printf("Testing with %d pages: %v\n\n", len(titles), titles)

	fmt.Println("2. Piped titles (one request):")
	start := time.Now()
	_, err := client.NewRequest(api.MustParams(map[string]any{
		"action": "query",
		"prop":   "info",
		"titles": strings.Join(titles, "|"),
	})).Submit(ctx)
	if err != nil {
		fmt.Printf("   Error: %v\n", err)
		return
	}
	batchTime := time.Since(start)
	fmt.Printf("   Batch time for %d pages: %v\n", len(titles), batchTime)
	fmt.Println()

	fmt.Println("3. Sequential per-title requests (for comparison):")
	start = time.Now()
	for _, title := range titles {
		_, _ = client.NewRequest(api.MustParams(map[string]any{
			"action": "query",
			"prop":   "info",
			"titles": title,
		})).Submit(ctx)
	}
	sequentialTime := time.Since(start)
	fmt.Printf("   Sequential time for %d pages: %v\n", len(titles), sequentialTime)
	if batchTime > 0 {
		fmt.Printf("   Batch speedup: %.1fx faster\n", float64(sequentialTime)/float64(batchTime))
	}
	fmt.Println()
}

// measureGeneratorThroughput drains a paging generator and reports items per
// second across continuation rounds
func measureGeneratorThroughput(ctx context.Context, client *api.Client, limit int) {
	fmt.Println("=== Generator Paging Throughput ===")
	fmt.Println()

	fmt.Printf("4. allpages generator, %d items:\n", limit)
	gen := client.NewListGenerator("allpages", nil, api.WithLimit(limit))
	start := time.Now()
	count := 0
	for gen.Next(ctx) {
		count++
	}
	elapsed := time.Since(start)
	if err := gen.Err(); err != nil {
		fmt.Printf("   Error after %d items: %v\n", count, err)
		return
	}
	fmt.Printf("   Drained %d items in %v\n", count, elapsed)
	if elapsed > 0 {
		fmt.Printf("   Throughput: %.0f items/s\n", float64(count)/elapsed.Seconds())
	}
	fmt.Println()
}

func main() {
	endpoint := flag.String("api", "", "api.php endpoint URL (required)")
	siteName := flag.String("site", "benchwiki", "site name used for cache and throttle keys")
	version := flag.String("version", "1.31", "MediaWiki version of the target wiki")
	limit := flag.Int("limit", 200, "items to drain in the generator test")
	flag.Parse()

	if *endpoint == "" {
		fmt.Fprintln(os.Stderr, "usage: benchmark -api https://example.org/w/api.php [-site name] [-version 1.31] [-limit 200]")
		os.Exit(2)
	}

	ver, err := api.ParseVersion(*version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad -version: %v\n", err)
		os.Exit(2)
	}

	cfg, err := api.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	site := &benchSite{name: *siteName, endpoint: *endpoint, version: ver}
	client := api.NewClient(site, cfg, logger)
	defer client.Close()

	ctx := context.Background()

	fmt.Println("MediaWiki Client - Performance Measurements")
	fmt.Println("===========================================")
	fmt.Println()

	measureCachePerformance(ctx, client)
	measureBatchPerformance(ctx, client)
	measureGeneratorThroughput(ctx, client, *limit)

	fmt.Println("=== Summary ===")
	fmt.Println()
	fmt.Println("Key behaviors exercised:")
	fmt.Println("• Disk cache: repeated queries replay from disk instead of the network")
	fmt.Println("• Piped values: one request covers many titles at once")
	fmt.Println("• Continuation: the generator pages through results transparently")
	fmt.Println("• Connection reuse: HTTP keep-alive across all rounds")
}
