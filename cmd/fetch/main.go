package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/Amund211/fetchcache/internal/adapters/cache"
	"github.com/Amund211/fetchcache/internal/adapters/diskcache"
	"github.com/Amund211/fetchcache/internal/adapters/failedurls"
	"github.com/Amund211/fetchcache/internal/adapters/fetcher"
	"github.com/Amund211/fetchcache/internal/app"
	"github.com/Amund211/fetchcache/internal/domain"
	"github.com/Amund211/fetchcache/internal/logging"
	"github.com/spf13/pflag"
	"github.com/tunabay/go-infounit"
)

func defaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ".fetchcache"
	}
	return filepath.Join(dir, "fetchcache")
}

type progressPrinter struct {
	mu   sync.Mutex
	last map[string]int
}

func (p *progressPrinter) print(url string, fraction float64) {
	percent := int(fraction * 100)

	p.mu.Lock()
	defer p.mu.Unlock()
	if last, ok := p.last[url]; ok && percent-last < 10 && percent < 100 {
		return
	}
	p.last[url] = percent
	fmt.Fprintf(os.Stderr, "%3d%% %s\n", percent, url)
}

type outcome struct {
	url    string
	result domain.Result
}

func main() {
	key := pflag.StringP("key", "k", "", "Cache key to use instead of the one derived from the url. Only valid with a single url.")
	rawOptions := pflag.String("options", "", "Comma separated request options, e.g. retryFailed,lowPriority")
	cacheDir := pflag.String("cache-dir", defaultCacheDir(), "Directory of the persistent cache")
	noDisk := pflag.Bool("no-disk", false, "Disable the persistent cache")
	output := pflag.StringP("output", "o", "", "Write the resource to this file. Only valid with a single url.")
	timeout := pflag.Duration("timeout", 30*time.Second, "Timeout for each network fetch. 0 disables the timeout.")
	verbose := pflag.BoolP("verbose", "v", false, "Log debug output")
	pflag.Parse()

	urls := pflag.Args()
	if len(urls) == 0 {
		fmt.Fprintln(os.Stderr, "usage: fetch [flags] URL...")
		pflag.PrintDefaults()
		os.Exit(2)
	}
	if len(urls) > 1 && (*key != "" || *output != "") {
		fmt.Fprintln(os.Stderr, "--key and --output require a single url")
		os.Exit(2)
	}

	options, err := domain.ParseOptions(*rawOptions)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(logging.NewTracingLogHandler(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logging.AddToContext(ctx, logger)

	var persistent app.PersistentCache
	if !*noDisk {
		store, err := diskcache.NewFSStore(ctx, *cacheDir, diskcache.WithMaxSize(infounit.Gigabyte))
		if err != nil {
			logger.Error("Failed to open cache directory", "error", err.Error(), "dir", *cacheDir)
			os.Exit(1)
		}
		persistent = store
	}

	memory := cache.NewTTLCache[domain.Resource](time.Minute, 128)
	defer memory.Stop()

	httpFetcher, err := fetcher.NewHTTPFetcher(&http.Client{})
	if err != nil {
		logger.Error("Failed to initialize fetcher", "error", err.Error())
		os.Exit(1)
	}

	manager := app.NewFetchManager(
		memory,
		persistent,
		httpFetcher,
		failedurls.NewBasicStore(),
		app.WithFetchTimeout(*timeout),
	)
	defer manager.Close()

	printer := &progressPrinter{last: map[string]int{}}
	outcomes := make(chan outcome, len(urls))
	tickets := make([]*app.Ticket, 0, len(urls))
	for _, url := range urls {
		tickets = append(tickets, manager.Request(ctx, app.Request{
			URL:     url,
			Key:     *key,
			Options: options,
			OnProgress: func(fraction float64) {
				printer.print(url, fraction)
			},
			OnComplete: func(result domain.Result) {
				outcomes <- outcome{url: url, result: result}
			},
			OnStage: func(stage domain.Source) {
				logger.Debug("Request stage", "url", url, "stage", stage.String())
			},
		}))
	}

	failed := 0
	for range urls {
		select {
		case <-ctx.Done():
			for _, ticket := range tickets {
				manager.Cancel(ticket)
			}
			fmt.Fprintln(os.Stderr, "interrupted")
			os.Exit(130)
		case o := <-outcomes:
			if o.result.Err != nil {
				failed++
				fmt.Fprintf(os.Stderr, "FAIL %s: %s\n", o.url, o.result.Err.Error())
				continue
			}

			resource := o.result.Resource
			fmt.Printf("%-7s %10s %s %s\n",
				o.result.Source.String(),
				infounit.ByteCount(resource.Size()),
				resource.Key,
				resource.ContentType,
			)

			if *output != "" {
				if err := os.WriteFile(*output, resource.Data, 0o644); err != nil {
					failed++
					fmt.Fprintf(os.Stderr, "FAIL %s: %s\n", o.url, err.Error())
				}
			}
		}
	}

	if failed > 0 {
		os.Exit(1)
	}
}
