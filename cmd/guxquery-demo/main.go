package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sync/atomic"
	"time"

	"github.com/dougbarrett/guxquery/key"
	"github.com/dougbarrett/guxquery/mutation"
	"github.com/dougbarrett/guxquery/query"
	"github.com/fatih/color"
	"github.com/hashicorp/go-hclog"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	log := hclog.New(&hclog.LoggerOptions{Name: "guxquery-demo", Level: hclog.Info})

	switch os.Args[1] {
	case "query":
		runQueryDemo(loadConfig("query", os.Args[2:]), log)
	case "infinite":
		runInfiniteDemo(loadConfig("infinite", os.Args[2:]), log)
	case "mutate":
		runMutateDemo(loadConfig("mutate", os.Args[2:]), log)
	case "version", "-v", "--version":
		fmt.Println("guxquery-demo dev")
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// loadConfig parses the subcommand's --config flag and loads it, falling
// back to DefaultConfig when unset.
func loadConfig(name string, args []string) Config {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	configPath := fs.String("config", "", "Path to a TOML file overriding stale/gc/retry defaults")
	fs.Parse(args)

	if *configPath == "" {
		return DefaultConfig()
	}
	cfg, err := LoadConfigTOML(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func printUsage() {
	fmt.Println(`guxquery-demo - exercises the query/mutation engine end to end

Usage:
    guxquery-demo query [--config <path>]     Fetch a flaky query, observe retries
    guxquery-demo infinite [--config <path>]  Page through a paginated query
    guxquery-demo mutate [--config <path>]    Run a write with full callback lifecycle
    guxquery-demo version                     Show version
    guxquery-demo help                        Show this help

--config points at a TOML file overriding stale/gc/retry defaults (§3.8).`)
}

func buildRetry(cfg Config) func(attemptIndex int, err error) (time.Duration, bool) {
	return func(attemptIndex int, _ error) (time.Duration, bool) {
		if attemptIndex >= cfg.RetryMaxAttempts {
			return 0, false
		}
		return cfg.retryBaseDelay() << attemptIndex, true
	}
}

// runQueryDemo fetches a query whose fetcher fails twice before succeeding,
// printing every status transition as the retry controller drives it.
func runQueryDemo(cfg Config, log hclog.Logger) {
	c := query.NewClient(query.ClientConfig{Logger: log})

	var attempts int32
	fetch := func(*query.FetchContext) (any, error) {
		n := atomic.AddInt32(&attempts, 1)
		if n <= 2 {
			return nil, fmt.Errorf("transient failure on attempt %d", n)
		}
		return fmt.Sprintf("todo-list-v%d", n), nil
	}

	opts := query.NewOptions(key.New("todos"), fetch)
	opts.StaleDuration = query.StaleDuration(cfg.staleDuration())
	opts.GCDuration = query.GCDuration(cfg.gcDuration())
	opts.Retry = buildRetry(cfg)

	o := query.NewObserver(c, opts)
	defer o.Dispose()

	o.Subscribe(func(r query.Result) { printQueryResult(r) })
	printQueryResult(o.Result())

	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		s := o.Result().Status
		if s == query.StatusSuccess || s == query.StatusError {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	color.Cyan("invalidating and refetching on demand...")
	c.InvalidateQueries(query.ByKey(key.New("todos")))
	data, err := o.Refetch(context.Background(), true)
	if err != nil {
		color.Red("refetch failed: %v", err)
		return
	}
	color.Green("refetch resolved: %v", data)
}

func printQueryResult(r query.Result) {
	switch r.Status {
	case query.StatusPending:
		color.Yellow("[query] pending (fetchStatus=%v, failures=%d)", r.FetchStatus, r.FailureCount)
	case query.StatusSuccess:
		color.Green("[query] success: %v (stale=%v)", r.Data, r.IsStale)
	case query.StatusError:
		color.Red("[query] error: %v (failures=%d)", r.Error, r.FailureCount)
	}
}

// runInfiniteDemo pages through a synthetic three-page dataset.
func runInfiniteDemo(cfg Config, log hclog.Logger) {
	c := query.NewClient(query.ClientConfig{Logger: log})

	const total = 3
	fetch := func(fctx *query.FetchContext) (any, error) {
		page := fctx.PageParam.(int)
		time.Sleep(10 * time.Millisecond)
		return fmt.Sprintf("page-%d-of-%d", page, total-1), nil
	}

	io := query.NewInfiniteObserver(c, query.InfiniteOptions{
		Options:          query.NewOptions(key.New("feed"), fetch),
		InitialPageParam: 0,
		NextPageParamBuilder: func(d query.InfiniteData) (any, bool) {
			next := len(d.Pages)
			if next >= total {
				return nil, false
			}
			return next, true
		},
	})
	defer io.Dispose()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if d, ok := io.Result().Data.(query.InfiniteData); ok && len(d.Pages) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	for io.HasNextPage() {
		_, err := io.FetchNextPage(context.Background(), true)
		if err != nil {
			color.Red("fetchNextPage failed: %v", err)
			return
		}
	}

	d := io.Result().Data.(query.InfiniteData)
	color.Green("[infinite] pages: %v", d.Pages)
}

// runMutateDemo runs one write through the full onMutate/mutationFn/
// onSuccess/onSettled lifecycle, printing each callback as it fires.
func runMutateDemo(cfg Config, log hclog.Logger) {
	c := mutation.NewClient(mutation.ClientConfig{Logger: log})

	opts := mutation.Options{
		MutationKey: key.New("create-todo"),
		GCDuration:  mutation.GCDuration(cfg.gcDuration()),
		OnMutate: func(variables any, _ *mutation.FunctionContext) (any, error) {
			color.Cyan("[mutate] onMutate: optimistically adding %v", variables)
			return "optimistic-context", nil
		},
		MutationFn: func(variables any, _ *mutation.FunctionContext) (any, error) {
			if rand.Intn(10) == 0 {
				return nil, errors.New("server rejected the write")
			}
			return fmt.Sprintf("created:%v", variables), nil
		},
		OnSuccess: func(data, variables, mutateResult any, _ *mutation.FunctionContext) error {
			color.Green("[mutate] onSuccess: %v (ctx=%v)", data, mutateResult)
			return nil
		},
		OnError: func(err error, variables, mutateResult any, _ *mutation.FunctionContext) error {
			color.Red("[mutate] onError: %v", err)
			return nil
		},
		OnSettled: func(data any, err error, variables, mutateResult any, _ *mutation.FunctionContext) error {
			color.Cyan("[mutate] onSettled")
			return nil
		},
	}

	o := mutation.NewObserver(c, opts)
	defer o.Dispose()

	data, err := o.MutateAsync(context.Background(), "buy milk", nil)
	if err != nil {
		color.Red("mutate rejected: %v", err)
		return
	}
	color.Green("mutate resolved: %v", data)
}
