// Command crucible is the single binary for every Crucible control-plane
// role. Which role(s) a process runs is selected by -role, so the same
// binary scales out as independent dispatcher/watcher/reconciler/reaper
// processes or runs all of them in one process for a small deployment.
// It exposes only /health and /metrics: the HTTP API, dashboard, and
// auth surface live in a separate gateway process, not here.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/itskum47/crucible/internal/config"
	"github.com/itskum47/crucible/internal/coordination"
	"github.com/itskum47/crucible/internal/dispatcher"
	"github.com/itskum47/crucible/internal/durable"
	"github.com/itskum47/crucible/internal/ephemeral"
	"github.com/itskum47/crucible/internal/evalmodel"
	"github.com/itskum47/crucible/internal/eventbus"
	"github.com/itskum47/crucible/internal/pool"
	"github.com/itskum47/crucible/internal/queue"
	"github.com/itskum47/crucible/internal/reaper"
	"github.com/itskum47/crucible/internal/reconciler"
	"github.com/itskum47/crucible/internal/sandbox"
	"github.com/itskum47/crucible/internal/sandbox/dockerbackend"
	"github.com/itskum47/crucible/internal/sandbox/execbackend"
	"github.com/itskum47/crucible/internal/sandbox/k8sjobbackend"
	"github.com/itskum47/crucible/internal/statemachine"
	"github.com/itskum47/crucible/internal/streamapi"
	"github.com/itskum47/crucible/internal/watcher"
)

func main() {
	// "dispatcher" also runs the watcher: the two communicate over an
	// in-process handoff channel, so they only make sense as a single
	// deployable unit. "reconciler" run standalone subscribes to the
	// event bus instead of being called in-process.
	role := flag.String("role", "all", "one of: dispatcher, reconciler, reaper, all")
	httpAddr := flag.String("http-addr", ":8080", "address for /health and /metrics")
	streamAddr := flag.String("stream-addr", "", "address for the optional websocket event stream; empty disables it")
	flag.Parse()

	cfg := config.Load()
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sm, err := statemachine.Load(cfg.TransitionsFile)
	if err != nil {
		log.Fatalf("load transitions file %s: %v", cfg.TransitionsFile, err)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	eph, err := ephemeral.New(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		log.Fatalf("connect ephemeral store: %v", err)
	}

	redisBus := eventbus.NewRedisBus(redisClient, "node-"+hostname())
	var bus eventbus.Publisher = redisBus
	var subscriber eventbus.Subscriber = redisBus

	d := durableStore(ctx, cfg)
	objStore := durable.NewFileObjectStore(cfg.OutputStoreRoot)
	p := pool.New(cfg.PoolSize)
	q := queue.New()
	registry := buildRegistry(cfg)

	rec := reconciler.New(d, objStore, eph, p, sm, cfg.LargeOutputThreshold)
	rp := reaper.New(d, eph, p, rec, registry, cfg.ReaperGraceWindow)

	handoffs := make(chan dispatcher.Handoff, cfg.PoolSize*2)
	disp := dispatcher.New(q, rec, p, registry, eph, bus, handoffs, cfg.DispatcherBackoffBase, cfg.DispatcherBackoffCap)
	w := watcher.New(eph, rec, bus)

	coord := coordination.NewRedisCoordinator(redisClient)

	runRole := func(name string) bool {
		return *role == "all" || *role == name
	}

	if runRole("dispatcher") {
		go disp.Run(ctx, 100*time.Millisecond)
		go superviseHandoffs(ctx, handoffs, w)
		log.Println("[MAIN] dispatcher + watcher running")
	}

	if *role == "reconciler" {
		// In "all" mode the dispatcher and watcher already call
		// rec.ApplyEvent directly (the event bus is best-effort, so they
		// never rely solely on a subscriber). Run standalone, the
		// reconciler has no other source of events, so it must subscribe.
		if _, err := subscriber.Subscribe(func(evt eventbus.Event) {
			applyRawEvent(ctx, rec, evt)
		}); err != nil {
			log.Fatalf("subscribe reconciler to event bus: %v", err)
		}
		log.Println("[MAIN] reconciler subscribed to event bus")
	}

	if runRole("reaper") {
		elector := coordination.NewElector(coord, "reaper", 30*time.Second)
		elector.SetCallbacks(
			func(leaderCtx context.Context) {
				log.Println("[MAIN] elected leader for role reaper, starting sweep loop")
				rp.Run(leaderCtx, cfg.ReaperInterval)
			},
			func() {
				log.Println("[MAIN] lost leadership for role reaper")
			},
		)
		go elector.Run(ctx)
		const janitorGrace = 30 * time.Second // slack beyond a lease's own TTL before the janitor calls it abandoned
		janitor := coordination.NewJanitor(coord, janitorGrace)
		go janitor.Run(ctx, cfg.ReaperInterval)
	}

	if *streamAddr != "" && subscriber != nil {
		hub := streamapi.NewHub(subscriber)
		go func() {
			if err := hub.Run(ctx); err != nil {
				log.Printf("[MAIN] stream hub stopped: %v", err)
			}
		}()
		mux := http.NewServeMux()
		mux.Handle("/stream", hub)
		go func() {
			log.Printf("[MAIN] event stream listening on %s", *streamAddr)
			if err := http.ListenAndServe(*streamAddr, mux); err != nil && err != http.ErrServerClosed {
				log.Printf("[MAIN] stream server error: %v", err)
			}
		}()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{Addr: *httpAddr, Handler: mux}
	go func() {
		log.Printf("[MAIN] role=%s listening on %s", *role, *httpAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("[MAIN] shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)
}

// superviseHandoffs spawns one watcher.Supervise goroutine per handoff,
// the process boundary between C6 (admits) and C7 (supervises to
// completion).
func superviseHandoffs(ctx context.Context, handoffs <-chan dispatcher.Handoff, w *watcher.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case h := <-handoffs:
			go w.Supervise(ctx, h)
		}
	}
}

func durableStore(ctx context.Context, cfg *config.Config) durable.Store {
	if cfg.PostgresDSN == "" {
		log.Println("[MAIN] POSTGRES_DSN unset, using in-memory durable store (dev/test only)")
		return durable.NewMemoryStore()
	}
	store, err := durable.NewPostgresStore(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect durable store: %v", err)
	}
	return store
}

// buildRegistry wires one driver per recognized backend, always
// registering execbackend (it has no external dependency), and
// conditionally registering docker/k8sjob if their clients connect
// successfully, then maps every configured language to its chosen
// backend profile (config.SandboxBackend). The built-in languages use
// the "default" backend unless mapped explicitly; any other language
// with no SANDBOX_BACKEND_<LANG> entry gets no profile and fails to
// resolve.
func buildRegistry(cfg *config.Config) *sandbox.Registry {
	registry := sandbox.NewRegistry()
	registry.RegisterBackend("exec", execbackend.New(cfg.OutputStoreRoot+"/scratch"))

	if dockerDriver, err := dockerbackend.New(); err != nil {
		log.Printf("[MAIN] docker backend unavailable, languages mapped to it will fail to resolve: %v", err)
	} else {
		registry.RegisterBackend("docker", dockerDriver)
	}

	if clientset, err := buildKubernetesClient(); err != nil {
		log.Printf("[MAIN] k8s backend unavailable, languages mapped to it will fail to resolve: %v", err)
	} else {
		registry.RegisterBackend("k8sjob", k8sjobbackend.New(clientset, "crucible"))
	}

	defaultLimits := sandbox.Limits{MemoryBytes: 256 * 1024 * 1024, CPUCores: 1, Timeout: cfg.DefaultTimeout}
	defaultBackend := cfg.SandboxBackend["default"]

	// Seed the languages a fresh deployment should run out of the box
	// without per-language env vars; an explicit SANDBOX_BACKEND_<LANG>
	// always overrides this.
	knownLanguages := []string{"python"}
	for _, lang := range knownLanguages {
		registry.RegisterProfile(lang, sandbox.BackendProfile{Backend: defaultBackend, Limits: defaultLimits})
	}
	for lang, backend := range cfg.SandboxBackend {
		if lang == "default" {
			continue
		}
		registry.RegisterProfile(lang, sandbox.BackendProfile{Backend: backend, Limits: defaultLimits})
	}
	return registry
}

func buildKubernetesClient() (*kubernetes.Clientset, error) {
	restCfg, err := rest.InClusterConfig()
	if err != nil {
		kubeconfig := os.Getenv("KUBECONFIG")
		if kubeconfig == "" {
			kubeconfig = os.Getenv("HOME") + "/.kube/config"
		}
		restCfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("no in-cluster or kubeconfig credentials: %w", err)
		}
	}
	return kubernetes.NewForConfig(restCfg)
}

// applyRawEvent unmarshals an event-bus envelope's payload back into a
// LifecycleEvent for a standalone reconciler process, which has no
// other path to the events a dispatcher/watcher process published.
func applyRawEvent(ctx context.Context, rec *reconciler.Reconciler, evt eventbus.Event) {
	var lc evalmodel.LifecycleEvent
	if err := json.Unmarshal(evt.Payload, &lc); err != nil {
		log.Printf("[MAIN] dropping unreadable lifecycle event: %v", err)
		return
	}
	if err := rec.ApplyEvent(ctx, lc); err != nil {
		log.Printf("[MAIN] apply_event failed for %s: %v", lc.EvalID, err)
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return strings.ToLower(h)
}
