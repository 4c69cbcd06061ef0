package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	clientv3 "go.etcd.io/etcd/client/v3"
	"github.com/rs/zerolog"

	"github.com/fnmesh/globalscheduler/internal/config"
	"github.com/fnmesh/globalscheduler/internal/dispatch"
	"github.com/fnmesh/globalscheduler/internal/driver"
	"github.com/fnmesh/globalscheduler/internal/globalsched"
	"github.com/fnmesh/globalscheduler/internal/httpapi"
	"github.com/fnmesh/globalscheduler/internal/instance"
	"github.com/fnmesh/globalscheduler/internal/leader"
	"github.com/fnmesh/globalscheduler/internal/placement"
	"github.com/fnmesh/globalscheduler/internal/resourcegroup"
	"github.com/fnmesh/globalscheduler/internal/rpc"
	"github.com/fnmesh/globalscheduler/internal/signalrouter"
	"github.com/fnmesh/globalscheduler/internal/store"
	"github.com/fnmesh/globalscheduler/internal/topology"
	"github.com/fnmesh/globalscheduler/internal/wire"
)

// serveCmd delegates its own flags straight to config.Parse rather than
// registering them on cobra's pflag set: this process's knobs are a
// flat flag.FlagSet (see internal/config), and cobra here exists only
// to dispatch between serve and version.
var serveCmd = &cobra.Command{
	Use:                "serve",
	Short:              "run the global scheduler process",
	DisableFlagParsing: true,
	RunE:               runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	goFlags := flag.NewFlagSet("serve", flag.ContinueOnError)
	cfg, err := config.Parse(goFlags, args)
	if err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	log.SetOutput(os.Stdout)
	log.SetFlags(log.Lmicroseconds)

	st, err := newStore(cfg)
	if err != nil {
		return fmt.Errorf("build store: %w", err)
	}

	watcher, err := newWatcher(cfg)
	if err != nil {
		return fmt.Errorf("build leader watcher: %w", err)
	}

	dialer := rpc.GRPCDialer{}

	actor := globalsched.New(globalsched.Config{
		MaxLocalPerDomain:  32,
		MaxDomainPerDomain: 8,
		Store:              st,
		Dialer:             dialer,
		Launcher:           noopLauncher{},
		SelfAID:            cfg.NodeID,
	})
	watcher.Subscribe(actor.OnLeaderChange)

	cv := instance.NewControlView(st)

	candidates := actorCandidates{actor: actor}
	placer := placement.NewRoundRobinPlacer(candidates)
	metaSrc := dispatch.NewStoreMetaSource(st)
	agentDriver := driver.New(10 * time.Second)
	resolveDriver := dispatch.SingleDriverResolver(agentDriver)

	controller := dispatch.New(cv, st, metaSrc, placer, resolveDriver, cfg.RateLimitCapacity, actor, cfg.NodeID)
	defer controller.Stop()

	sigRouter := signalrouter.New(st, dialer, func(proxyID string) (string, bool) {
		return actor.GetLocalAddress(proxyID)
	})

	rgMgr := resourcegroup.New(st,
		func(ctx context.Context) (resourcegroup.RootDomainClient, error) {
			root, ok := actor.GetRootDomainInfo()
			if !ok {
				return nil, wire.NewError(wire.ErrInnerCommunication, "no root domain known")
			}
			return dialer.DialDomain(ctx, root.Address)
		},
		func(ctx context.Context, functionProxyID string) (rpc.LocalClient, error) {
			addr, ok := actor.GetLocalAddress(functionProxyID)
			if !ok {
				return nil, wire.NewError(wire.ErrInstanceNotFound, functionProxyID)
			}
			return dialer.DialLocal(ctx, addr)
		},
	)
	defer rgMgr.Stop()
	watcher.Subscribe(rgMgr.OnLeaderChange)

	queueFeed := topology.NewQueueFeed(st, wire.ScheduleQueuePrefix)
	defer queueFeed.Stop()

	srv := &httpapi.Server{
		Actor:       actor,
		ResourceMgr: rgMgr,
		SignalRoute: sigRouter,
		QueueFeed:   queueFeed,
		NodeID:      cfg.NodeID,
	}
	router := httpapi.NewRouter(srv)

	httpSrv := &http.Server{Addr: cfg.Listen, Handler: router}
	go func() {
		log.Printf("globalscheduler: listening on %s", cfg.Listen)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("globalscheduler: http server error: %s", err)
		}
	}()

	<-interrupt()
	log.Printf("globalscheduler: shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(ctx)
}

func newStore(cfg *config.Config) (store.Store, error) {
	if cfg.StoreBackend == "memory" {
		return store.NewMemory(), nil
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.EtcdEndpoints,
		DialTimeout: cfg.EtcdDialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("dial etcd: %w", err)
	}
	return store.NewEtcd(client, zerolog.New(os.Stdout).With().Timestamp().Logger()), nil
}

func newWatcher(cfg *config.Config) (leader.Watcher, error) {
	if len(cfg.RaftPeers) == 0 && !cfg.RaftBootstrap {
		return leader.NewStaticWatcher(leader.RoleMaster, cfg.NodeID), nil
	}
	peerAddrs, err := cfg.PeerHTTPAddrs()
	if err != nil {
		return nil, err
	}
	w, err := leader.NewRaftWatcher(leader.RaftConfig{
		NodeID:        cfg.NodeID,
		BindAddr:      cfg.RaftBindAddr,
		DataDir:       cfg.RaftDataDir,
		Bootstrap:     cfg.RaftBootstrap,
		PeerHTTPAddrs: peerAddrs,
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

// actorCandidates adapts globalsched.Actor to placement.Candidates.
type actorCandidates struct {
	actor *globalsched.Actor
}

func (a actorCandidates) Names() []string {
	nodes := a.actor.QueryNodes()
	names := make([]string, 0, len(nodes))
	for _, n := range nodes {
		names = append(names, n.Name)
	}
	return names
}

func (a actorCandidates) Address(name string) (string, bool) {
	return a.actor.GetLocalAddress(name)
}

// noopLauncher refuses to launch a co-resident root Domain; a real
// deployment launches the root Domain scheduler as a separate process
// and registers it, rather than in-process.
type noopLauncher struct{}

func (noopLauncher) LaunchRootDomain(ctx context.Context) (wire.NodeView, error) {
	return wire.NodeView{}, wire.NewError(wire.ErrInnerSystemError, "no co-resident root domain launcher configured")
}

func interrupt() chan os.Signal {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	return c
}
