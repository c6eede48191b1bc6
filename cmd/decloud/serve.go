package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/decloudhq/decloud/pkg/api"
	"github.com/decloudhq/decloud/pkg/auth"
	"github.com/decloudhq/decloud/pkg/capacity"
	"github.com/decloudhq/decloud/pkg/cloudinit"
	"github.com/decloudhq/decloud/pkg/config"
	"github.com/decloudhq/decloud/pkg/delivery"
	"github.com/decloudhq/decloud/pkg/evaluator"
	"github.com/decloudhq/decloud/pkg/events"
	"github.com/decloudhq/decloud/pkg/gateway"
	"github.com/decloudhq/decloud/pkg/ingress"
	"github.com/decloudhq/decloud/pkg/latency"
	"github.com/decloudhq/decloud/pkg/lifecycle"
	"github.com/decloudhq/decloud/pkg/log"
	"github.com/decloudhq/decloud/pkg/mesh"
	"github.com/decloudhq/decloud/pkg/metering"
	"github.com/decloudhq/decloud/pkg/registry"
	"github.com/decloudhq/decloud/pkg/scheduler"
	"github.com/decloudhq/decloud/pkg/storage"
	"github.com/decloudhq/decloud/pkg/sysvm"
	"github.com/decloudhq/decloud/pkg/types"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		return serve(configPath)
	},
}

func init() {
	serveCmd.Flags().String("config", "", "path to YAML config (optional)")
}

func serve(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
		Output:     os.Stderr,
	})
	logger := log.WithComponent("serve")
	logger.Info().Str("version", Version).Str("data_dir", cfg.DataDir).Msg("starting orchestrator")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	gw, err := gateway.New(store)
	if err != nil {
		return err
	}

	broker := events.NewBroker(store)
	broker.Start()
	defer broker.Stop()

	eval := evaluator.New(&cfg.Scheduler)
	calc := capacity.New(&cfg.Scheduler, eval)

	ingressSvc, err := ingress.New(&cfg.Ingress, gw)
	if err != nil {
		return err
	}

	ports := lifecycle.NewPortAllocator()
	vms := lifecycle.NewManager(gw, broker, ingressSvc, ports)

	deliverer := delivery.New(&cfg.Delivery, gw, vms)
	deliverer.Start()
	defer deliverer.Stop()

	sched := scheduler.New(&cfg.Scheduler, gw, calc, deliverer, vms)
	sched.Start()
	defer sched.Stop()

	reg := registry.New(&cfg.Registry, gw, broker, eval, calc, vms)
	reg.Start()
	defer reg.Stop()

	var acme *ingress.ACMEClient
	if cfg.Ingress.AcmeEmail != "" {
		acme, err = ingress.NewACMEClient(&cfg.Ingress, ingressSvc)
		if err != nil {
			return fmt.Errorf("failed to initialize acme: %w", err)
		}
	}
	proxy := ingress.NewProxy(&cfg.Ingress, ingressSvc, acme)
	ingressSvc.SetReloader(proxy)
	go func() {
		if err := proxy.Start(ctx); err != nil {
			log.Errorf("ingress proxy stopped", err)
		}
	}()

	meshMgr := mesh.New(&cfg.Mesh, gw, broker)
	meshMgr.Start()
	defer meshMgr.Stop()

	renderer := cloudinit.New(&cfg.SystemVms)
	sysCtrl := sysvm.New(&cfg.SystemVms, gw, broker,
		sysvm.NewDhtDeployer(gw, renderer, deliverer),
		sysvm.NewRelayDeployer(gw, renderer, meshMgr, deliverer),
		sysvm.NewDisabledDeployer(types.RoleBlockStore),
		sysvm.NewDisabledDeployer(types.RoleIngress),
	)
	sysCtrl.Start()
	defer sysCtrl.Stop()
	ready := sysvm.NewReadyHandler(sysCtrl, meshMgr)

	chain, err := metering.NewChainClient(&cfg.Metering)
	if err != nil {
		return err
	}
	settlement := metering.NewSettlementService(&cfg.Metering, gw, broker, chain)
	settlement.Start()
	defer settlement.Stop()

	meter := metering.New(&cfg.Metering, gw, broker, settlement)
	meter.Start()
	defer meter.Stop()

	tracker := latency.New(&cfg.Latency, gw)
	tracker.Start()
	defer tracker.Stop()

	authSvc := auth.New(&cfg.Auth, gw)

	server := api.New(cfg, gw, broker, reg, deliverer, vms, ingressSvc, authSvc, ready)
	if err := server.Start(ctx); err != nil {
		return err
	}

	logger.Info().Msg("orchestrator stopped")
	return nil
}
