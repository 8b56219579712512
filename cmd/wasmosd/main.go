// Command wasmosd is the embedded OS service entrypoint: it wires the
// transport dispatch registry, the OTA update engine, the application
// registry and lifecycle manager, the cooperative task scheduler, the
// MQTT event bus, the cloud-push firmware transport, and the debug
// console, following the teacher's init-then-background-goroutines
// structure (SPEC_FULL.md §9).
package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"strconv"
	"os/signal"
	"syscall"
	"time"

	"openenterprise/wasmcore/appreg"
	"openenterprise/wasmcore/applifecycle"
	"openenterprise/wasmcore/config"
	"openenterprise/wasmcore/console"
	"openenterprise/wasmcore/eventbus"
	"openenterprise/wasmcore/flashsim"
	"openenterprise/wasmcore/ota"
	"openenterprise/wasmcore/scheduler"
	"openenterprise/wasmcore/transport"
	"openenterprise/wasmcore/transport/cloudpush"
	"openenterprise/wasmcore/version"
	"openenterprise/wasmcore/wasmrt"

	"github.com/soypat/lneto/x/xnet"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	logger.Info("wasmosd:starting", "version", version.String())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	dataDir := os.Getenv("WASMOS_DATA_DIR")
	if dataDir == "" {
		dataDir = "./wasmos-data"
	}
	storage, err := appreg.NewOSStorage(dataDir)
	if err != nil {
		logger.Error("wasmosd:storage-init-failed", "err", err)
		os.Exit(1)
	}

	registry := appreg.New(config.DefaultMaxApps, storage, logger)
	if err := registry.Load(); err != nil {
		logger.Warn("wasmosd:registry-load", "err", err)
	}

	wazero := wasmrt.NewWazeroEngine(ctx)
	defer wazero.Close(ctx)
	cache := wasmrt.NewModuleCache(config.DefaultHandlersPerType*4, logger)
	instances := wasmrt.NewInstanceMap(config.DefaultMaxApps)
	runtime := applifecycle.NewDefaultRuntime(wazero, cache, instances)

	apps := applifecycle.New(registry, runtime, storage, logger)
	apps.RegisterStateChangeCallback(func(id uint32, old, new appreg.AppState) {
		logger.Info("app:state-change", "id", id, "from", old.String(), "to", new.String())
	})

	flash := flashsim.NewRAMFlash(config.DefaultSecondarySlotSize, uint32(config.DefaultFlashWriteAlign))
	bootloader := &flashsim.Bootloader{}
	otaEngine := ota.New(flash, bootloader, logger)
	if err := otaEngine.Init(); err != nil {
		logger.Error("wasmosd:ota-init-failed", "err", err)
		os.Exit(1)
	}
	defer otaEngine.Close()

	sched := scheduler.New(config.DefaultMaxTasks)

	transportRegistry := transport.New(logger)

	var stack *xnet.StackAsync // provided by the platform's network driver; nil disables network-facing servers
	if stack != nil {
		if broker, err := config.EventBusBroker(); err == nil {
			bus := eventbus.NewMQTTPublisher(stack, broker, logger)
			if err := bus.Connect(); err != nil {
				logger.Warn("wasmosd:eventbus-connect-failed", "err", err)
			} else {
				defer bus.Close()
				otaEngine.SetPublisher(bus)
			}
		}

		cloudPort := portFromAddr(config.CloudPushListen())
		cloudSrv := cloudpush.NewServer(stack, cloudPort, otaEngine, transportRegistry, logger)
		go func() {
			if err := cloudSrv.Serve(ctx.Done()); err != nil {
				logger.Error("wasmosd:cloudpush-exited", "err", err)
			}
		}()

		consoleSrv := console.New(2323)
		consoleSrv.Apps = apps
		consoleSrv.OTA = otaEngine
		consoleSrv.Scheduler = sched
		consoleSrv.Transport = transportRegistry
		consoleSrv.Logger = logger
		consoleSrv.RebootFn = func() { otaEngine.RebootToApply(0) }
		go func() {
			if err := consoleSrv.Serve(stack, ctx.Done()); err != nil {
				logger.Error("wasmosd:console-exited", "err", err)
			}
		}()
	} else {
		logger.Warn("wasmosd:no-network-stack", "msg", "cloudpush and console servers disabled; wire a platform xnet.StackAsync to enable them")
	}

	for _, entry := range registry.List() {
		if entry.IsPreloaded && entry.State != appreg.Running {
			if err := apps.Start(ctx, entry.Name); err != nil {
				logger.Warn("wasmosd:preloaded-app-start-failed", "name", entry.Name, "err", err)
			}
		}
	}

	logger.Info("wasmosd:ready")

	tick := time.NewTicker(time.Duration(config.DefaultTimeSliceMs) * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("wasmosd:shutting-down")
			_ = registry.Save()
			return
		case now := <-tick.C:
			sched.Tick(now)
			sched.Run()
		}
	}
}

func portFromAddr(addr string) uint16 {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 4242
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 4242
	}
	return uint16(port)
}
