package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/w1xm/bsc_raster/config"
	"github.com/w1xm/bsc_raster/kinesis"
	"github.com/w1xm/bsc_raster/kinesis/simulator"
	"github.com/w1xm/bsc_raster/metrics"
	"github.com/w1xm/bsc_raster/raster"
	"github.com/w1xm/bsc_raster/shutter"
	"github.com/w1xm/bsc_raster/stage"
)

var (
	configPath  = flag.String("config", "raster.yaml", "raster configuration file")
	serialPort  = flag.String("serial", "", "serial port name, overrides device.port")
	addr        = flag.String("addr", "", "address to serve status on, e.g. 127.0.0.1:8503")
	simulate    = flag.Bool("simulate", false, "run against a simulated controller")
	listDevices = flag.Bool("list", false, "list attached controllers and exit")
)

const (
	exitOK        = 0
	exitFatal     = 1
	exitInvalid   = 2
	exitExecution = 3
)

func main() {
	flag.Parse()
	os.Exit(run())
}

func run() int {
	if *listDevices {
		devices, err := kinesis.ListDevices()
		if err != nil {
			log.Print(err)
			return exitFatal
		}
		for _, d := range devices {
			fmt.Printf("%s\t%s\n", d.Serial, d.Port)
		}
		return exitOK
	}

	runID := uuid.New().String()
	log.SetPrefix(fmt.Sprintf("[%s] ", runID[:8]))

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("loading config: %v", err)
		return exitFatal
	}
	spec, err := cfg.Raster.Spec()
	if err != nil {
		log.Print(err)
		return exitInvalid
	}
	a, b := cfg.Axes.A.AxisConfig(), cfg.Axes.B.AxisConfig()
	planner := &raster.Planner{TravelMax: cfg.TravelMax}
	if err := planner.Check(spec, a, b); err != nil {
		log.Print(err)
		return exitCode(err)
	}
	settings, err := kinesis.LoadSettingsFile(cfg.Device.Settings)
	if err != nil {
		log.Printf("loading stage settings: %v", err)
		return exitFatal
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	// runCtx is cancelled by a stop command as well as by signals.
	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.NewPrometheusRecorder(reg)

	server := NewServer(runID)
	server.SetStop(stop)
	if *addr != "" {
		srv := &http.Server{
			Handler:      server.Router(reg),
			Addr:         *addr,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			log.Printf("Listening on %v", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("status server: %v", err)
			}
		}()
		defer srv.Close()
	}

	ctrl, err := connect(ctx, cfg, settings, server.stageCallback)
	if err != nil {
		log.Print(err)
		server.setState(StateFailed, err)
		return exitFatal
	}
	defer stopPolling(ctrl, a.Axis, b.Axis)
	connectCtx, connectCancel := context.WithTimeout(ctx, 30*time.Second)
	err = ctrl.WaitConnected(connectCtx)
	connectCancel()
	if err != nil {
		log.Printf("waiting for controller: %v", err)
		server.setState(StateFailed, err)
		return exitFatal
	}

	var gate raster.Shutter
	if cfg.Shutter != nil {
		sh, err := shutter.Connect(ctx, cfg.Shutter.Config(), server.shutterCallback)
		if err != nil {
			log.Printf("connecting shutter: %v", err)
			server.setState(StateFailed, err)
			return exitFatal
		}
		gate = sh
	}

	waiter := &raster.Synchronizer{
		Messenger: ctrl,
		Timeout:   cfg.WaitTimeout,
		Recorder:  recorder,
	}

	server.setState(StateConfiguring, nil)
	if err := raster.NewConfigurator(ctrl, waiter).ConfigureAll(runCtx, a, b); err != nil {
		log.Print(err)
		server.setState(StateFailed, err)
		return exitFatal
	}

	planner.Converter = ctrl
	plan, err := planner.Plan(spec, a, b)
	if err != nil {
		log.Print(err)
		server.setState(StateFailed, err)
		return exitCode(err)
	}

	executor := raster.NewExecutor(ctrl, waiter)
	executor.Shutter = gate
	executor.ReturnDelay = cfg.ReturnDelay
	server.setState(StateRastering, nil)
	if err := executor.Execute(runCtx, plan); err != nil {
		log.Print(err)
		server.setState(StateFailed, err)
		return exitCode(err)
	}
	server.setState(StateDone, nil)
	log.Printf("raster finished")
	return exitOK
}

// connect opens the controller named by the flags and configuration, or a
// simulator.
func connect(ctx context.Context, cfg *config.Config, settings kinesis.Settings, cb stage.StatusCallback) (*kinesis.Controller, error) {
	if *simulate {
		channels := cfg.Axes.A.Channel
		if cfg.Axes.B.Channel > channels {
			channels = cfg.Axes.B.Channel
		}
		sim, conn := simulator.New(channels)
		sim.Speedup = 10
		go func() {
			if err := sim.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("simulator: %v", err)
			}
		}()
		log.Printf("using simulated controller with %d channels", channels)
		return kinesis.NewWithConn(ctx, conn, settings, cb), nil
	}

	port := *serialPort
	if port == "" {
		port = cfg.Device.Port
	}
	if port == "" {
		devices, err := kinesis.ListDevices()
		if err != nil {
			return nil, errors.Wrap(err, "listing devices")
		}
		d, err := pickDevice(devices, cfg.Device.SerialNumber)
		if err != nil {
			return nil, err
		}
		log.Printf("found controller %s at %q", d.Serial, d.Port)
		port = d.Port
	}
	return kinesis.Connect(ctx, port, settings, cb)
}

// stopPolling halts the status requests started while configuring axes.
func stopPolling(p poller, axes ...int) {
	for _, axis := range axes {
		p.StopPolling(axis)
	}
}

type poller interface {
	StopPolling(axis int)
}

func pickDevice(devices []kinesis.Device, serial string) (kinesis.Device, error) {
	if serial != "" {
		d, ok := kinesis.FindDevice(devices, serial)
		if !ok {
			return kinesis.Device{}, errors.Errorf("controller %s not found", serial)
		}
		return d, nil
	}
	for _, d := range devices {
		if len(d.Serial) >= 2 && d.Serial[:2] == kinesis.BenchtopStepperPrefix {
			return d, nil
		}
	}
	return kinesis.Device{}, errors.New("no benchtop stepper controller found")
}

func exitCode(err error) int {
	var (
		bounds    *raster.BoundsError
		stepCount *raster.InvalidStepCountError
		direction *raster.InvalidDirectionError
		execErr   *raster.ExecutionError
		notHomed  *raster.NotHomedError
	)
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &bounds), errors.As(err, &stepCount), errors.As(err, &direction):
		return exitInvalid
	case errors.As(err, &execErr), errors.As(err, &notHomed):
		return exitExecution
	}
	return exitFatal
}
