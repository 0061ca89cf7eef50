// mmu-host exercises the MMU filament transport engine against the
// simulated filament path. It loads an engine configuration, restores
// persisted state, runs tool swap cycles across every gate, and prints
// the per-gate statistics and swap counters.
//
// Usage:
//
//	mmu-host [options]
//
// Options:
//
//	-config string  Engine configuration file (default: built-in)
//	-vars string    Persisted variables file (default "mmu_vars.cfg")
//	-cycles int     Swap cycles across all gates (default 1)
//	-bowden float   Bowden length for uncalibrated gates, mm (default 450)
//	-api string     Serve the JSON-RPC status/control API on this address
//	-trace          Enable debug tracing
//
// Examples:
//
//	# One swap cycle over every gate with the built-in config
//	mmu-host
//
//	# Five cycles against a real config, tracing every move
//	mmu-host -config mmu.cfg -cycles 5 -trace
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"mmu-go-migration/pkg/api"
	"mmu-go-migration/pkg/config"
	"mmu-go-migration/pkg/encoder"
	"mmu-go-migration/pkg/endstop"
	"mmu-go-migration/pkg/espooler"
	"mmu-go-migration/pkg/filament"
	"mmu-go-migration/pkg/gate"
	"mmu-go-migration/pkg/log"
	"mmu-go-migration/pkg/mmuerr"
	"mmu-go-migration/pkg/motion"
	"mmu-go-migration/pkg/persist"
	"mmu-go-migration/pkg/reactor"
	"mmu-go-migration/pkg/selector"
	"mmu-go-migration/pkg/sensors"
	"mmu-go-migration/pkg/sequence"
	"mmu-go-migration/pkg/syncfb"
)

func main() {
	configFile := flag.String("config", "", "Engine configuration file (default: built-in)")
	varsFile := flag.String("vars", "mmu_vars.cfg", "Persisted variables file")
	cycles := flag.Int("cycles", 1, "Swap cycles across all gates")
	bowden := flag.Float64("bowden", 450, "Bowden length for uncalibrated gates (mm)")
	apiAddr := flag.String("api", "", "Serve the JSON-RPC status/control API on this address")
	trace := flag.Bool("trace", false, "Enable debug tracing")
	flag.Parse()

	logger := log.GetLogger("mmu")
	if *trace {
		log.SetLevel(log.DEBUG)
	}

	var params *config.Params
	var hw *config.Hardware
	if *configFile != "" {
		cfg, err := config.Load(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
		params, err = config.LoadParams(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error in config: %v\n", err)
			os.Exit(1)
		}
		hw, err = config.LoadHardware(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error in hardware config: %v\n", err)
			os.Exit(1)
		}
	} else {
		params = config.DefaultParams(4)
	}

	// The 1-D simulation cannot model the encoder going quiet when the
	// filament leaves the gear, so the sim rig always fits a gate switch.
	params.GateHomingEndstop = endstop.NameGate

	store, err := persist.Open(*varsFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening variables file: %v\n", err)
		os.Exit(1)
	}

	rt := reactor.New()
	rt.Run()
	defer rt.End()

	// Simulated hardware. The encoder models a BMG wheel at 0.25mm per
	// count with 15mm of clog headroom.
	enc := encoder.New(0.25, 15)
	enc.Enable(rt.Monotonic())

	// The sim rig needs the gate and toolhead switches at minimum;
	// configured sensors add to that with their pin polarity.
	pins := map[string]config.Pin{}
	if hw != nil {
		for _, sp := range hw.Sensors {
			pins[sp.Name] = sp.Pin
		}
	}
	fitted := map[string]bool{endstop.NameGate: true, endstop.NameToolhead: true}
	for name := range pins {
		fitted[name] = true
	}
	reg := endstop.NewRegistry()
	for name := range fitted {
		ecfg := endstop.DefaultEndstopConfig()
		ecfg.Name = name
		if p, ok := pins[name]; ok {
			ecfg.Pin = p.FullName()
			ecfg.Inverted = p.Invert
		}
		reg.Register(endstop.New(ecfg))
	}

	drv := motion.NewSimDriver(enc, reg)
	gear := motion.NewSimGear(22.7)
	gates := gate.NewSet(params.NumGates, params.GateSpeedOverride, store)
	fil := filament.NewMachine(store)
	// The simulated path always starts parked, whatever the last run
	// persisted.
	fil.SetPosition(filament.PosUnloaded)

	esp := espooler.New(espooler.Config{
		MinSpeed:      params.EspoolerMinSpeed,
		MinDistance:   params.EspoolerMinDistance,
		SpeedExponent: params.EspoolerPowerExponent,
		MaxPower:      params.EspoolerMaxPower,
		BurstPower:    0.4,
		BurstDuration: 0.4,
		BurstTrigger:  10,
	}, rt, func(g int, duty float64) {
		logger.Debug("espooler gate %d duty %.2f", g, duty)
	})

	ctrl := motion.NewController(params, drv, gear, enc, esp, gates, fil)
	sens := sensors.NewManager(reg)
	sel := selector.NewSim(params.NumGates, 5)

	pause := func(err error) {
		logger.Error("print paused: %v", err)
	}
	var sync *syncfb.Controller
	if params.SyncFeedbackEnabled {
		sync = syncfb.NewController(params, rt, ctrl, enc.Distance, pause,
			func(rd float64) {
				if g := ctrl.SelectedGate(); g >= 0 {
					gates.SetRotationDistance(g, rd)
				}
			})
	}

	stats := sequence.NewStats(store)
	orch := sequence.New(params, ctrl, gates, fil, sens, sel, sync, nil, stats)

	var srv *api.Server
	if *apiAddr != "" {
		srv = api.New(api.Config{Addr: *apiAddr},
			&engineAdapter{orch: orch, gates: gates, fil: fil, stats: stats})
		go func() {
			if err := srv.Start(); err != nil && err != http.ErrServerClosed {
				logger.Error("API server: %v", err)
			}
		}()
		defer srv.Stop()
	}

	// Uncalibrated gates get the commanded bowden length; the first
	// transit autotunes rotation distance from the encoder.
	for i := 0; i < gates.Len(); i++ {
		if gates.Gate(i).BowdenLength <= 0 {
			gates.SetBowdenLength(i, *bowden)
		}
	}

	// Path geometry: filament waits one parking distance short of the
	// gate sensor; the toolhead sensor sits one bowden further on. The
	// simulation keeps both consistent across every subsequent move.
	drv.SetTriggerAt(endstop.NameGate, params.GateParkingDistance)
	drv.SetTriggerAt(endstop.NameToolhead,
		params.GateParkingDistance+*bowden+params.ToolheadHomingMax/2)

	logger.Info("mmu-host: %d gates, %d cycles, bowden %.0fmm",
		params.NumGates, *cycles, *bowden)

	for c := 0; c < *cycles; c++ {
		for g := 0; g < gates.Len(); g++ {
			if err := orch.Swap(g); err != nil {
				// The orchestrator never pauses; this binary owns that
				// policy.
				logger.Error("swap to gate %d failed: %s", g, mmuerr.CauseOf(err))
				pause(err)
				os.Exit(1)
			}
			logger.Info("cycle %d: gate %d swap complete", c+1, g)
		}
	}

	// Park the last filament so the persisted state is quiescent.
	if err := orch.Unload(); err != nil {
		logger.Error("final unload failed: %v", err)
		os.Exit(1)
	}

	fmt.Println(gates.Summary())
	fmt.Println(stats.Summary())

	if err := store.Flush(); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving variables: %v\n", err)
		os.Exit(1)
	}

	// With the API up, keep serving swaps until interrupted.
	if srv != nil {
		logger.Info("API: http://localhost%s (Ctrl+C to stop)", *apiAddr)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
	}
}

// engineAdapter exposes the orchestrator and its state to the API
// server.
type engineAdapter struct {
	orch  *sequence.Orchestrator
	gates *gate.Set
	fil   *filament.Machine
	stats *sequence.Stats
}

func (e *engineAdapter) Status() map[string]any {
	total, failed, retried := e.stats.Counts()
	gateInfo := make([]map[string]any, e.gates.Len())
	for i := 0; i < e.gates.Len(); i++ {
		g := e.gates.Gate(i)
		gateInfo[i] = map[string]any{
			"status":            g.Status.String(),
			"rotation_distance": g.RotationDistance,
			"bowden_length":     g.BowdenLength,
			"quality":           g.Stats.Quality,
		}
	}
	return map[string]any{
		"filament_pos":  e.fil.Position().String(),
		"gates":         gateInfo,
		"swaps_total":   total,
		"swaps_failed":  failed,
		"swaps_retried": retried,
	}
}

func (e *engineAdapter) Load(gateIdx int) error { return e.orch.Load(gateIdx) }
func (e *engineAdapter) Unload() error          { return e.orch.Unload() }
func (e *engineAdapter) Swap(gateIdx int) error { return e.orch.Swap(gateIdx) }

func (e *engineAdapter) Recover() (string, error) {
	return e.orch.RecoverPosition().String(), nil
}
