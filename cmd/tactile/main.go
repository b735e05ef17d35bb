// go-tactile - tactile paving navigation aid.
// Fuses paving-block classification with two rangefinders and drives a
// brake servo and a buzzer.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/teslashibe/go-tactile/internal/config"
	tlog "github.com/teslashibe/go-tactile/internal/log"
	"github.com/teslashibe/go-tactile/pkg/navigator"
)

func main() {
	cfg, err := parseFlags()
	if err != nil {
		log.Fatalf("❌ Configuration error: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("❌ Configuration error: %v", err)
	}

	tlog.Init(cfg.Log.Level, cfg.Log.Format)
	logger := tlog.L()

	fmt.Println("🦯 go-tactile - tactile paving navigation")
	fmt.Println("=========================================")
	if cfg.Simulation.Enabled {
		fmt.Println("🧪 Simulation mode: scripted sensors, recording actuators")
	}

	devs, err := openDevices(cfg, logger)
	if err != nil {
		log.Fatalf("❌ Initialization failed: %v", err)
	}

	nav, err := navigator.New(navigatorConfig(cfg), devs, logger)
	if err != nil {
		closeDevices(devs)
		log.Fatalf("❌ Initialization failed: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := nav.Run(ctx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
		cancel()
		os.Exit(1)
	}
	fmt.Println("👋 Goodbye!")
}

// parseFlags loads the config file named by -config, then applies the
// flags that were set explicitly.
func parseFlags() (config.Config, error) {
	path := flag.String("config", os.Getenv("TACTILE_CONFIG"), "Path to YAML config (or set TACTILE_CONFIG env)")
	sim := flag.Bool("sim", false, "Run with simulated sensors and actuators")
	debug := flag.Bool("debug", false, "Enable verbose debug logging")
	format := flag.String("log-format", "", "Log format: text or json")
	camera := flag.String("camera", "", "Camera device index or path")
	model := flag.String("model", "", "Path to the paving ONNX model")
	flag.Parse()

	cfg, err := config.Load(*path)
	if err != nil {
		return cfg, err
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "sim":
			cfg.Simulation.Enabled = *sim
		case "debug":
			if *debug {
				cfg.Log.Level = "debug"
			}
		case "log-format":
			cfg.Log.Format = *format
		case "camera":
			cfg.Perception.Camera = *camera
		case "model":
			cfg.Perception.ModelPath = *model
		}
	})
	return cfg, nil
}
