package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/chaz8081/blecentral/internal/ble"
	"github.com/chaz8081/blecentral/internal/ble/bletest"
	"github.com/chaz8081/blecentral/internal/bridge"
	"github.com/chaz8081/blecentral/internal/central"
	"github.com/chaz8081/blecentral/internal/config"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/blecentral/config.yaml)")
	initConfig := flag.Bool("init", false, "write the default config file and exit")
	simulate := flag.Bool("simulate", false, "use a simulated adapter (overrides ble.simulate)")
	flag.Parse()

	if *initConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if path == "" {
			log.Printf("Config already exists at %s", config.DefaultConfigPath())
			return
		}
		log.Printf("Wrote default config to %s", path)
		return
	}

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if *simulate {
		cfg.BLE.Simulate = true
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))
	printBanner(cfg)

	adapter := newAdapter(cfg.BLE)
	if err := adapter.Enable(); err != nil {
		// Scan and connect retry enabling; a client can also send enable.
		log.Printf("WARNING: adapter not enabled: %v", err)
	} else {
		log.Println("Adapter enabled")
	}

	srv := bridge.New(cfg.Bridge)
	c := central.New(adapter, srv, central.Options{
		ConnectTimeout:   cfg.BLE.ConnectTimeout,
		DiscoveryTimeout: cfg.BLE.DiscoveryTimeout,
		OperationTimeout: cfg.BLE.OperationTimeout,
		ScanDuration:     time.Duration(cfg.BLE.ScanSeconds) * time.Second,
	})

	// Signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("Ready! Clients connect to ws://%s/ws. Ctrl+C to quit.", cfg.Bridge.Listen)
	if err := srv.ListenAndServe(ctx, cfg.Bridge.Listen, c); err != nil {
		c.Close()
		log.Fatalf("bridge: %v", err)
	}

	log.Println("Shutting down...")
	c.Close()
	log.Println("Goodbye!")
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	// No config file, use defaults
	log.Println("No config file found, using defaults")
	return config.Default(), nil
}

// newAdapter returns the radio adapter, or a simulated one with a couple of
// sample peripherals when simulate is set.
func newAdapter(cfg config.BLEConfig) ble.Adapter {
	if cfg.Simulate {
		log.Println("Using simulated adapter")
		return simulatedAdapter()
	}

	// BlueZ exposes adapter power over D-Bus; elsewhere the platform
	// stack owns it.
	var power ble.PowerController
	if runtime.GOOS == "linux" {
		p, err := ble.NewBlueZPower(cfg.AdapterID)
		if err != nil {
			log.Printf("WARNING: adapter power control unavailable: %v", err)
		} else {
			power = p
		}
	}
	return ble.NewTinyGoAdapter(power)
}

func simulatedAdapter() *bletest.Adapter {
	heartRate := ble.MustParseUUID("180d")
	battery := ble.MustParseUUID("180f")
	settings := ble.MustParseUUID("19b10000-e8f2-537e-4f6c-d104768a1214")

	hrm := bletest.NewPeripheral("AA:BB:CC:DD:EE:01", "Sim HRM", -58).
		Advertise(heartRate).
		AddCharacteristic(heartRate, ble.MustParseUUID("2a37"), ble.PropertyRead|ble.PropertyNotify, []byte{0x00, 0x48}).
		AddCharacteristic(heartRate, ble.MustParseUUID("2a38"), ble.PropertyRead, []byte{0x01}).
		AddCharacteristic(heartRate, ble.MustParseUUID("2a39"), ble.PropertyWrite|ble.PropertyWriteWithoutResponse, nil).
		AddCharacteristic(settings, ble.MustParseUUID("19b10001-e8f2-537e-4f6c-d104768a1214"), ble.PropertyRead|ble.PropertyWrite, []byte{0x00}).
		ReportRSSI()
	tag := bletest.NewPeripheral("AA:BB:CC:DD:EE:02", "Sim Tag", -71).
		Advertise(battery).
		AddCharacteristic(battery, ble.MustParseUUID("2a19"), ble.PropertyRead|ble.PropertyNotify, []byte{0x64})
	return bletest.NewAdapter(hrm, tag)
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	adapter := cfg.BLE.AdapterID
	if cfg.BLE.Simulate {
		adapter = "simulated"
	}
	origins := "same host"
	if len(cfg.Bridge.AllowedOrigins) > 0 {
		origins = strings.Join(cfg.Bridge.AllowedOrigins, ", ")
	}
	fmt.Println("=== blecentral ===")
	fmt.Printf("  Listen:   %s\n", cfg.Bridge.Listen)
	fmt.Printf("  Origins:  %s\n", origins)
	fmt.Printf("  Adapter:  %s\n", adapter)
	fmt.Printf("  Timeouts: connect %s, discovery %s, operation %s\n",
		cfg.BLE.ConnectTimeout, cfg.BLE.DiscoveryTimeout, cfg.BLE.OperationTimeout)
	fmt.Printf("  Scan:     %ds\n", cfg.BLE.ScanSeconds)
	fmt.Printf("  Log:      %s\n", cfg.LogLevel)
	fmt.Println("==================")
}
