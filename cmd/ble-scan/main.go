// Command ble-scan is a manual test for scanning through the central.
// Run it near advertising peripherals to see what the bridge would report.
// Press Ctrl+C to stop early.
//
// Usage:
//
//	go run ./cmd/ble-scan [--seconds 10] [--service 180d] [--duplicates] [--simulate]
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/chaz8081/blecentral/internal/ble"
	"github.com/chaz8081/blecentral/internal/ble/bletest"
	"github.com/chaz8081/blecentral/internal/callback"
	"github.com/chaz8081/blecentral/internal/central"
)

const (
	scanSuccess = 1
	scanFailure = 2
	stopSuccess = 3
	stopFailure = 4
)

func main() {
	seconds := flag.Int("seconds", 10, "scan duration in seconds (0 scans until Ctrl+C)")
	service := flag.String("service", "", "comma-separated service UUIDs to filter on")
	duplicates := flag.Bool("duplicates", false, "report every advertisement")
	simulate := flag.Bool("simulate", false, "scan a simulated adapter instead of the radio")
	flag.Parse()

	var services []string
	if *service != "" {
		services = strings.Split(*service, ",")
	}

	var adapter ble.Adapter = ble.NewTinyGoAdapter(nil)
	if *simulate {
		adapter = bletest.NewAdapter(
			bletest.NewPeripheral("AA:BB:CC:DD:EE:01", "Sim HRM", -58).Advertise(ble.New16BitUUID(0x180d)),
			bletest.NewPeripheral("AA:BB:CC:DD:EE:02", "Sim Tag", -71).Advertise(ble.New16BitUUID(0x180f)),
		)
	}

	done := make(chan struct{})
	sink := callback.SinkFunc(func(r callback.Result) {
		switch r.CallbackID {
		case scanSuccess:
			if d, ok := r.Payload.(central.DevicePayload); ok {
				fmt.Printf("  %-20s %4d dBm  %-16q %s\n", d.ID, d.RSSI, d.Name, strings.Join(d.AdvertisedServices, ","))
				return
			}
			fmt.Printf("Scan: %v\n", r.Payload)
		case scanFailure:
			if r.Payload == central.PayloadCanceled {
				fmt.Println("Scan stopped.")
				break
			}
			fmt.Printf("Scan failed: %v\n", r.Payload)
		case stopFailure:
			fmt.Printf("Stop failed: %v\n", r.Payload)
		}
		if !r.Keep && (r.CallbackID == scanSuccess || r.CallbackID == scanFailure) {
			close(done)
		}
	})

	c := central.New(adapter, sink, central.DefaultOptions())
	defer c.Close()

	// The adapter has to be powered before it can scan.
	if err := adapter.Enable(); err != nil {
		fmt.Fprintf(os.Stderr, "enable adapter: %v\n", err)
		os.Exit(1)
	}

	cb := central.Callbacks{Success: scanSuccess, Failure: scanFailure}
	if *seconds > 0 {
		fmt.Printf("Scanning for %ds...\n", *seconds)
		c.Scan(cb, services, *seconds)
	} else {
		fmt.Println("Scanning until Ctrl+C...")
		c.StartScanWithOptions(cb, services, central.ScanOptions{ReportDuplicates: *duplicates})
	}

	// Handle Ctrl+C
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
		fmt.Println("\nStopping scan...")
		c.StopScan(central.Callbacks{Success: stopSuccess, Failure: stopFailure})
		<-done
	case <-done:
	}
	fmt.Println("Done.")
}
