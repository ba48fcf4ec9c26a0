package main

import (
	"flag"
	"fmt"

	"github.com/servoworks/gomotor/pkg/config"
	"github.com/servoworks/gomotor/pkg/network"
	log "github.com/sirupsen/logrus"

	_ "github.com/servoworks/gomotor/pkg/can/socketcan"
	_ "github.com/servoworks/gomotor/pkg/can/virtual"
)

var DefaultCanInterface = "can0"

func main() {
	log.SetLevel(log.InfoLevel)
	// Command line arguments
	canInterface := flag.String("i", DefaultCanInterface, "socketcan interface e.g. can0,vcan0")
	configPath := flag.String("c", "", "configuration file path")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("failed to load configuration : %v", err)
		}
		cfg = loaded
	}
	if *canInterface != DefaultCanInterface {
		cfg.Can.Channel = *canInterface
	}

	net := network.NewNetwork(nil)
	net.SetHeartbeatTimeout(cfg.Network.HeartbeatTimeout)
	net.SetFreshnessWindow(cfg.Network.FreshnessWindow)
	err := net.Connect(cfg.Can.Interface, cfg.Can.Channel, cfg.Can.Bitrate)
	if err != nil {
		log.Fatalf("connection failed : %v", err)
	}
	defer net.Disconnect()

	ids, err := net.Scan(cfg.Network.ScanTimeout)
	if err != nil {
		log.Fatalf("scan failed : %v", err)
	}
	if len(ids) == 0 {
		log.Warn("no motors detected on the bus")
		return
	}
	for _, id := range ids {
		limits, ok := cfg.Motors[id]
		if !ok {
			_, err = net.AddMotor(id)
		} else {
			_, err = net.AddMotorWithLimits(id, limits)
		}
		if err != nil {
			log.Errorf("failed to add motor x%x : %v", id, err)
		}
	}

	fmt.Println("id\tstate\tposition(deg)\tvelocity(RPM)\ttemperature(degC)\tstale")
	for id, status := range net.AllStatus() {
		fmt.Printf("x%x\t%v\t%.2f\t%.2f\t%.1f\t%v\n",
			id, status.State, status.Position, status.Velocity, status.Temperature, status.Stale)
	}
}
