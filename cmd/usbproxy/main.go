// Command usbproxy relays a physical USB device to a remote host peer,
// running the configured filter and injector plugins over the traffic.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	usbproxy "github.com/kevmo314/go-usbproxy"
	"github.com/kevmo314/go-usbproxy/filters"
	"github.com/kevmo314/go-usbproxy/libusbdev"
	"github.com/kevmo314/go-usbproxy/tcphost"
	"github.com/kevmo314/go-usbproxy/usbfsdev"
)

var (
	configPath = flag.String("c", "", "YAML configuration file")
	deviceID   = flag.String("d", "", "Device to proxy as VID:PID (e.g., 1234:5678)")
	backend    = flag.String("b", "usbfs", "Device backend: usbfs or libusb")
	listenAddr = flag.String("l", ":5554", "Host peer listen address")
	pcapFile   = flag.String("p", "", "Capture all traffic to a pcap file")
	keyLog     = flag.Bool("k", false, "Decode HID keystrokes to stderr")
	debug      = flag.Bool("v", false, "Verbose logging")
)

type pluginConfig struct {
	Name     string            `yaml:"name"`
	Settings map[string]string `yaml:"settings"`
}

type fileConfig struct {
	Device struct {
		VendorID  string `yaml:"vendor_id"`
		ProductID string `yaml:"product_id"`
		Backend   string `yaml:"backend"`
	} `yaml:"device"`
	Host struct {
		Listen string `yaml:"listen"`
	} `yaml:"host"`
	QueueCapacity int            `yaml:"queue_capacity"`
	Plugins       []pluginConfig `yaml:"plugins"`
}

func main() {
	flag.Parse()

	var cfg fileConfig
	if *configPath != "" {
		data, err := os.ReadFile(*configPath)
		if err != nil {
			log.Fatalf("Failed to read config: %v", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			log.Fatalf("Failed to parse config: %v", err)
		}
	}
	if *deviceID != "" {
		parts := strings.SplitN(*deviceID, ":", 2)
		if len(parts) != 2 {
			log.Fatalf("Invalid device %q, want VID:PID", *deviceID)
		}
		cfg.Device.VendorID, cfg.Device.ProductID = parts[0], parts[1]
	}
	if cfg.Device.Backend == "" {
		cfg.Device.Backend = *backend
	}
	if cfg.Host.Listen == "" {
		cfg.Host.Listen = *listenAddr
	}

	vid, err := parseID(cfg.Device.VendorID)
	if err != nil {
		log.Fatalf("Invalid vendor id %q: %v", cfg.Device.VendorID, err)
	}
	pid, err := parseID(cfg.Device.ProductID)
	if err != nil {
		log.Fatalf("Invalid product id %q: %v", cfg.Device.ProductID, err)
	}

	logger, err := buildLogger(*debug)
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	defer logger.Sync()

	var device usbproxy.DeviceProxy
	switch cfg.Device.Backend {
	case "usbfs":
		device = usbfsdev.New(vid, pid, logger.Named("usbfs"))
	case "libusb":
		device = libusbdev.New(vid, pid, logger.Named("libusb"))
	default:
		log.Fatalf("Unknown device backend %q", cfg.Device.Backend)
	}
	host := tcphost.New(cfg.Host.Listen, logger.Named("tcphost"))

	manager := usbproxy.NewManager(device, host, logger)
	if cfg.QueueCapacity > 0 {
		manager.SetQueueCapacity(cfg.QueueCapacity)
	}

	registry := usbproxy.NewPluginManager()
	if err := filters.Register(registry); err != nil {
		log.Fatalf("Failed to register plugins: %v", err)
	}

	plugins := cfg.Plugins
	if *pcapFile != "" {
		plugins = append(plugins, pluginConfig{
			Name:     "pcaplogger",
			Settings: map[string]string{"filename": *pcapFile},
		})
	}
	if *keyLog {
		plugins = append(plugins, pluginConfig{Name: "keylogger"})
	}
	for _, pc := range plugins {
		c := usbproxy.NewConfig()
		for k, v := range pc.Settings {
			c.Set(k, v)
		}
		c.SetPointer("logger", logger.Named(pc.Name))
		if _, err := registry.Load(pc.Name, c, manager); err != nil {
			log.Fatalf("Failed to load plugin %q: %v", pc.Name, err)
		}
		logger.Info("plugin loaded", zap.String("name", pc.Name))
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		logger.Info("shutting down", zap.String("signal", sig.String()))
		manager.Stop()
	}()

	if err := manager.Run(); err != nil {
		logger.Error("relay failed", zap.Error(err))
		os.Exit(1)
	}
}

func parseID(s string) (uint16, error) {
	if s == "" {
		return 0, fmt.Errorf("missing value")
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}

func buildLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
