package filters

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"go.uber.org/zap"

	usbproxy "github.com/kevmo314/go-usbproxy"
)

// Register adds every bundled plugin to the factory table.
func Register(pm *usbproxy.PluginManager) error {
	for _, f := range []usbproxy.PluginFactory{
		{Name: "keylogger", Type: usbproxy.PluginFilter, New: newKeyLoggerPlugin},
		{Name: "massstorage", Type: usbproxy.PluginFilter | usbproxy.PluginInjector, New: newMassStoragePlugin},
		{Name: "pcaplogger", Type: usbproxy.PluginFilter, New: newPcapLoggerPlugin},
	} {
		if err := pm.Register(f); err != nil {
			return err
		}
	}
	return nil
}

func configLogger(cfg *usbproxy.Config) *zap.Logger {
	if log, ok := cfg.GetPointer("logger").(*zap.Logger); ok {
		return log
	}
	return nil
}

func configWriter(cfg *usbproxy.Config, key string) io.Writer {
	if w, ok := cfg.GetPointer(key).(io.Writer); ok {
		return w
	}
	return nil
}

func configUint(cfg *usbproxy.Config, key string, def uint64) (uint64, error) {
	s := cfg.Get(key)
	if s == "" {
		return def, nil
	}
	v, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func newKeyLoggerPlugin(cfg *usbproxy.Config) (usbproxy.Plugin, error) {
	out := configWriter(cfg, "file")
	if out == nil {
		if name := cfg.Get("filename"); name != "" {
			f, err := os.Create(name)
			if err != nil {
				return nil, err
			}
			out = f
		} else {
			out = os.Stderr
		}
	}
	endpoint, err := configUint(cfg, "endpoint", 0)
	if err != nil {
		return nil, err
	}
	return NewKeyLogger(out, uint8(endpoint), configLogger(cfg)), nil
}

func newMassStoragePlugin(cfg *usbproxy.Config) (usbproxy.Plugin, error) {
	statusEndpoint, err := configUint(cfg, "status_endpoint", 0x82)
	if err != nil {
		return nil, err
	}
	opts := MassStorageOptions{
		BlockWrites:      cfg.Get("block_writes") == "on",
		CacheBlocks:      cfg.Get("cache_blocks") == "on",
		InbandSignalling: cfg.Get("inband_signalling") == "on",
		BlockPassword:    cfg.Get("block_password"),
		UnblockPassword:  cfg.Get("unblock_password"),
		StatusEndpoint:   uint8(statusEndpoint),
	}
	return NewMassStorage(opts, configLogger(cfg)), nil
}

func newPcapLoggerPlugin(cfg *usbproxy.Config) (usbproxy.Plugin, error) {
	out := configWriter(cfg, "file")
	if out == nil {
		name := cfg.Get("filename")
		if name == "" {
			return nil, fmt.Errorf("pcaplogger: no file or filename configured")
		}
		f, err := os.Create(name)
		if err != nil {
			return nil, err
		}
		out = f
	}
	deviceAddress, err := configUint(cfg, "device_address", 1)
	if err != nil {
		return nil, err
	}
	busID, err := configUint(cfg, "bus_id", 1)
	if err != nil {
		return nil, err
	}
	return NewPcapLogger(out, uint8(deviceAddress), uint16(busID), configLogger(cfg))
}
