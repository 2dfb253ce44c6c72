// Package filters bundles the packet filters and filter-injectors shipped
// with the proxy: HID keystroke decoding, mass-storage interception and
// usbmon-format capture.
package filters

import (
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	usbproxy "github.com/kevmo314/go-usbproxy"
)

// HID boot-keyboard modifier bits (byte 0 of the report).
const (
	modLeftCtrl   = 0x01
	modLeftShift  = 0x02
	modLeftAlt    = 0x04
	modLeftMeta   = 0x08
	modRightCtrl  = 0x10
	modRightShift = 0x20
	modRightAlt   = 0x40
	modRightMeta  = 0x80
)

const bootReportSize = 8

// keyMap translates HID usage codes to their unshifted rendering.
var keyMap = map[uint8]string{
	0x04: "a", 0x05: "b", 0x06: "c", 0x07: "d", 0x08: "e", 0x09: "f",
	0x0a: "g", 0x0b: "h", 0x0c: "i", 0x0d: "j", 0x0e: "k", 0x0f: "l",
	0x10: "m", 0x11: "n", 0x12: "o", 0x13: "p", 0x14: "q", 0x15: "r",
	0x16: "s", 0x17: "t", 0x18: "u", 0x19: "v", 0x1a: "w", 0x1b: "x",
	0x1c: "y", 0x1d: "z",
	0x1e: "1", 0x1f: "2", 0x20: "3", 0x21: "4", 0x22: "5",
	0x23: "6", 0x24: "7", 0x25: "8", 0x26: "9", 0x27: "0",
	0x28: "\n", 0x29: "{ESC}", 0x2a: "{BACKSPACE}", 0x2b: "\t", 0x2c: " ",
	0x2d: "-", 0x2e: "=", 0x2f: "[", 0x30: "]", 0x31: "\\",
	0x33: ";", 0x34: "'", 0x35: "`", 0x36: ",", 0x37: ".", 0x38: "/",
	0x39: "{CAPS LOCK}",
	0x3a: "{F1}", 0x3b: "{F2}", 0x3c: "{F3}", 0x3d: "{F4}", 0x3e: "{F5}",
	0x3f: "{F6}", 0x40: "{F7}", 0x41: "{F8}", 0x42: "{F9}", 0x43: "{F10}",
	0x44: "{F11}", 0x45: "{F12}",
	0x46: "{PRT SCR}", 0x47: "{SCR LOCK}", 0x48: "{PAUSE}", 0x49: "{INSERT}",
	0x4a: "{HOME}", 0x4b: "{PG UP}", 0x4c: "{DELETE}", 0x4d: "{END}",
	0x4e: "{PG DOWN}",
	0x4f: "{RIGHT}", 0x50: "{LEFT}", 0x51: "{DOWN}", 0x52: "{UP}",
	0x53: "{NUM LOCK}",
	0x54: "/", 0x55: "*", 0x56: "-", 0x57: "+",
	0x59: "1", 0x5a: "2", 0x5b: "3", 0x5c: "4", 0x5d: "5",
	0x5e: "6", 0x5f: "7", 0x60: "8", 0x61: "9", 0x62: "0",
	0x64: "\\",
}

// shiftKeyMap translates usage codes rendered with a shift modifier held.
var shiftKeyMap = map[uint8]string{
	0x04: "A", 0x05: "B", 0x06: "C", 0x07: "D", 0x08: "E", 0x09: "F",
	0x0a: "G", 0x0b: "H", 0x0c: "I", 0x0d: "J", 0x0e: "K", 0x0f: "L",
	0x10: "M", 0x11: "N", 0x12: "O", 0x13: "P", 0x14: "Q", 0x15: "R",
	0x16: "S", 0x17: "T", 0x18: "U", 0x19: "V", 0x1a: "W", 0x1b: "X",
	0x1c: "Y", 0x1d: "Z",
	0x1e: "!", 0x1f: "@", 0x20: "#", 0x21: "$", 0x22: "%",
	0x23: "^", 0x24: "&", 0x25: "*", 0x26: "(", 0x27: ")",
	0x2d: "_", 0x2e: "+", 0x2f: "{", 0x30: "}", 0x31: "|",
	0x33: ":", 0x34: "\"", 0x35: "~", 0x36: "<", 0x37: ">", 0x38: "?",
	0x64: "|",
}

// KeyLogger decodes HID boot-keyboard reports on an interrupt IN endpoint
// and writes one event per newly pressed key. It never mutates traffic.
type KeyLogger struct {
	out      io.Writer
	endpoint uint8 // 0 matches any IN endpoint carrying 8-byte reports
	log      *zap.Logger

	mu   sync.Mutex
	last [bootReportSize]byte
}

// NewKeyLogger writes decoded keystrokes to out. endpoint restricts the
// filter to one endpoint address; 0 matches any IN endpoint.
func NewKeyLogger(out io.Writer, endpoint uint8, log *zap.Logger) *KeyLogger {
	if log == nil {
		log = zap.NewNop()
	}
	return &KeyLogger{out: out, endpoint: endpoint, log: log}
}

func (k *KeyLogger) OnSetup(*usbproxy.SetupPacket, bool) {}

func (k *KeyLogger) OnData(p *usbproxy.Packet) {
	if !p.IsIn() || len(p.Data) < bootReportSize {
		return
	}
	if k.endpoint != 0 && p.Endpoint != k.endpoint {
		return
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	newMods := p.Data[0] &^ k.last[0]
	anyKey := false
	for i := 2; i < bootReportSize; i++ {
		code := p.Data[i]
		held := false
		for j := 0; j < bootReportSize; j++ {
			if code == k.last[j] {
				held = true
				break
			}
		}
		if !held {
			k.keyPressed(code, p.Data[0])
			anyKey = true
		}
	}
	if !anyKey && newMods != 0 {
		k.keyPressed(0, newMods)
	}
	copy(k.last[:], p.Data[:bootReportSize])
}

// keyPressed renders one key-down event, or a bare modifier change when
// code is zero.
func (k *KeyLogger) keyPressed(code, mods uint8) {
	if code == 0 {
		for _, m := range []struct {
			bit  uint8
			name string
		}{
			{modLeftCtrl, "{LCTRL}"}, {modLeftShift, "{LSHIFT}"},
			{modLeftAlt, "{LALT}"}, {modLeftMeta, "{LMETA}"},
			{modRightCtrl, "{RCTRL}"}, {modRightShift, "{RSHIFT}"},
			{modRightAlt, "{RALT}"}, {modRightMeta, "{RMETA}"},
		} {
			if mods&m.bit != 0 {
				fmt.Fprint(k.out, m.name)
			}
		}
		return
	}

	for _, m := range []struct {
		bit  uint8
		name string
	}{
		{modLeftCtrl, "{LCTRL}"}, {modLeftAlt, "{LALT}"}, {modLeftMeta, "{LMETA}"},
		{modRightCtrl, "{RCTRL}"}, {modRightAlt, "{RALT}"}, {modRightMeta, "{RMETA}"},
	} {
		if mods&m.bit != 0 {
			fmt.Fprint(k.out, m.name)
		}
	}
	shifted := mods&(modLeftShift|modRightShift) != 0
	if shifted {
		if s, ok := shiftKeyMap[code]; ok {
			fmt.Fprint(k.out, s)
			return
		}
	}
	if s, ok := keyMap[code]; ok {
		fmt.Fprint(k.out, s)
		return
	}
	fmt.Fprintf(k.out, "{%02x}", code)
}
