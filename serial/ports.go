package serial

import (
	"fmt"
	"strings"

	"go.bug.st/serial/enumerator"
)

// arduinoVendorIDs are USB vendor ids for Arduino boards and the
// USB-to-serial chips the clones ship with (CH340, FTDI, CP210x).
var arduinoVendorIDs = map[string]bool{
	"2341": true, // Arduino
	"2A03": true, // Arduino.org
	"1A86": true, // WCH CH340
	"0403": true, // FTDI
	"10C4": true, // Silicon Labs CP210x
}

// arduinoKeywords match product strings of boards whose vendor id is not in
// the table.
var arduinoKeywords = []string{
	"arduino", "genuino", "esp32", "esp8266", "ch340", "ft232", "cp210",
}

// PortInfo describes one enumerated serial device.
type PortInfo struct {
	Device       string `json:"device"`
	Description  string `json:"description"`
	IsUSB        bool   `json:"is_usb"`
	VendorID     string `json:"vendor_id,omitempty"`
	ProductID    string `json:"product_id,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
	IsArduino    bool   `json:"is_arduino"`
}

// Lister enumerates serial devices. Production code uses ListPorts; tests
// inject a fixed list.
type Lister func(arduinoOnly bool) ([]PortInfo, error)

// ListPorts enumerates available serial devices with USB detail. When
// arduinoOnly is set, only devices classified as Arduino-compatible are
// returned.
func ListPorts(arduinoOnly bool) ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate serial ports: %w", err)
	}

	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		info := PortInfo{
			Device:       d.Name,
			Description:  d.Product,
			IsUSB:        d.IsUSB,
			VendorID:     d.VID,
			ProductID:    d.PID,
			SerialNumber: d.SerialNumber,
		}
		info.IsArduino = IsArduinoCompatible(info.VendorID, info.Description)

		if arduinoOnly && !info.IsArduino {
			continue
		}
		ports = append(ports, info)
	}

	return ports, nil
}

// IsArduinoCompatible reports whether a device looks like an Arduino board:
// either a known vendor id or a recognizable product string.
func IsArduinoCompatible(vendorID, description string) bool {
	if arduinoVendorIDs[strings.ToUpper(vendorID)] {
		return true
	}
	desc := strings.ToLower(description)
	for _, kw := range arduinoKeywords {
		if strings.Contains(desc, kw) {
			return true
		}
	}
	return false
}
