package adb

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strings"
)

// Device is one line of "adb devices".
type Device struct {
	Serial string `json:"serial"`
	State  string `json:"state"`
}

// Ready reports whether the device accepts commands.
func (d Device) Ready() bool { return d.State == "device" }

// Devices lists attached devices regardless of Serial.
func (c *Client) Devices(ctx context.Context) ([]Device, error) {
	all := *c
	all.Serial = ""
	out, err := all.Run(ctx, "devices")
	if err != nil {
		return nil, err
	}
	return parseDevices(out), nil
}

func parseDevices(out []byte) []Device {
	var devices []Device
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "List of devices") || strings.HasPrefix(line, "*") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}
		devices = append(devices, Device{Serial: parts[0], State: parts[1]})
	}
	return devices
}

// Connect attaches a device over TCP/IP. adb exits 0 on some failures, so
// the output is checked too.
func (c *Client) Connect(ctx context.Context, address string) error {
	out, err := c.Run(ctx, "connect", address)
	if err != nil {
		return err
	}
	s := string(out)
	if strings.Contains(s, "unable to connect") || strings.Contains(s, "failed to connect") {
		return fmt.Errorf("adb connect %s: %s", address, strings.TrimSpace(s))
	}
	return nil
}

// Pair pairs with a device using the code shown in its wireless debugging
// settings.
func (c *Client) Pair(ctx context.Context, address, code string) error {
	out, err := c.Run(ctx, "pair", address, code)
	if err != nil {
		return err
	}
	if !strings.Contains(string(out), "Successfully paired") {
		return fmt.Errorf("adb pair %s: %s", address, strings.TrimSpace(string(out)))
	}
	return nil
}
