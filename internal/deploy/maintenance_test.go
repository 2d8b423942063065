package deploy

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestSetDeviceMode(t *testing.T) {
	t.Parallel()

	// A loopback UDP listener stands in for the board's mode server.
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer pc.Close()

	port := pc.LocalAddr().(*net.UDPAddr).Port

	dc := &DeviceConfig{
		Paths:           []string{"main.py"},
		RemoteDir:       "/flash",
		MaintenancePort: port,
	}
	dc.Address.Host = "127.0.0.1"
	dc.Address.Port = "21"

	recv := func() string {
		buf := make([]byte, 256)
		if err := pc.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
			t.Fatal(err)
		}
		n, _, err := pc.ReadFrom(buf)
		if err != nil {
			t.Fatal(err)
		}
		return string(buf[:n])
	}

	ctx := context.Background()
	if err := SetDeviceMode(ctx, dc, ModeMaintenance); err != nil {
		t.Fatal(err)
	}
	if got := recv(); got != "maintenance.enable()" {
		t.Errorf(`payload = %q, want "maintenance.enable()"`, got)
	}

	if err := SetDeviceMode(ctx, dc, ModeField); err != nil {
		t.Fatal(err)
	}
	if got := recv(); got != "maintenance.disable()" {
		t.Errorf(`payload = %q, want "maintenance.disable()"`, got)
	}

	if err := SetDeviceMode(ctx, dc, DeviceMode(99)); err == nil {
		t.Error(`unknown mode should fail`)
	}
}

func TestDeviceModeString(t *testing.T) {
	t.Parallel()

	if ModeMaintenance.String() != "maintenance" {
		t.Errorf(`ModeMaintenance.String() = %q`, ModeMaintenance.String())
	}
	if ModeField.String() != "field" {
		t.Errorf(`ModeField.String() = %q`, ModeField.String())
	}
	if DeviceMode(0).String() != "unknown" {
		t.Errorf(`DeviceMode(0).String() = %q`, DeviceMode(0).String())
	}
}
