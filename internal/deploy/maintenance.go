package deploy

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
)

// DeviceMode selects the board's operating mode.
type DeviceMode int

// Device modes understood by the terkin datalogger's mode server.
const (
	ModeMaintenance DeviceMode = iota + 1
	ModeField
)

// command returns the datagram payload for the mode change.
func (m DeviceMode) command() []byte {
	switch m {
	case ModeMaintenance:
		return []byte("maintenance.enable()")
	case ModeField:
		return []byte("maintenance.disable()")
	}
	return nil
}

// String implements fmt.Stringer.
func (m DeviceMode) String() string {
	switch m {
	case ModeMaintenance:
		return "maintenance"
	case ModeField:
		return "field"
	}
	return "unknown"
}

// SetDeviceMode sends the mode-change datagram to the device's UDP mode
// server. The device does not acknowledge; delivery is fire-and-forget.
func SetDeviceMode(ctx context.Context, dc *DeviceConfig, mode DeviceMode) error {
	payload := mode.command()
	if payload == nil {
		return errors.Newf("unknown device mode %d", int(mode))
	}

	applyDeviceDefaults(dc)
	addr := net.JoinHostPort(dc.Address.Host, strconv.Itoa(dc.MaintenancePort))
	slog.Info("connecting to device mode server", "address", addr, "mode", mode.String())

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "udp", addr)
	if err != nil {
		return errors.Wrap(err, "SetDeviceMode")
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetWriteDeadline(deadline); err != nil {
			return errors.Wrap(err, "SetDeviceMode")
		}
	} else {
		if err := conn.SetWriteDeadline(time.Now().Add(dc.Timeout.Duration())); err != nil {
			return errors.Wrap(err, "SetDeviceMode")
		}
	}

	if _, err := conn.Write(payload); err != nil {
		return errors.Wrap(err, "SetDeviceMode")
	}

	slog.Info("device mode command sent", "address", addr, "mode", mode.String())
	return nil
}
