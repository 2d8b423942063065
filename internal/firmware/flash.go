package firmware

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

const (
	defaultBaudRate    = 921600
	defaultFlashOffset = "0x1000"

	usbSerialSysfs = "/sys/bus/usb-serial/devices"
)

// Runner executes an external command. It exists so tests can capture
// the esptool invocation instead of running it.
type Runner func(ctx context.Context, name string, args ...string) error

func execRunner(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// Flasher drives esptool.py to write firmware images.
type Flasher struct {
	SerialPort  string
	BaudRate    int
	FlashOffset string

	// USB identity used to locate the port when SerialPort is empty.
	VendorID  string
	ProductID string

	run Runner
}

// NewFlasher creates a Flasher from configuration values. Zero values
// get the usual ESP32 defaults.
func NewFlasher(serialPort string, baudRate int, flashOffset, vendorID, productID string) *Flasher {
	if baudRate == 0 {
		baudRate = defaultBaudRate
	}
	if flashOffset == "" {
		flashOffset = defaultFlashOffset
	}
	return &Flasher{
		SerialPort:  serialPort,
		BaudRate:    baudRate,
		FlashOffset: flashOffset,
		VendorID:    strings.ToLower(vendorID),
		ProductID:   strings.ToLower(productID),
		run:         execRunner,
	}
}

// Port returns the serial port to use, locating it by USB identity
// when none is configured.
func (f *Flasher) Port() (string, error) {
	if f.SerialPort != "" {
		return f.SerialPort, nil
	}
	if f.VendorID == "" || f.ProductID == "" {
		return "", errors.New("serial_port is not set and no USB identity is configured")
	}
	return findSerialPort(usbSerialSysfs, f.VendorID, f.ProductID)
}

// findSerialPort scans the usb-serial sysfs tree for a device whose
// parent USB interface carries the wanted vendor/product identity.
//
// The entries under the bus directory are symlinks into /sys/devices,
// so they must be resolved before climbing to the USB device directory;
// a lexical ".." would be collapsed against the bus directory instead.
func findSerialPort(sysfsDir, vendorID, productID string) (string, error) {
	entries, err := os.ReadDir(sysfsDir)
	if err != nil {
		return "", errors.Wrap(err, "findSerialPort")
	}

	for _, entry := range entries {
		devDir, err := filepath.EvalSymlinks(filepath.Join(sysfsDir, entry.Name()))
		if err != nil {
			continue
		}
		usbDir := filepath.Dir(filepath.Dir(devDir))
		vendor, err := readSysfsID(filepath.Join(usbDir, "idVendor"))
		if err != nil {
			continue
		}
		product, err := readSysfsID(filepath.Join(usbDir, "idProduct"))
		if err != nil {
			continue
		}
		if vendor == vendorID && product == productID {
			return "/dev/" + entry.Name(), nil
		}
	}
	return "", errors.Newf("no serial device with USB identity %s:%s", vendorID, productID)
}

func readSysfsID(path string) (string, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path is under the fixed sysfs tree
	if err != nil {
		return "", err
	}
	return strings.ToLower(strings.TrimSpace(string(data))), nil
}

// Erase wipes the board's flash.
func (f *Flasher) Erase(ctx context.Context) error {
	port, err := f.Port()
	if err != nil {
		return err
	}

	slog.Info("erasing flash", "port", port)
	args := []string{"--port", port, "--baud", strconv.Itoa(f.BaudRate), "erase_flash"}
	if err := f.run(ctx, "esptool.py", args...); err != nil {
		return errors.Wrap(err, "esptool erase_flash")
	}
	return nil
}

// Flash writes the image at the configured offset.
func (f *Flasher) Flash(ctx context.Context, imagePath string) error {
	if _, err := os.Stat(imagePath); err != nil {
		return errors.Wrap(err, "Flash")
	}
	port, err := f.Port()
	if err != nil {
		return err
	}

	slog.Info("writing firmware", "port", port, "image", imagePath, "offset", f.FlashOffset)
	args := []string{
		"--port", port,
		"--baud", strconv.Itoa(f.BaudRate),
		"write_flash", f.FlashOffset, imagePath,
	}
	if err := f.run(ctx, "esptool.py", args...); err != nil {
		return errors.Wrap(err, "esptool write_flash")
	}

	slog.Info("flash complete", "port", port, "image", imagePath)
	return nil
}
