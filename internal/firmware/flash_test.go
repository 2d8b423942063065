package firmware

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

// captureRunner records invocations instead of executing esptool.
type captureRunner struct {
	name string
	args []string
}

func (c *captureRunner) run(_ context.Context, name string, args ...string) error {
	c.name = name
	c.args = args
	return nil
}

func TestFlasherFlash(t *testing.T) {
	t.Parallel()

	image := filepath.Join(t.TempDir(), "FiPy-1.20.2.r4.bin")
	if err := os.WriteFile(image, []byte("firmware"), 0600); err != nil {
		t.Fatal(err)
	}

	var capture captureRunner
	f := NewFlasher("/dev/ttyACM0", 0, "", "", "")
	f.run = capture.run

	if err := f.Flash(context.Background(), image); err != nil {
		t.Fatal(err)
	}
	if capture.name != "esptool.py" {
		t.Errorf(`command = %q, want "esptool.py"`, capture.name)
	}
	want := []string{"--port", "/dev/ttyACM0", "--baud", "921600", "write_flash", "0x1000", image}
	if !reflect.DeepEqual(capture.args, want) {
		t.Errorf(`args = %v, want %v`, capture.args, want)
	}

	if err := f.Flash(context.Background(), filepath.Join(t.TempDir(), "missing.bin")); err == nil {
		t.Error(`missing image should fail before invoking esptool`)
	}
}

func TestFlasherErase(t *testing.T) {
	t.Parallel()

	var capture captureRunner
	f := NewFlasher("/dev/ttyACM0", 115200, "", "", "")
	f.run = capture.run

	if err := f.Erase(context.Background()); err != nil {
		t.Fatal(err)
	}
	want := []string{"--port", "/dev/ttyACM0", "--baud", "115200", "erase_flash"}
	if !reflect.DeepEqual(capture.args, want) {
		t.Errorf(`args = %v, want %v`, capture.args, want)
	}
}

func TestFlasherPort(t *testing.T) {
	t.Parallel()

	f := NewFlasher("/dev/ttyUSB7", 0, "", "", "")
	port, err := f.Port()
	if err != nil {
		t.Fatal(err)
	}
	if port != "/dev/ttyUSB7" {
		t.Errorf(`port = %q, want "/dev/ttyUSB7"`, port)
	}

	f = NewFlasher("", 0, "", "", "")
	if _, err := f.Port(); err == nil {
		t.Error(`no port and no USB identity should fail`)
	}
}

func TestFindSerialPort(t *testing.T) {
	t.Parallel()

	// Mimic /sys/bus/usb-serial/devices: the bus entries are symlinks
	// into the device tree, where the grandparent directory of the port
	// carries the USB identity files.
	root := t.TempDir()
	iface := filepath.Join(root, "devices", "pci0000:00", "usb1", "1-1", "1-1:1.0")
	if err := os.MkdirAll(filepath.Join(iface, "ttyUSB0"), 0750); err != nil {
		t.Fatal(err)
	}
	usbDev := filepath.Join(root, "devices", "pci0000:00", "usb1", "1-1")
	if err := os.WriteFile(filepath.Join(usbDev, "idVendor"), []byte("04D8\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(usbDev, "idProduct"), []byte("f013\n"), 0600); err != nil {
		t.Fatal(err)
	}

	sysfs := filepath.Join(root, "bus", "usb-serial", "devices")
	if err := os.MkdirAll(sysfs, 0750); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(filepath.Join(iface, "ttyUSB0"), filepath.Join(sysfs, "ttyUSB0")); err != nil {
		t.Fatal(err)
	}

	port, err := findSerialPort(sysfs, "04d8", "f013")
	if err != nil {
		t.Fatal(err)
	}
	if port != "/dev/ttyUSB0" {
		t.Errorf(`port = %q, want "/dev/ttyUSB0"`, port)
	}

	if _, err := findSerialPort(sysfs, "1a86", "7523"); err == nil {
		t.Error(`unknown USB identity should not match`)
	}
	if _, err := findSerialPort(filepath.Join(root, "nope"), "04d8", "f013"); err == nil {
		t.Error(`missing sysfs tree should fail`)
	}
}

func TestFindSerialPortPlainDirs(t *testing.T) {
	t.Parallel()

	// Resolution also works when the entries are real directories.
	root := t.TempDir()
	sysfs := filepath.Join(root, "bus", "devices")
	if err := os.MkdirAll(filepath.Join(sysfs, "ttyACM0"), 0750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "bus", "idVendor"), []byte("1a86\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "bus", "idProduct"), []byte("7523\n"), 0600); err != nil {
		t.Fatal(err)
	}

	port, err := findSerialPort(sysfs, "1a86", "7523")
	if err != nil {
		t.Fatal(err)
	}
	if port != "/dev/ttyACM0" {
		t.Errorf(`port = %q, want "/dev/ttyACM0"`, port)
	}
}
