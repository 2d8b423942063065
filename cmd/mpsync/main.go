// Package main implements the mpsync command-line tool for deploying
// files and firmware to MicroPython boards.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/mpsync/mpsync/internal/console"
	"github.com/mpsync/mpsync/internal/deploy"
	"github.com/mpsync/mpsync/internal/firmware"
	"github.com/mpsync/mpsync/internal/monitor"
)

const (
	defaultConfigPath = "/etc/mpsync/mpsync.toml"
)

var (
	// Build information - can be set via build flags
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"

	// Command-line flags
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "mpsync",
	Short: "Deploy files and firmware to MicroPython boards",
	Long: `mpsync is a tool for deploying application trees and firmware to
MicroPython boards (ESP32/Pycom) over FTP and serial.

Find more information at: https://github.com/mpsync/mpsync`,
}

var syncCmd = &cobra.Command{
	Use:   "sync [device-ids...]",
	Short: "Synchronize local files to one or more devices",
	Long: `Synchronizes configured local paths to the /flash filesystem of one or
more devices over FTP.

Usage:
  # Synchronize all devices in your configuration file
  mpsync sync

  # Synchronize only specific devices
  mpsync sync fipy-office

  # Use a custom configuration file
  mpsync sync --config /path/to/custom-location.toml

  # Show the transfer plan without connecting
  mpsync sync --dry-run

  # Remove remote files that no longer exist locally
  mpsync sync --delete

  # Keep watching local paths and re-sync on change
  mpsync sync --watch

If no device IDs are specified, all devices in the configuration file
will be synchronized.`,
	Run: runSync,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  "Print version information including build details",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("mpsync %s\n", version)
		fmt.Printf("commit: %s\n", commit)
		fmt.Printf("built: %s\n", buildDate)
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Long:  `Validate the configuration file and report any issues.`,
	Run:   runValidate,
}

var discoverCmd = &cobra.Command{
	Use:   "discover [hostname]",
	Short: "Wait for a device to appear on the local network",
	Long: `Polls DNS until the device hostname resolves and prints its address.

Examples:
  mpsync discover
  mpsync discover bee-observer
  mpsync discover --forever`,
	Args: cobra.MaximumNArgs(1),
	Run:  runDiscover,
}

var maintenanceCmd = &cobra.Command{
	Use:   "maintenance",
	Short: "Control a device's maintenance mode",
	Long:  `Send maintenance-mode commands to a device's UDP mode server.`,
}

var maintenanceEnableCmd = &cobra.Command{
	Use:   "enable <device-id>",
	Short: "Pull the device into maintenance mode",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runMaintenance(cmd, args[0], deploy.ModeMaintenance)
	},
}

var maintenanceDisableCmd = &cobra.Command{
	Use:   "disable <device-id>",
	Short: "Release the device into field mode",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runMaintenance(cmd, args[0], deploy.ModeField)
	},
}

var firmwareCmd = &cobra.Command{
	Use:   "firmware",
	Short: "Fetch, verify, and flash firmware images",
	Long:  `Download firmware releases, verify their checksums and signatures, and write them with esptool.py.`,
}

var firmwareFetchCmd = &cobra.Command{
	Use:   "fetch <version>",
	Short: "Download and verify a firmware release",
	Long: `Download the firmware image for a release version, decompress it, and
verify it against the release sums file (and PGP signature when configured).

Examples:
  mpsync firmware fetch 1.20.2.r4`,
	Args: cobra.ExactArgs(1),
	Run:  runFirmwareFetch,
}

var firmwareVerifyCmd = &cobra.Command{
	Use:   "verify <image-path> <sums-path>",
	Short: "Verify a downloaded firmware image",
	Args:  cobra.ExactArgs(2),
	Run:   runFirmwareVerify,
}

var firmwareFlashCmd = &cobra.Command{
	Use:   "flash <version> <image-path>",
	Short: "Flash a firmware image",
	Long: `Write a verified firmware image to the board with esptool.py.

A downgrade (version older than the last flashed one) is refused unless
--force is given. --erase wipes the flash first, losing /flash contents.

Examples:
  mpsync firmware flash 1.20.2.r4 ./firmware/FiPy-1.20.2.r4.bin
  mpsync firmware flash 1.20.2.r4 ./firmware/FiPy-1.20.2.r4.bin --erase`,
	Args: cobra.ExactArgs(2),
	Run:  runFirmwareFlash,
}

var consoleCmd = &cobra.Command{
	Use:   "console <device-id>",
	Short: "Open an interactive session with a device",
	Long:  `Open an interactive FTP session with ls, get, put, rm, and sync commands.`,
	Args:  cobra.ExactArgs(1),
	Run:   runConsole,
}

var monitorCmd = &cobra.Command{
	Use:   "monitor <device-id>",
	Short: "Watch a device's MQTT telemetry",
	Long:  `Subscribe to the device's telemetry topics on the configured broker and print readings.`,
	Args:  cobra.ExactArgs(1),
	Run:   runMonitor,
}

func init() {
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(maintenanceCmd)
	rootCmd.AddCommand(firmwareCmd)
	rootCmd.AddCommand(consoleCmd)
	rootCmd.AddCommand(monitorCmd)

	maintenanceCmd.AddCommand(maintenanceEnableCmd)
	maintenanceCmd.AddCommand(maintenanceDisableCmd)

	firmwareCmd.AddCommand(firmwareFetchCmd)
	firmwareCmd.AddCommand(firmwareVerifyCmd)
	firmwareCmd.AddCommand(firmwareFlashCmd)

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "configuration file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "override log level (debug, info, warn, error)")

	rootCmd.PersistentFlags().BoolP("help", "h", false, "help for mpsync")
	rootCmd.PersistentFlags().Bool("verbose-errors", false, "show detailed error information including stack traces")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "suppress all output except for errors")

	syncCmd.Flags().Bool("dry-run", false, "compute the transfer plan without connecting")
	syncCmd.Flags().Bool("delete", false, "remove remote files that no longer exist locally")
	syncCmd.Flags().Bool("watch", false, "keep watching local paths and re-sync on change")

	discoverCmd.Flags().Bool("forever", false, "keep reporting every time the hostname (re)appears")

	firmwareFlashCmd.Flags().Bool("force", false, "allow flashing an older version")
	firmwareFlashCmd.Flags().Bool("erase", false, "erase the flash before writing")
}

// formatError returns a human-friendly error message, optionally with stack trace
func formatError(err error, verbose bool) string {
	if verbose {
		return fmt.Sprintf("%+v", err) // Full details with stack trace
	}

	// For human-friendly output, try to extract the root message
	flattened := errors.FlattenDetails(err)
	if flattened != "" {
		return flattened
	}

	// Fallback to simple error message
	return err.Error()
}

// analyzeUndecoded examines undecoded TOML keys and provides helpful suggestions
func analyzeUndecoded(undecoded []toml.Key) (suggestions []string, unknown []string) {
	// Group keys by their root section for device typos
	deviceGroups := make(map[string]int)

	for _, key := range undecoded {
		keyStr := key.String()

		// Check for common "device" vs "devices" typo
		if strings.HasPrefix(keyStr, "device.") && !strings.HasPrefix(keyStr, "devices.") {
			// Extract the root section (e.g., "device.fipy-office" from "device.fipy-office.address")
			parts := strings.Split(keyStr, ".")
			if len(parts) >= 2 {
				rootSection := parts[0] + "." + parts[1] // "device.fipy-office"
				deviceGroups[rootSection]++
			}
		} else {
			// Keep track of keys we couldn't provide suggestions for
			unknown = append(unknown, keyStr)
		}
	}

	// Generate grouped suggestions
	for rootSection, count := range deviceGroups {
		correctedSection := strings.Replace(rootSection, "device.", "devices.", 1)
		if count == 1 {
			suggestions = append(suggestions, fmt.Sprintf("Section '%s' should be '%s'", rootSection, correctedSection))
		} else {
			suggestions = append(suggestions, fmt.Sprintf("Section '%s' should be '%s' (affects %d subsections)", rootSection, correctedSection, count))
		}
	}

	return suggestions, unknown
}

// formatUndecodedError builds a user-friendly error message for undecoded TOML keys
func formatUndecodedError(undecoded []toml.Key) string {
	suggestions, unknown := analyzeUndecoded(undecoded)

	var errorMsg strings.Builder
	if len(suggestions) > 0 {
		errorMsg.WriteString("configuration contains sections that don't match expected structure:\n")
		for _, suggestion := range suggestions {
			errorMsg.WriteString("  • " + suggestion + "\n")
		}
		errorMsg.WriteString("\nNote: Configuration section names are case-sensitive and must match exactly.")
	}

	if len(unknown) > 0 {
		if errorMsg.Len() > 0 {
			errorMsg.WriteString("\n\nAdditionally, found unknown sections: ")
		} else {
			errorMsg.WriteString("configuration contains unknown sections: ")
		}
		errorMsg.WriteString(fmt.Sprintf("%v", unknown))
		errorMsg.WriteString("\nThese sections don't match any expected configuration structure.")
	}

	return errorMsg.String()
}

// loadConfig decodes the configuration file and applies log settings.
func loadConfig(verboseErrors bool) (*deploy.Config, error) {
	config := deploy.NewConfig()
	meta, err := toml.DecodeFile(configPath, config)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Error("configuration file not found", "path", configPath)
			slog.Info("Please create a configuration file at the default location or specify one with the --config flag.")
			return nil, err
		}
		errorMsg := formatError(err, verboseErrors)
		slog.Error("failed to decode config file", "error", errorMsg, "path", configPath)
		return nil, err
	}

	// Check for undecoded keys which might indicate parsing stopped early
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		errorMsg := formatUndecodedError(undecoded)
		slog.Error("configuration validation failed", "error", errorMsg, "path", configPath)
		return nil, errors.New("configuration validation failed")
	}

	// Apply log configuration immediately after config loading
	if err := config.Log.Apply(); err != nil {
		slog.Error("failed to apply log config", "error", err)
		return nil, err
	}

	// Override log level if specified on command line
	if logLevel != "" {
		config.Log.Level = logLevel
		if err := config.Log.Apply(); err != nil {
			slog.Error("failed to apply command-line log level", "level", logLevel, "error", err)
			return nil, err
		}
		slog.Debug("log level successfully overridden from command line", "level", logLevel)
	}

	return config, nil
}

// signalContext returns a context cancelled by SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runSync(cmd *cobra.Command, args []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")

	config, err := loadConfig(verboseErrors)
	if err != nil {
		os.Exit(1)
	}

	quiet, _ := cmd.Flags().GetBool("quiet")
	if quiet {
		config.Log.Level = "error"
		if err := config.Log.Apply(); err != nil {
			slog.Error("failed to apply quiet log level", "error", err)
			os.Exit(1)
		}
	}

	dryRun, _ := cmd.Flags().GetBool("dry-run")
	prune, _ := cmd.Flags().GetBool("delete")
	watch, _ := cmd.Flags().GetBool("watch")

	ctx, cancel := signalContext()
	defer cancel()

	if watch {
		err = deploy.Watch(ctx, config, args, quiet, prune)
	} else {
		err = deploy.Run(ctx, config, args, quiet, dryRun, prune)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("sync failed", "error", formatError(err, verboseErrors))
		if !verboseErrors {
			slog.Info("run with --verbose-errors for detailed stack traces")
		}
		os.Exit(1)
	}
}

func runValidate(cmd *cobra.Command, _ []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")

	config, err := loadConfig(verboseErrors)
	if err != nil {
		os.Exit(1)
	}

	var validationErrors []error

	if err := config.Check(); err != nil {
		validationErrors = append(validationErrors, errors.Wrap(err, "global config"))
	}

	for deviceID := range config.Devices {
		if !deploy.IsValidID(deviceID) {
			validationErrors = append(validationErrors, errors.New("invalid device ID: "+deviceID))
		}
		// Device fills in the documented defaults, so a config that
		// relies on them validates the same way it syncs.
		deviceConfig, err := config.Device(deviceID)
		if err != nil {
			validationErrors = append(validationErrors, err)
			continue
		}
		if err := deviceConfig.Check(); err != nil {
			validationErrors = append(validationErrors, errors.Wrap(err, "device \""+deviceID+"\""))
		}
	}

	if config.Broker != nil {
		if err := config.Broker.Check(); err != nil {
			validationErrors = append(validationErrors, errors.Wrap(err, "broker config"))
		}
	}
	if config.Firmware != nil {
		if err := config.Firmware.Check(); err != nil {
			validationErrors = append(validationErrors, errors.Wrap(err, "firmware config"))
		}
	}

	if len(validationErrors) > 0 {
		slog.Error("the toml configuration file is not valid")
		for _, err := range validationErrors {
			slog.Error(err.Error())
		}
		os.Exit(1)
	}

	slog.Info("the toml configuration file passes validation checks")
}

func runDiscover(cmd *cobra.Command, args []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")

	// Discovery needs no configuration file; the hostname argument and
	// the built-in default are enough.
	hostname := ""
	if len(args) > 0 {
		hostname = args[0]
	}
	forever, _ := cmd.Flags().GetBool("forever")

	ctx, cancel := signalContext()
	defer cancel()

	d := deploy.NewDiscoverer(hostname)
	var err error
	if forever {
		err = d.WaitForever(ctx, func(addr string) {
			fmt.Println(addr)
		})
	} else {
		var addr string
		addr, err = d.Wait(ctx)
		if err == nil {
			fmt.Println(addr)
		}
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("discovery failed", "error", formatError(err, verboseErrors))
		os.Exit(1)
	}
}

func runMaintenance(cmd *cobra.Command, deviceID string, mode deploy.DeviceMode) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")
	config, err := loadConfig(verboseErrors)
	if err != nil {
		os.Exit(1)
	}

	dc, err := config.Device(deviceID)
	if err != nil {
		slog.Error("device not found in configuration", "device", deviceID)
		os.Exit(1)
	}

	ctx, cancel := signalContext()
	defer cancel()

	if err := deploy.SetDeviceMode(ctx, dc, mode); err != nil {
		slog.Error("failed to set device mode", "device", deviceID, "error", formatError(err, verboseErrors))
		os.Exit(1)
	}
}

// firmwareDir returns where fetched images are stored.
func firmwareDir(config *deploy.Config) string {
	return filepath.Join(config.ManifestDir, "firmware")
}

func runFirmwareFetch(cmd *cobra.Command, args []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")
	config, err := loadConfig(verboseErrors)
	if err != nil {
		os.Exit(1)
	}
	if config.Firmware == nil {
		slog.Error("firmware configuration is required for firmware commands")
		os.Exit(1)
	}

	releaseVersion := args[0]
	quiet, _ := cmd.Flags().GetBool("quiet")

	ctx, cancel := signalContext()
	defer cancel()

	fetcher := firmware.NewFetcher(quiet)
	dir := firmwareDir(config)

	imageURL := strings.ReplaceAll(config.Firmware.ReleaseURL, "{version}", releaseVersion)
	imagePath, err := fetcher.Fetch(ctx, imageURL, dir)
	if err != nil {
		slog.Error("failed to download firmware", "error", formatError(err, verboseErrors))
		os.Exit(1)
	}

	if config.Firmware.SumsFile == "" {
		slog.Warn("no sums_file configured, skipping verification", "image", imagePath)
		return
	}

	sumsURL := strings.ReplaceAll(config.Firmware.SumsFile, "{version}", releaseVersion)
	sumsPath, err := fetcher.Fetch(ctx, sumsURL, dir)
	if err != nil {
		slog.Error("failed to download sums file", "error", formatError(err, verboseErrors))
		os.Exit(1)
	}

	if err := verifyRelease(ctx, fetcher, config, imagePath, sumsPath, releaseVersion); err != nil {
		slog.Error("firmware verification failed", "error", formatError(err, verboseErrors))
		os.Exit(1)
	}

	slog.Info("firmware ready", "version", releaseVersion, "image", imagePath)
}

// verifyRelease checks the image checksum and, when configured, the
// detached signature over the sums file.
func verifyRelease(ctx context.Context, fetcher *firmware.Fetcher, config *deploy.Config, imagePath, sumsPath, releaseVersion string) error {
	sumsData, err := os.ReadFile(sumsPath) // #nosec G304 - sumsPath was produced by Fetch
	if err != nil {
		return err
	}
	sums, err := firmware.ParseSums(strings.NewReader(string(sumsData)))
	if err != nil {
		return err
	}
	if err := firmware.VerifyImage(imagePath, sums); err != nil {
		return err
	}

	if config.Firmware.PGPKeyPath == "" {
		return nil
	}

	sigURL := strings.ReplaceAll(config.Firmware.SumsFile, "{version}", releaseVersion) + ".asc"
	sigPath, err := fetcher.Fetch(ctx, sigURL, firmwareDir(config))
	if err != nil {
		return err
	}
	sigData, err := os.ReadFile(sigPath) // #nosec G304 - sigPath was produced by Fetch
	if err != nil {
		return err
	}
	return firmware.VerifySignature(sumsData, sigData, config.Firmware.PGPKeyPath)
}

func runFirmwareVerify(cmd *cobra.Command, args []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")

	imagePath, sumsPath := args[0], args[1]

	f, err := os.Open(sumsPath) // #nosec G304 - operator-provided path
	if err != nil {
		slog.Error("cannot open sums file", "path", sumsPath, "error", err)
		os.Exit(1)
	}
	sums, err := firmware.ParseSums(f)
	f.Close()
	if err != nil {
		slog.Error("cannot parse sums file", "path", sumsPath, "error", formatError(err, verboseErrors))
		os.Exit(1)
	}

	if err := firmware.VerifyImage(imagePath, sums); err != nil {
		slog.Error("verification failed", "error", formatError(err, verboseErrors))
		os.Exit(1)
	}
	slog.Info("image verified", "image", imagePath)
}

func runFirmwareFlash(cmd *cobra.Command, args []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")
	config, err := loadConfig(verboseErrors)
	if err != nil {
		os.Exit(1)
	}
	if config.Firmware == nil {
		slog.Error("firmware configuration is required for firmware commands")
		os.Exit(1)
	}

	releaseVersion, imagePath := args[0], args[1]
	force, _ := cmd.Flags().GetBool("force")
	erase, _ := cmd.Flags().GetBool("erase")

	installed, err := firmware.InstalledVersion(config.ManifestDir)
	if err != nil {
		slog.Error("cannot read installed version", "error", err)
		os.Exit(1)
	}
	if installed != "" && !force {
		cmp, err := firmware.CompareVersions(releaseVersion, installed)
		if err != nil {
			slog.Error("cannot compare versions", "error", formatError(err, verboseErrors))
			os.Exit(1)
		}
		if cmp < 0 {
			slog.Error("refusing to downgrade; use --force to override",
				"installed", installed, "requested", releaseVersion)
			os.Exit(1)
		}
	}

	fc := config.Firmware
	flasher := firmware.NewFlasher(fc.SerialPort, fc.BaudRate, fc.FlashOffset, fc.USBVendorID, fc.USBProductID)

	ctx, cancel := signalContext()
	defer cancel()

	if erase {
		if err := flasher.Erase(ctx); err != nil {
			slog.Error("erase failed", "error", formatError(err, verboseErrors))
			os.Exit(1)
		}
	}
	if err := flasher.Flash(ctx, imagePath); err != nil {
		slog.Error("flash failed", "error", formatError(err, verboseErrors))
		os.Exit(1)
	}

	if err := firmware.RecordInstalledVersion(config.ManifestDir, releaseVersion); err != nil {
		slog.Warn("cannot record installed version", "error", err)
	}
	slog.Info("firmware flashed", "version", releaseVersion)
}

func runConsole(cmd *cobra.Command, args []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")
	config, err := loadConfig(verboseErrors)
	if err != nil {
		os.Exit(1)
	}

	deviceID := args[0]
	dc, err := config.Device(deviceID)
	if err != nil {
		slog.Error("device not found in configuration", "device", deviceID)
		os.Exit(1)
	}
	if err := dc.Check(); err != nil {
		slog.Error("invalid device configuration", "device", deviceID, "error", err)
		os.Exit(1)
	}

	client := deploy.NewFTPClient(deviceID, dc, config.MaxConns)
	defer client.Close()

	quiet, _ := cmd.Flags().GetBool("quiet")

	c := console.New(deviceID, dc.RemoteDir, client)
	c.SyncFunc = func(ctx context.Context) error {
		return deploy.Run(ctx, config, []string{deviceID}, quiet, false, false)
	}
	c.Run()
}

func runMonitor(cmd *cobra.Command, args []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")
	config, err := loadConfig(verboseErrors)
	if err != nil {
		os.Exit(1)
	}
	if config.Broker == nil {
		slog.Error("broker configuration is required for the monitor command")
		os.Exit(1)
	}

	deviceID := args[0]
	if _, err := config.Device(deviceID); err != nil {
		slog.Error("device not found in configuration", "device", deviceID)
		os.Exit(1)
	}

	ctx, cancel := signalContext()
	defer cancel()

	m := monitor.New(config.Broker.URL, config.Broker.TopicPrefix, deviceID)
	if err := m.Run(ctx, monitor.Print); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("monitor failed", "error", formatError(err, verboseErrors))
		os.Exit(1)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
