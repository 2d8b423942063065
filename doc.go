/*
Package mpsync is a deployment tool for MicroPython boards.

mpsync replaces the usual pile of shell recipes around ESP32/Pycom
development with one configurable command:
  - Incremental file sync to the board's /flash over FTP
  - Firmware download, verification, and flashing via esptool.py
  - Device discovery and maintenance-mode control on the local network
  - An interactive console and an MQTT telemetry monitor

The main packages are:

	github.com/mpsync/mpsync/internal/flashfs  - File checksum records and manifest primitives
	github.com/mpsync/mpsync/internal/deploy   - Core sync engine, device control, and configuration
	github.com/mpsync/mpsync/internal/firmware - Firmware release handling and flashing
	github.com/mpsync/mpsync/internal/console  - Interactive device session
	github.com/mpsync/mpsync/internal/monitor  - MQTT telemetry monitor
	github.com/mpsync/mpsync/cmd/mpsync        - Command-line interface
*/
package mpsync
