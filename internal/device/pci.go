// Package device discovers GPUs on the host.
//
// Discovery reads the PCI device tree in sysfs and needs neither the GPU
// driver nor nvidia-smi. The result sizes "composer -n" and decides whether
// training containers request GPUs.
package device

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tsingmao/xwtrain/internal/logger"
)

// DefaultSysfsRoot is the sysfs mount point on Linux.
const DefaultSysfsRoot = "/sys"

// NVIDIA PCI vendor ID and the display controller classes its GPUs report.
const (
	VendorNVIDIA = "0x10de"

	classVGA = "0x0300"
	class3D  = "0x0302"
)

// PCIDevice represents a PCI device with its identifiers
type PCIDevice struct {
	// VendorID is the PCI vendor ID (e.g., "0x10de")
	VendorID string

	// DeviceID is the PCI device ID
	DeviceID string

	// SubsystemVendorID is the subsystem vendor ID (optional)
	SubsystemVendorID string

	// SubsystemDeviceID is the subsystem device ID (optional)
	SubsystemDeviceID string

	// BusAddress is the PCI bus address (e.g., "0000:01:00.0")
	BusAddress string

	// Class is the PCI device class (e.g., "0x030200")
	Class string
}

// IsGPU reports whether the device is an NVIDIA display or 3D controller.
func (d PCIDevice) IsGPU() bool {
	if !strings.EqualFold(d.VendorID, VendorNVIDIA) {
		return false
	}
	class := strings.ToLower(d.Class)
	return strings.HasPrefix(class, classVGA) || strings.HasPrefix(class, class3D)
}

// ScanPCIDevices scans the PCI devices listed under root/bus/pci/devices.
//
// Devices whose identifiers cannot be read are skipped.
//
// Parameters:
//   - root: sysfs mount point (DefaultSysfsRoot outside tests)
//
// Returns:
//   - Devices sorted by bus address
//   - Error if the PCI device directory is missing or unreadable
func ScanPCIDevices(root string) ([]PCIDevice, error) {
	pciDevicesPath := filepath.Join(root, "bus", "pci", "devices")

	if _, err := os.Stat(pciDevicesPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("PCI devices path not found: %s", pciDevicesPath)
	}

	entries, err := os.ReadDir(pciDevicesPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read PCI devices: %w", err)
	}

	var devices []PCIDevice
	for _, entry := range entries {
		// PCI device entries are symlinks, not directories
		devicePath := filepath.Join(pciDevicesPath, entry.Name())
		device, err := readPCIDevice(devicePath, entry.Name())
		if err != nil {
			logger.Debug("Skipping PCI device %s: %v", entry.Name(), err)
			continue
		}
		devices = append(devices, device)
	}

	sort.Slice(devices, func(i, j int) bool { return devices[i].BusAddress < devices[j].BusAddress })
	return devices, nil
}

// FindGPUs returns the NVIDIA GPUs found under root.
func FindGPUs(root string) ([]PCIDevice, error) {
	devices, err := ScanPCIDevices(root)
	if err != nil {
		return nil, fmt.Errorf("failed to scan PCI devices: %w", err)
	}

	var gpus []PCIDevice
	for _, d := range devices {
		if d.IsGPU() {
			gpus = append(gpus, d)
		}
	}
	logger.Debug("Found %d GPU(s) among %d PCI device(s)", len(gpus), len(devices))
	return gpus, nil
}

// readPCIDevice reads PCI device information from sysfs
func readPCIDevice(devicePath, busAddress string) (PCIDevice, error) {
	device := PCIDevice{
		BusAddress: busAddress,
	}

	vendorID, err := readPCIFile(filepath.Join(devicePath, "vendor"))
	if err != nil {
		return device, err
	}
	device.VendorID = vendorID

	deviceID, err := readPCIFile(filepath.Join(devicePath, "device"))
	if err != nil {
		return device, err
	}
	device.DeviceID = deviceID

	if subsysVendor, err := readPCIFile(filepath.Join(devicePath, "subsystem_vendor")); err == nil {
		device.SubsystemVendorID = subsysVendor
	}
	if subsysDevice, err := readPCIFile(filepath.Join(devicePath, "subsystem_device")); err == nil {
		device.SubsystemDeviceID = subsysDevice
	}
	if class, err := readPCIFile(filepath.Join(devicePath, "class")); err == nil {
		device.Class = class
	}

	return device, nil
}

// readPCIFile reads a single line from a PCI sysfs file
func readPCIFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
