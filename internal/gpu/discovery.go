// Package gpu identifies NVIDIA display adapters through sysfs.
package gpu

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

const (
	drmClassPath = "class/drm"

	// VendorNVIDIA is the PCI vendor id of NVIDIA Corporation.
	VendorNVIDIA = "10de"
)

// Info describes a GPU found under sysfs. Fields may be empty when sysfs
// does not expose them.
type Info struct {
	ID         string `json:"id"`
	PCI        string `json:"pci"`
	PCIID      string `json:"pci_id"`
	Name       string `json:"name"`
	Driver     string `json:"driver,omitempty"`
	RenderNode string `json:"render_node,omitempty"`
}

// Discover lists NVIDIA DRM cards under root (normally /sys). A missing DRM
// class directory yields no cards and no error.
func Discover(root string, logger *slog.Logger) ([]Info, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "gpu_discovery")

	sysRoot, err := os.OpenRoot(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Debug("sysfs root missing", "path", root)
			return nil, nil
		}
		return nil, fmt.Errorf("open sysfs root: %w", err)
	}
	defer sysRoot.Close()

	entries, err := fs.ReadDir(sysRoot.FS(), drmClassPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Debug("drm class path missing", "path", filepath.Join(root, drmClassPath))
			return nil, nil
		}
		return nil, fmt.Errorf("read drm class dir: %w", err)
	}

	var infos []Info
	for _, entry := range entries {
		name := entry.Name()
		if !isCardNode(name) {
			continue
		}
		if !entry.IsDir() && entry.Type()&os.ModeSymlink == 0 {
			continue
		}

		cardRoot, err := sysRoot.OpenRoot(filepath.Join(drmClassPath, name))
		if err != nil {
			logger.Debug("skip card", "card", name, "err", err)
			continue
		}
		info, ok, err := loadCard(name, cardRoot)
		cardRoot.Close()
		if err != nil {
			logger.Warn("failed to load card info", "card", name, "err", err)
			continue
		}
		if !ok {
			continue
		}
		infos = append(infos, info)
	}

	return infos, nil
}

// Select returns the card whose PCI slot matches busID. nvidia-smi reports
// an eight digit domain ("00000000:01:00.0") while sysfs uses four.
func Select(infos []Info, busID string) (Info, bool) {
	want := NormalizeBusID(busID)
	for _, info := range infos {
		if want != "" && NormalizeBusID(info.PCI) == want {
			return info, true
		}
	}
	if want == "" && len(infos) > 0 {
		return infos[0], true
	}
	return Info{}, false
}

// NormalizeBusID lowercases a PCI address and trims its domain to four digits.
func NormalizeBusID(busID string) string {
	busID = strings.ToLower(strings.TrimSpace(busID))
	domain, rest, ok := strings.Cut(busID, ":")
	if !ok {
		return busID
	}
	if len(domain) > 4 {
		domain = domain[len(domain)-4:]
	}
	return domain + ":" + rest
}

func loadCard(cardID string, cardRoot *os.Root) (Info, bool, error) {
	deviceRoot, err := cardRoot.OpenRoot("device")
	if err != nil {
		return Info{}, false, fmt.Errorf("open device root: %w", err)
	}
	defer deviceRoot.Close()

	info := Info{ID: cardID}
	var subVendor, subDevice string

	if data, err := deviceRoot.ReadFile("uevent"); err == nil {
		text := string(data)
		info.PCI = parseKeyValue(text, "PCI_SLOT_NAME")
		info.PCIID = strings.ToLower(parseKeyValue(text, "PCI_ID"))
		info.Driver = parseKeyValue(text, "DRIVER")
		if sub := parseKeyValue(text, "PCI_SUBSYS_ID"); sub != "" {
			subVendor, subDevice, _ = strings.Cut(sub, ":")
		}
	}

	if info.PCIID == "" {
		vendor, vErr := readTrim(deviceRoot, "vendor")
		device, dErr := readTrim(deviceRoot, "device")
		if vErr == nil && dErr == nil {
			info.PCIID = normalizePCIID(vendor) + ":" + normalizePCIID(device)
		}
	}

	vendorID, deviceID := splitPCIIdentifier(info.PCIID)
	if normalizePCIID(vendorID) != VendorNVIDIA {
		return Info{}, false, nil
	}

	if subVendor == "" {
		subVendor, _ = readTrim(deviceRoot, "subsystem_vendor")
	}
	if subDevice == "" {
		subDevice, _ = readTrim(deviceRoot, "subsystem_device")
	}

	info.Name, _ = readTrim(deviceRoot, "label")
	if resolved := lookupGPUName(vendorID, deviceID, subVendor, subDevice); shouldUseResolvedName(info.Name, resolved) {
		info.Name = resolved
	}
	info.RenderNode = findRenderNode(deviceRoot)

	return info, true, nil
}

func isCardNode(name string) bool {
	if !strings.HasPrefix(name, "card") || strings.ContainsRune(name, '-') {
		return false
	}
	digits := name[len("card"):]
	if digits == "" {
		return false
	}
	for _, r := range digits {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func findRenderNode(deviceRoot *os.Root) string {
	entries, err := fs.ReadDir(deviceRoot.FS(), "drm")
	if err != nil {
		return ""
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), "renderD") {
			return filepath.Join("/dev/dri", entry.Name())
		}
	}
	return ""
}

func parseKeyValue(data, key string) string {
	prefix := key + "="
	scanner := bufio.NewScanner(strings.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		if value, ok := strings.CutPrefix(line, prefix); ok {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

func readTrim(root *os.Root, name string) (string, error) {
	data, err := root.ReadFile(name)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
