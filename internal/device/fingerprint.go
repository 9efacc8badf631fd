// Package device derives a stable identity for the machine a client runs on.
//
// The identity is a SHA-256 digest over a canonical tuple of hardware and
// account signals, so the same machine yields the same hash across restarts
// and reinstalls. The trial ledger keys free trials on that hash.
package device

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Fingerprint identifies one physical machine.
type Fingerprint struct {
	MachineID  string `json:"machineId"`
	DeviceHash string `json:"deviceHash"`
	Platform   string `json:"platform"`
	Hostname   string `json:"hostname"`
	// Degraded is set when no OS machine id could be read and one was
	// synthesized from weaker signals.
	Degraded bool `json:"degraded"`
}

// canonical is the hashed tuple. Field order is fixed by the struct, which
// keeps the JSON encoding stable.
type canonical struct {
	MachineID string `json:"machineId"`
	Hostname  string `json:"hostname"`
	Username  string `json:"username"`
	Platform  string `json:"platform"`
	Arch      string `json:"arch"`
	CPUModel  string `json:"cpuModel"`
	MemoryGB  int    `json:"memoryGb"`
	Home      string `json:"home"`
}

var hashPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// ValidHash reports whether s has the shape of a device hash.
func ValidHash(s string) bool {
	return hashPattern.MatchString(s)
}

// Fingerprinter computes fingerprints from a Host.
type Fingerprinter struct {
	host Host
}

// New returns a Fingerprinter reading host. A nil host reads the real machine.
func New(host Host) *Fingerprinter {
	if host == nil {
		host = OSHost{}
	}
	return &Fingerprinter{host: host}
}

// Local fingerprints the current machine.
func Local(ctx context.Context) Fingerprint {
	return New(nil).Fingerprint(ctx)
}

// Fingerprint never fails: when every machine id probe comes up empty it
// falls back to a synthesized id and marks the result degraded.
func (f *Fingerprinter) Fingerprint(ctx context.Context) Fingerprint {
	h := f.host
	hostname, _ := h.Hostname()
	hostname = strings.TrimSpace(hostname)

	tuple := canonical{
		Hostname: hostname,
		Username: h.Username(),
		Platform: h.GOOS(),
		Arch:     h.GOARCH(),
		CPUModel: f.cpuModel(ctx),
		MemoryGB: f.memoryGB(ctx),
		Home:     h.HomeDir(),
	}

	degraded := false
	tuple.MachineID = f.machineID(ctx)
	if tuple.MachineID == "" {
		tuple.MachineID = syntheticID(tuple)
		degraded = true
	}

	return Fingerprint{
		MachineID:  tuple.MachineID,
		DeviceHash: digest(tuple),
		Platform:   tuple.Platform,
		Hostname:   hostname,
		Degraded:   degraded,
	}
}

func digest(v any) string {
	data, _ := json.Marshal(v)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func syntheticID(t canonical) string {
	return digest(struct {
		Hostname string `json:"hostname"`
		Username string `json:"username"`
		Home     string `json:"home"`
		Platform string `json:"platform"`
		Arch     string `json:"arch"`
	}{t.Hostname, t.Username, t.Home, t.Platform, t.Arch})
}

// machineID tries the platform's identifiers in order of stability.
func (f *Fingerprinter) machineID(ctx context.Context) string {
	switch f.host.GOOS() {
	case "darwin":
		return normalizeID(f.ioregUUID(ctx))
	case "windows":
		if id := normalizeID(f.registryGUID(ctx)); id != "" {
			return id
		}
		return normalizeID(f.wmicValue(ctx, "UUID", "csproduct", "get", "UUID"))
	default:
		for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id", "/sys/class/dmi/id/product_uuid"} {
			data, err := f.host.ReadFile(path)
			if err != nil {
				continue
			}
			if id := normalizeID(string(data)); id != "" {
				return id
			}
		}
		return ""
	}
}

func (f *Fingerprinter) ioregUUID(ctx context.Context) string {
	out, err := f.host.Command(ctx, "ioreg", "-rd1", "-c", "IOPlatformExpertDevice")
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(out), "\n") {
		if !strings.Contains(line, "IOPlatformUUID") {
			continue
		}
		// "IOPlatformUUID" = "XXXXXXXX-..."
		parts := strings.Split(line, `"`)
		if len(parts) >= 4 {
			return parts[3]
		}
	}
	return ""
}

func (f *Fingerprinter) registryGUID(ctx context.Context) string {
	out, err := f.host.Command(ctx, "reg", "query", `HKLM\SOFTWARE\Microsoft\Cryptography`, "/v", "MachineGuid")
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 3 && strings.EqualFold(fields[0], "MachineGuid") {
			return fields[len(fields)-1]
		}
	}
	return ""
}

// wmicValue returns the first non-header line of a wmic query.
func (f *Fingerprinter) wmicValue(ctx context.Context, header string, args ...string) string {
	out, err := f.host.Command(ctx, "wmic", args...)
	if err != nil {
		return ""
	}
	for _, line := range bytes.Split(out, []byte("\n")) {
		s := strings.TrimSpace(string(line))
		if s != "" && !strings.EqualFold(s, header) {
			return s
		}
	}
	return ""
}

// placeholder ids that firmware ships when no real id was burned in.
var junkIDs = map[string]bool{
	"00000000-0000-0000-0000-000000000000": true,
	"ffffffff-ffff-ffff-ffff-ffffffffffff": true,
	"03000200-0400-0500-0006-000700080009": true,
}

func normalizeID(s string) string {
	id := strings.ToLower(strings.TrimSpace(s))
	if junkIDs[id] {
		return ""
	}
	return id
}

func (f *Fingerprinter) cpuModel(ctx context.Context) string {
	switch f.host.GOOS() {
	case "darwin":
		out, err := f.host.Command(ctx, "sysctl", "-n", "machdep.cpu.brand_string")
		if err != nil {
			return ""
		}
		return strings.TrimSpace(string(out))
	case "windows":
		return strings.TrimSpace(f.host.Getenv("PROCESSOR_IDENTIFIER"))
	default:
		data, err := f.host.ReadFile("/proc/cpuinfo")
		if err != nil {
			return ""
		}
		return procField(data, "model name")
	}
}

const gib = 1 << 30

func (f *Fingerprinter) memoryGB(ctx context.Context) int {
	var bytesTotal float64
	switch f.host.GOOS() {
	case "darwin":
		out, err := f.host.Command(ctx, "sysctl", "-n", "hw.memsize")
		if err != nil {
			return 0
		}
		n, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
		if err != nil {
			return 0
		}
		bytesTotal = n
	case "windows":
		n, err := strconv.ParseFloat(f.wmicValue(ctx, "TotalPhysicalMemory", "ComputerSystem", "get", "TotalPhysicalMemory"), 64)
		if err != nil {
			return 0
		}
		bytesTotal = n
	default:
		data, err := f.host.ReadFile("/proc/meminfo")
		if err != nil {
			return 0
		}
		// MemTotal:       16318480 kB
		fields := strings.Fields(procField(data, "MemTotal"))
		if len(fields) == 0 {
			return 0
		}
		kb, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return 0
		}
		bytesTotal = kb * 1024
	}
	return int(math.Round(bytesTotal / gib))
}

// procField returns the value of the first "key : value" line in a /proc file.
func procField(data []byte, key string) string {
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		k, v, ok := strings.Cut(sc.Text(), ":")
		if ok && strings.TrimSpace(k) == key {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
