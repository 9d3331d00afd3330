package sdk

import (
	"os"
	"runtime"
	"strings"
	"time"
)

func collectDeviceInfo() map[string]any {
	hostname, _ := os.Hostname()
	zone, _ := time.Now().Zone()

	return map[string]any{
		"os":        runtime.GOOS,
		"arch":      runtime.GOARCH,
		"runtime":   runtime.Version(),
		"cpus":      runtime.NumCPU(),
		"hostname":  hostname,
		"language":  locale(),
		"timezone":  time.Local.String(),
		"zoneAbbr":  zone,
		"userAgent": "oopsie-go/" + Version,
	}
}

func locale() string {
	for _, key := range []string{"LC_ALL", "LC_MESSAGES", "LANG"} {
		if value := strings.TrimSpace(os.Getenv(key)); value != "" {
			return strings.SplitN(value, ".", 2)[0]
		}
	}
	return ""
}
