package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// SizeSuffix is a parse/print friendly int64 byte count, modeled on
// rclone's fs.SizeSuffix: it accepts suffixes (K, Ki, M, Mi, G, Gi, ...)
// on the command line and in config files, and -1 / "off" means unbounded.
// evalgrid uses it for ResourceLimits.Memory, ResourceLimits.FileSize and
// the FileStore's MaxSize/MinSize.
type SizeSuffix int64

const (
	// Unbounded is the sentinel SizeSuffix meaning "no limit".
	Unbounded SizeSuffix = -1
)

var sizeSuffixList = []struct {
	suffix     string
	multiplier float64
}{
	{"k", 1 << 10}, {"ki", 1 << 10},
	{"m", 1 << 20}, {"mi", 1 << 20},
	{"g", 1 << 30}, {"gi", 1 << 30},
	{"t", 1 << 40}, {"ti", 1 << 40},
	{"p", 1 << 50}, {"pi", 1 << 50},
	{"b", 1},
}

// String renders the SizeSuffix the way config files and status output
// want to see it.
func (x SizeSuffix) String() string {
	if x < 0 {
		return "off"
	}
	v := float64(x)
	switch {
	case v < 1<<10:
		return fmt.Sprintf("%d", int64(x))
	case v < 1<<20:
		return suffixFormat(v/(1<<10), "Ki")
	case v < 1<<30:
		return suffixFormat(v/(1<<20), "Mi")
	case v < 1<<40:
		return suffixFormat(v/(1<<30), "Gi")
	case v < 1<<50:
		return suffixFormat(v/(1<<40), "Ti")
	default:
		return suffixFormat(v/(1<<50), "Pi")
	}
}

func suffixFormat(v float64, suffix string) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d%s", int64(v), suffix)
	}
	return fmt.Sprintf("%.3f%s", v, suffix)
}

// Set parses a human string (e.g. "512Mi", "10G", "off") into the SizeSuffix.
func (x *SizeSuffix) Set(s string) error {
	if s == "" {
		return errors.New("empty string")
	}
	if strings.EqualFold(s, "off") {
		*x = Unbounded
		return nil
	}
	lower := strings.ToLower(s)
	for _, entry := range sizeSuffixList {
		if strings.HasSuffix(lower, entry.suffix) {
			numPart := strings.TrimSuffix(lower, entry.suffix)
			v, err := strconv.ParseFloat(numPart, 64)
			if err != nil {
				return errors.Wrapf(err, "bad size suffix %q", s)
			}
			if v < 0 {
				return errors.Errorf("size suffix %q must not be negative", s)
			}
			*x = SizeSuffix(v * entry.multiplier)
			return nil
		}
	}
	v, err := strconv.ParseFloat(lower, 64)
	if err != nil {
		return errors.Wrapf(err, "bad size suffix %q", s)
	}
	if v < 0 {
		return errors.Errorf("size suffix %q must not be negative", s)
	}
	*x = SizeSuffix(v)
	return nil
}

// Type implements pflag.Value.
func (x SizeSuffix) Type() string { return "SizeSuffix" }

// UnmarshalJSON parses either a JSON string (with suffix) or a bare number.
func (x *SizeSuffix) UnmarshalJSON(b []byte) error {
	var n int64
	if err := json.Unmarshal(b, &n); err == nil {
		*x = SizeSuffix(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return x.Set(s)
}

// MarshalJSON renders the suffix form.
func (x SizeSuffix) MarshalJSON() ([]byte, error) {
	return json.Marshal(x.String())
}
