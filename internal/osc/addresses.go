package osc

import (
	"fmt"
	"strings"

	"owl-heartrate/internal/config"
	"owl-heartrate/internal/models"
)

// AddressTable 各参数的 OSC 地址，启动时构建后只读
type AddressTable struct {
	BeatToggle       string
	BeatPulse        string
	BPMInt           string
	BPMFloat         string
	Connected        string
	HidingDisconnect string
	LatestRR         string
	BatteryInt       string
	BatteryFloat     string
	TwitchUp         string
	TwitchDown       string
}

// BuildAddressTable 由前缀和参数名构建地址表
func BuildAddressTable(prefix string, params config.OSCParams) (*AddressTable, error) {
	p, err := FormatPrefix(prefix)
	if err != nil {
		return nil, err
	}

	table := &AddressTable{}
	entries := []struct {
		name   string
		suffix string
		dst    *string
	}{
		{"beat_toggle", params.BeatToggle, &table.BeatToggle},
		{"beat_pulse", params.BeatPulse, &table.BeatPulse},
		{"bpm_int", params.BPMInt, &table.BPMInt},
		{"bpm_float", params.BPMFloat, &table.BPMFloat},
		{"connected", params.Connected, &table.Connected},
		{"hiding_disconnect", params.HidingDisconnect, &table.HidingDisconnect},
		{"latest_rr", params.LatestRR, &table.LatestRR},
		{"battery_int", params.BatteryInt, &table.BatteryInt},
		{"battery_float", params.BatteryFloat, &table.BatteryFloat},
		{"twitch_up", params.TwitchUp, &table.TwitchUp},
		{"twitch_down", params.TwitchDown, &table.TwitchDown},
	}
	for _, e := range entries {
		addr, err := FormatAddress(p, e.suffix, e.name)
		if err != nil {
			return nil, err
		}
		*e.dst = addr
	}
	return table, nil
}

// FormatPrefix 规范化前缀：补前导 "/"，合并连续 "/"，去掉结尾 "/"
// 空前缀得到 "/"
func FormatPrefix(prefix string) (string, error) {
	addr := normalize("/" + prefix)
	if err := ValidateAddress(addr); err != nil {
		return "", fmt.Errorf("%w: %q: %v", models.ErrInvalidOSCPrefix, prefix, err)
	}
	return addr, nil
}

// FormatAddress 拼接前缀与参数名并校验
func FormatAddress(prefix, param, paramName string) (string, error) {
	if strings.Trim(param, "/") == "" {
		return "", fmt.Errorf("%w: %q: empty parameter name", models.ErrInvalidOSCAddress, paramName)
	}
	addr := normalize(prefix + "/" + param)
	if err := ValidateAddress(addr); err != nil {
		return "", fmt.Errorf("%w: %q: %q: %v", models.ErrInvalidOSCAddress, paramName, param, err)
	}
	return addr, nil
}

func normalize(addr string) string {
	for strings.Contains(addr, "//") {
		addr = strings.ReplaceAll(addr, "//", "/")
	}
	if len(addr) > 1 {
		addr = strings.TrimSuffix(addr, "/")
	}
	if addr == "" {
		addr = "/"
	}
	return addr
}

// ValidateAddress 校验 OSC 地址
// 以 "/" 开头，除根地址外不允许空段，段内只允许可打印 ASCII 且不含 ' ' # * , ? [ ] { }
func ValidateAddress(addr string) error {
	if !strings.HasPrefix(addr, "/") {
		return fmt.Errorf("address must start with '/'")
	}
	if addr == "/" {
		return nil
	}
	for _, segment := range strings.Split(addr[1:], "/") {
		if segment == "" {
			return fmt.Errorf("empty path segment")
		}
		for _, r := range segment {
			if r <= ' ' || r > '~' {
				return fmt.Errorf("invalid character %q", r)
			}
			switch r {
			case '#', '*', ',', '?', '[', ']', '{', '}':
				return fmt.Errorf("reserved character %q", r)
			}
		}
	}
	return nil
}
