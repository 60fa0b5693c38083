package osc

import (
	"math/rand"
	"strings"
	"testing"

	"owl-heartrate/internal/config"
	"owl-heartrate/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatPrefix(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"avatar/parameters", "/avatar/parameters"},
		{"/avatar/parameters/", "/avatar/parameters"},
		{"avatar///parameters/", "/avatar/parameters"},
		{"", "/"},
		{"/", "/"},
		{"///", "/"},
	}
	for _, tt := range tests {
		got, err := FormatPrefix(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestFormatPrefix_Rejects(t *testing.T) {
	for _, in := range []string{"avatar/[params]", "avatar/par]ams", "a b", "avatar/*", "x#y", "{x}", "a,b", "why?"} {
		_, err := FormatPrefix(in)
		assert.ErrorIs(t, err, models.ErrInvalidOSCPrefix, in)
	}
}

func TestFormatAddress(t *testing.T) {
	got, err := FormatAddress("/avatar/parameters", "HR", "bpm_int")
	require.NoError(t, err)
	assert.Equal(t, "/avatar/parameters/HR", got)

	got, err = FormatAddress("/", "/nested//HR/", "bpm_int")
	require.NoError(t, err)
	assert.Equal(t, "/nested/HR", got)

	for _, bad := range []string{"", "/", "//"} {
		_, err = FormatAddress("/avatar", bad, "bpm_int")
		assert.ErrorIs(t, err, models.ErrInvalidOSCAddress, "suffix %q", bad)
	}

	_, err = FormatAddress("/avatar", "HR?", "bpm_int")
	assert.ErrorIs(t, err, models.ErrInvalidOSCAddress)
}

func TestBuildAddressTable(t *testing.T) {
	table, err := BuildAddressTable("/avatar/parameters/", config.Default().OSC.Params)
	require.NoError(t, err)

	assert.Equal(t, "/avatar/parameters/HR", table.BPMInt)
	assert.Equal(t, "/avatar/parameters/floatHR", table.BPMFloat)
	assert.Equal(t, "/avatar/parameters/isHRConnected", table.Connected)
	assert.Equal(t, "/avatar/parameters/isHRBeat", table.BeatPulse)
	assert.Equal(t, "/avatar/parameters/HRTwitchDown", table.TwitchDown)

	params := config.Default().OSC.Params
	params.TwitchUp = "/"
	_, err = BuildAddressTable("/avatar/parameters", params)
	assert.ErrorIs(t, err, models.ErrInvalidOSCAddress)
	assert.Contains(t, err.Error(), "twitch_up")
}

// 合法的前缀/参数名拼接结果总是合法地址，且再次规范化不变
func TestFormatAddress_RoundTrip(t *testing.T) {
	const alphabet = "abcXYZ019_-.~!$%&()+:;<=>@^`|/"
	rnd := rand.New(rand.NewSource(42))
	randomPart := func() string {
		var sb strings.Builder
		n := rnd.Intn(12)
		for i := 0; i < n; i++ {
			sb.WriteByte(alphabet[rnd.Intn(len(alphabet))])
		}
		return sb.String()
	}

	checked := 0
	for i := 0; i < 2000; i++ {
		prefix, param := randomPart(), randomPart()
		p, err := FormatPrefix(prefix)
		require.NoError(t, err, "prefix %q", prefix)

		addr, err := FormatAddress(p, param, "param")
		if strings.Trim(param, "/") == "" {
			require.Error(t, err)
			continue
		}
		require.NoError(t, err, "prefix %q param %q", prefix, param)
		require.NoError(t, ValidateAddress(addr))
		assert.Equal(t, addr, normalize(addr))

		again, err := FormatPrefix(addr)
		require.NoError(t, err)
		assert.Equal(t, addr, again)
		checked++
	}
	assert.Greater(t, checked, 1000)
}

func TestValidateAddress(t *testing.T) {
	assert.NoError(t, ValidateAddress("/"))
	assert.NoError(t, ValidateAddress("/a/b"))
	assert.Error(t, ValidateAddress("a/b"))
	assert.Error(t, ValidateAddress("/a//b"))
	assert.Error(t, ValidateAddress("/a/"))
	assert.Error(t, ValidateAddress("/a\tb"))
	assert.Error(t, ValidateAddress("/ä"))
}
