package devices

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLsscsi(t *testing.T) {
	lines := []string{
		"[0:0:0:0]    disk    ATA      Samsung SSD 870  1B6Q    /dev/sda",
		"[2:0:0:0]    tape    HP       Ultrium 2-SCSI   F6CH    /dev/st0",
		"[3:0:1:0]    tape    IBM      ULT3580-TD9      P3A0    /dev/st1",
		"[4:0:0:0]    cd/dvd  HL-DT-ST DVDRAM           1.00    /dev/sr0",
	}
	labels := parseLsscsi(lines)
	assert.Equal(t, map[string]string{
		"/dev/nst0": "HP Ultrium 2-SCSI F6CH",
		"/dev/nst1": "IBM ULT3580-TD9 P3A0",
	}, labels)
}

func TestParseLsscsiIgnoresGarbage(t *testing.T) {
	labels := parseLsscsi([]string{"", "short line", "[1:0:0:0] tape /dev/st0"})
	assert.Empty(t, labels)
}

func TestNstToSg(t *testing.T) {
	tmp := t.TempDir()
	old := sysfsTapeDir
	sysfsTapeDir = tmp
	defer func() { sysfsTapeDir = old }()

	devDir := filepath.Join(tmp, "nst0", "device")
	require.NoError(t, os.MkdirAll(devDir, 0o755))
	require.NoError(t, os.Symlink("../../sg3", filepath.Join(devDir, "generic")))

	assert.Equal(t, "/dev/sg3", NstToSg("/dev/nst0"))
	assert.Equal(t, "", NstToSg("/dev/nst1"), "missing sysfs entry")
	assert.Equal(t, "", NstToSg("/dev/sda1"), "not a tape node")
	assert.Equal(t, "", NstToSg("/tmp/foo"))
}

func TestParseCapacityMiB(t *testing.T) {
	out := "some header\nMaximum capacity in partition [MiB]: 18874368\ntrailer"
	assert.Equal(t, int64(18874368)*1024*1024, parseCapacityMiB(out, sgReadAttrMaxRe))

	out = "Main partition maximum capacity (in MiB): 114800"
	assert.Equal(t, int64(114800)*1024*1024, parseCapacityMiB(out, sgLogsMaxRe))

	assert.Equal(t, int64(-1), parseCapacityMiB("nothing useful", sgLogsMaxRe))
}

func TestApplyLto9Correction(t *testing.T) {
	// 120 GB is inside the misreport window and gets scaled by 161.
	reported := int64(120) << 30
	assert.Equal(t, reported*161, applyLto9Correction(reported))

	// 18 TB is already sane and stays untouched.
	sane := int64(18) << 40
	assert.Equal(t, sane, applyLto9Correction(sane))

	// 1 GB is below the window: a genuinely small figure is trusted.
	small := int64(1) << 30
	assert.Equal(t, small, applyLto9Correction(small))
}

func TestIsTapeNode(t *testing.T) {
	assert.True(t, isTapeNode("/dev/nst0"))
	assert.True(t, isTapeNode("/dev/sg4"))
	assert.True(t, isTapeNode("/dev/st1"))
	assert.False(t, isTapeNode("/dev/sda"))
	assert.False(t, isTapeNode("/dev/null"))
}

func TestDisplayName(t *testing.T) {
	d := TapeDevice{Path: "/dev/nst0", Label: "HP Ultrium 2-SCSI"}
	assert.Equal(t, "/dev/nst0 — HP Ultrium 2-SCSI", d.DisplayName())
	assert.Equal(t, "/dev/nst1", TapeDevice{Path: "/dev/nst1"}.DisplayName())
}
