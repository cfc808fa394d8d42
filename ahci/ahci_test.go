package ahci

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aaaos/core/config"
	"github.com/aaaos/core/kerr"
)

func newTestController(t *testing.T, sectors int) (*Controller, *Port) {
	t.Helper()
	media := make([]byte, sectors*sectorSize)
	c, err := New(config.DefaultAHCI(), 1, map[int][]byte{0: media})
	require.NoError(t, err)
	p, err := c.Port(0)
	require.NoError(t, err)
	return c, p
}

func TestBringUpProducesReadyPort(t *testing.T) {
	_, p := newTestController(t, 64)
	require.True(t, p.ready)
	require.True(t, p.present)
	require.Equal(t, DevSATA, p.devType)
	for i := range p.commandTables {
		require.NotNil(t, p.commandTables[i])
	}
}

func TestReadWriteRoundTrip(t *testing.T) {
	_, p := newTestController(t, 64)

	want := make([]byte, sectorSize*3)
	for i := range want {
		want[i] = byte(i)
	}
	require.NoError(t, p.WriteSectors(10, 3, want))

	got := make([]byte, sectorSize*3)
	require.NoError(t, p.ReadSectors(10, 3, got))
	require.Equal(t, want, got)
}

func TestIdentifySectorCountWithinCapacity(t *testing.T) {
	_, p := newTestController(t, 64)
	_, _, sectors, err := p.Identify()
	require.NoError(t, err)
	require.LessOrEqual(t, sectors*sectorSize, uint64(64*sectorSize))
}

func TestZeroAndOversizeCountRejected(t *testing.T) {
	_, p := newTestController(t, 64)
	buf := make([]byte, sectorSize)

	err := p.ReadSectors(0, 0, buf)
	require.ErrorIs(t, err, kerr.ErrInvalidArg)

	bigBuf := make([]byte, sectorSize)
	err = p.ReadSectors(0, 65536, bigBuf)
	require.ErrorIs(t, err, kerr.ErrInvalidArg)
}

func TestZeroLengthBufferRejected(t *testing.T) {
	_, p := newTestController(t, 64)
	err := p.ReadSectors(0, 1, nil)
	require.ErrorIs(t, err, kerr.ErrInvalidArg)
}

func TestWriteToNonSATARejected(t *testing.T) {
	_, p := newTestController(t, 64)
	p.mu.Lock()
	p.devType = DevSATAPI
	p.mu.Unlock()

	err := p.WriteSectors(0, 1, make([]byte, sectorSize))
	require.ErrorIs(t, err, kerr.ErrUnsupported)
}

func TestSlotExhaustionReturnsErrSlotsFull(t *testing.T) {
	_, p := newTestController(t, 64)
	p.mu.Lock()
	p.ci = 0xFFFFFFFF
	p.mu.Unlock()

	err := p.ReadSectors(0, 1, make([]byte, sectorSize))
	require.ErrorIs(t, err, kerr.ErrSlotsFull)
}

func TestReadPastCapacitySetsTaskFileError(t *testing.T) {
	_, p := newTestController(t, 4)
	err := p.ReadSectors(100, 1, make([]byte, sectorSize))
	require.ErrorIs(t, err, kerr.ErrTaskFile)
}

func TestAbsentPortReturnsNoDevice(t *testing.T) {
	cfg := config.DefaultAHCI()
	c, err := New(cfg, 1, nil)
	require.NoError(t, err)
	p, err := c.Port(0)
	require.NoError(t, err)
	require.False(t, p.present)

	err = p.ReadSectors(0, 1, make([]byte, sectorSize))
	require.ErrorIs(t, err, kerr.ErrNoDevice)
}

func TestInvalidPortIndexRejected(t *testing.T) {
	c, err := New(config.DefaultAHCI(), 1, nil)
	require.NoError(t, err)
	_, err = c.Port(5)
	require.ErrorIs(t, err, kerr.ErrInvalidPort)
	_, err = c.Port(40)
	require.ErrorIs(t, err, kerr.ErrInvalidPort)
}

func TestHBABringUpResetsBeforePortInit(t *testing.T) {
	c, err := New(config.DefaultAHCI(), 0, nil)
	require.NoError(t, err)
	require.Equal(t, uint32(0), c.ghc&ghcHR)
}

func TestHBAResetTimeoutReturnsPortHung(t *testing.T) {
	cfg := config.DefaultAHCI()
	cfg.ResetSpins = 10
	c := &Controller{cfg: cfg, failReset: true}
	err := c.resetLocked()
	require.ErrorIs(t, err, kerr.ErrPortHung)
}
