package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerialTransport_LinesDeliveredStrippedAndFiltered(t *testing.T) {
	port := NewFakePort()
	tr, err := Open(port.OpenFunc(), "/dev/fake", 115200, DefaultFraming(), 1, time.Millisecond)
	require.NoError(t, err)
	defer tr.Close()

	port.Feed("ok\r\n")
	port.Feed("\r\n") // blank line must be dropped
	port.Feed("<Idle|MPos:0.000,0.000,0.000>\r\n")

	got := []string{<-tr.Lines(), <-tr.Lines()}
	assert.Equal(t, []string{"ok", "<Idle|MPos:0.000,0.000,0.000>"}, got)
}

func TestSerialTransport_SendBytesWritesVerbatim(t *testing.T) {
	port := NewFakePort()
	tr, err := Open(port.OpenFunc(), "/dev/fake", 115200, DefaultFraming(), 1, time.Millisecond)
	require.NoError(t, err)
	defer tr.Close()

	require.NoError(t, tr.SendBytes(AppendTerminator("G0 X1", "\r\n")))
	assert.Equal(t, "G0X1\r\n", port.Written())
}

func TestSerialTransport_CloseEndsLinesWithoutError(t *testing.T) {
	port := NewFakePort()
	tr, err := Open(port.OpenFunc(), "/dev/fake", 115200, DefaultFraming(), 1, time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, tr.Close())

	_, ok := <-tr.Lines()
	assert.False(t, ok)
	assert.NoError(t, tr.ReadErr())
}

func TestAppendTerminator_StripsEmbeddedSpaces(t *testing.T) {
	assert.Equal(t, "G1X1Y2F100\n", string(AppendTerminator("  G1 X1 Y2 F100  ", "\n")))
}
