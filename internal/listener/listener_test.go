package listener

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/srg/serialmgr/internal/driver"
	"github.com/srg/serialmgr/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, WriterOptions{NoColor: true})

	require.NoError(t, w.OnStatusChanged(driver.EventEngineOn))
	require.NoError(t, w.OnMessageReceived([]byte("temp=21.5")))
	require.NoError(t, w.OnStatusChanged(driver.EventEngineOff))

	testutils.NewTextAsserter(t).Assert(buf.String(), `[status] ENGINE_ON
[message] temp=21.5
[status] ENGINE_OFF
`)
}

func TestWriter_HexAndTimestamps(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, WriterOptions{Hex: true, Timestamps: true, NoColor: true})
	w.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }

	require.NoError(t, w.OnMessageReceived([]byte{0x01, 0xff}))
	assert.Equal(t, "2024-05-01T12:00:00Z [message] 01ff\n", buf.String())
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestWriter_WriteErrorRemovesListener(t *testing.T) {
	w := NewWriter(failingWriter{}, WriterOptions{NoColor: true})
	assert.ErrorContains(t, w.OnStatusChanged(driver.EventEngineOn), "broken pipe")
}

func TestFunc(t *testing.T) {
	var got []string
	f := Func{Message: func(p []byte) error { got = append(got, string(p)); return nil }}

	require.NoError(t, f.OnStatusChanged(driver.EventEngineOn), "nil hook MUST be a no-op")
	require.NoError(t, f.OnMessageReceived([]byte("a")))
	assert.Equal(t, []string{"a"}, got)

	assert.NoError(t, Func{}.OnMessageReceived(nil))
}

func TestCollector(t *testing.T) {
	c, err := NewCollector(4)
	require.NoError(t, err)

	require.NoError(t, c.OnStatusChanged(driver.EventEngineOn))
	require.NoError(t, c.OnMessageReceived([]byte("a")))
	require.NoError(t, c.OnMessageReceived([]byte("b")))

	recs := c.Drain()
	require.Len(t, recs, 3)
	assert.Equal(t, driver.EventEngineOn, recs[0].Kind)
	assert.Nil(t, recs[0].Payload)
	assert.Equal(t, "a", string(recs[1].Payload))
	assert.Equal(t, "b", string(recs[2].Payload))
	assert.Empty(t, c.Drain())
	assert.Equal(t, int64(3), c.Metrics().Recorded)
}

func TestCollector_OverwritesOldest(t *testing.T) {
	c, err := NewCollector(4)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, c.OnMessageReceived([]byte{byte('0' + i)}))
	}

	recs := c.Drain()
	require.NotEmpty(t, recs)
	assert.Equal(t, "9", string(recs[len(recs)-1].Payload), "newest record MUST survive")
	assert.Positive(t, c.Metrics().Overwritten)
	assert.Equal(t, int64(10), c.Metrics().Recorded)
}

func TestCollector_InvalidSize(t *testing.T) {
	_, err := NewCollector(0)
	assert.Error(t, err)
	_, err = NewCollector(MaxCollectorSize + 1)
	assert.Error(t, err)
}

func TestLua(t *testing.T) {
	var out bytes.Buffer
	l, err := NewLua(`
count = 0
function on_status(code, name)
  print("status", code, name)
end
function on_message(payload)
  count = count + 1
  print("message", count, payload)
end
`, &out)
	require.NoError(t, err)
	t.Cleanup(l.Close)

	require.NoError(t, l.OnStatusChanged(driver.EventEngineOn))
	require.NoError(t, l.OnMessageReceived([]byte("x")))
	require.NoError(t, l.OnMessageReceived([]byte("y")))

	testutils.NewTextAsserter(t).Assert(out.String(), "status\t1\tENGINE_ON\nmessage\t1\tx\nmessage\t2\ty\n")
}

func TestLua_OnlyOneHook(t *testing.T) {
	var out bytes.Buffer
	l, err := NewLua(`function on_message(p) print(#p) end`, &out)
	require.NoError(t, err)
	t.Cleanup(l.Close)

	require.NoError(t, l.OnStatusChanged(driver.EventEngineOff), "missing hook MUST be ignored")
	require.NoError(t, l.OnMessageReceived([]byte("abc")))
	assert.Equal(t, "3\n", out.String())
}

func TestLua_Errors(t *testing.T) {
	_, err := NewLua(`this is not lua`, nil)
	assert.ErrorContains(t, err, "load script")

	_, err = NewLua(`x = 1`, nil)
	assert.ErrorIs(t, err, ErrNoHooks)

	l, err := NewLua(`function on_message(p) error("bad payload " .. p) end`, nil)
	require.NoError(t, err)
	err = l.OnMessageReceived([]byte("z"))
	assert.ErrorContains(t, err, "on_message")

	l.Close()
	assert.Error(t, l.OnMessageReceived([]byte("z")), "closed listener MUST fail")
}
