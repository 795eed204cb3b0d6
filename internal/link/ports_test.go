package link

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial/enumerator"
)

func TestDescribeSortsAndSkipsEmpty(t *testing.T) {
	got := describe([]*enumerator.PortDetails{
		{Name: "/dev/ttyUSB0", IsUSB: true, VID: "2341", PID: "0043", SerialNumber: "A1", Product: "Uno"},
		nil,
		{Name: ""},
		{Name: "/dev/ttyACM0"},
	})

	want := []PortDescriptor{
		{Name: "/dev/ttyACM0"},
		{Name: "/dev/ttyUSB0", IsUSB: true, VID: "2341", PID: "0043", SerialNumber: "A1", Product: "Uno"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("describe mismatch (-want +got):\n%s", diff)
	}
}

func TestWithDemo(t *testing.T) {
	list := WithDemo(func() ([]PortDescriptor, error) {
		return []PortDescriptor{{Name: "COM3"}}, nil
	})
	ports, err := list()
	require.NoError(t, err)
	require.Len(t, ports, 2)
	assert.Equal(t, "COM3", ports[0].Name)
	assert.Equal(t, DemoPortName, ports[1].Name)

	failing := WithDemo(func() ([]PortDescriptor, error) { return nil, errors.New("no sysfs") })
	_, err = failing()
	assert.Error(t, err)
}
