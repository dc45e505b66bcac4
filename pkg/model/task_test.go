package model

import (
	"testing"

	"gotest.tools/v3/assert"
)

func TestTaskIDRoundTrip(t *testing.T) {
	hosts := []string{"node1", "node-1.example.com", "data-7", "metadata-host", "a"}
	for _, kind := range AllKinds {
		for _, host := range hosts {
			id := FormatTaskID(kind, host)
			parsed, ok := ParseTaskID(id)
			assert.Assert(t, ok, id)
			assert.Equal(t, parsed.Kind, kind, id)
			assert.Equal(t, parsed.Hostname, host, id)
			assert.Equal(t, parsed.String(), id)
		}
	}
}

func TestParseTaskIDUnknownRole(t *testing.T) {
	parsed, ok := ParseTaskID("frobnicator-node1")
	assert.Assert(t, ok)
	assert.Equal(t, parsed.Kind, KindUnknown)
	assert.Equal(t, parsed.Role, "frobnicator")
	assert.Equal(t, parsed.Hostname, "node1")
}

func TestParseTaskIDUnparseable(t *testing.T) {
	for _, id := range []string{"", "nohyphen", "registry-", "-node1"} {
		_, ok := ParseTaskID(id)
		assert.Assert(t, !ok, id)
	}
}

func TestTaskStateIsTerminal(t *testing.T) {
	assert.Assert(t, !TaskStaging.IsTerminal())
	assert.Assert(t, !TaskStarting.IsTerminal())
	assert.Assert(t, !TaskRunning.IsTerminal())
	for _, s := range []TaskState{TaskFinished, TaskFailed, TaskKilled, TaskLost, TaskError} {
		assert.Assert(t, s.IsTerminal(), s)
	}
}

func TestKindLookup(t *testing.T) {
	assert.Equal(t, ParseKind("registry"), KindRegistry)
	assert.Equal(t, ParseKind("device-prober"), KindProber)
	assert.Equal(t, ParseKind("nope"), KindUnknown)
	assert.Assert(t, KindAPI.IsSingleton())
	assert.Assert(t, !KindData.IsSingleton())

	dt, ok := KindMetadata.DeviceType()
	assert.Assert(t, ok)
	assert.Equal(t, dt, DeviceMetadata)
	_, ok = KindClient.DeviceType()
	assert.Assert(t, !ok)
}
