package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fixora/flagsync/domain/entity"
	"github.com/fixora/flagsync/pkg/flagsync"
)

func testSnapshot() flagsync.Snapshot {
	return flagsync.Snapshot{
		OrganizationID: "demo-org",
		Ready:          true,
		Flags: []flagsync.FlagView{
			{FeatureFlag: entity.FeatureFlag{Key: "admin_control_panel", Category: "System", IsEnabled: true, Version: 3}, State: flagsync.StateSynced},
			{FeatureFlag: entity.FeatureFlag{Key: "dark_mode_ui", Category: "UI", Version: 1}, State: flagsync.StatePendingLocal},
			{FeatureFlag: entity.FeatureFlag{Key: "legacy", IsEnabled: true}, State: flagsync.StateReconciling},
		},
	}
}

func TestRender_Text(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, render(&buf, testSnapshot(), false))

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "== demo-org  2/3 enabled  [live]\n"))
	assert.Less(t, strings.Index(out, "General"), strings.Index(out, "System"))
	assert.Less(t, strings.Index(out, "System"), strings.Index(out, "UI"))
	assert.Contains(t, out, "[ON ] admin_control_panel")
	assert.Contains(t, out, "pending")
}

func TestRender_JSON(t *testing.T) {
	snap := testSnapshot()
	snap.Degraded = true

	var buf bytes.Buffer
	require.NoError(t, render(&buf, snap, true))

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, true, decoded["degraded"])
	flags := decoded["flags"].([]interface{})
	assert.Equal(t, "synced", flags[0].(map[string]interface{})["state"])
}
