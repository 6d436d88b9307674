package driver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ferrohq/ferro/pkg/types"
)

func redfishTestNode(addr string) *types.Node {
	return &types.Node{
		UUID:         "n1",
		HardwareType: "redfish",
		DriverInternalInfo: map[string]interface{}{
			"redfish_address":   addr,
			"redfish_system_id": "/redfish/v1/Systems/1",
		},
	}
}

func TestRedfishPowerState(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/redfish/v1/Systems/1", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"PowerState":   "On",
			"Manufacturer": "Contoso",
		})
	}))
	defer server.Close()

	bundle := NewRedfishBundle()
	node := redfishTestNode(server.URL)

	state, err := bundle.Power.PowerState(context.Background(), node)
	require.NoError(t, err)
	assert.Equal(t, types.PowerOn, state)

	vendor, err := bundle.Management.VendorName(context.Background(), node)
	require.NoError(t, err)
	assert.Equal(t, "Contoso", vendor)
}

func TestRedfishSetPowerState(t *testing.T) {
	var gotReset string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			require.Equal(t, "/redfish/v1/Systems/1/Actions/ComputerSystem.Reset", r.URL.Path)
			var payload map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
			gotReset = payload["ResetType"]
			w.WriteHeader(http.StatusNoContent)
			return
		}
		http.NotFound(w, r)
	}))
	defer server.Close()

	bundle := NewRedfishBundle()
	node := redfishTestNode(server.URL)

	require.NoError(t, bundle.Power.SetPowerState(context.Background(), node, types.PowerOff))
	assert.Equal(t, "ForceOff", gotReset)
}

func TestRedfishValidateMissingAddress(t *testing.T) {
	bundle := NewRedfishBundle()
	node := &types.Node{UUID: "n1", DriverInternalInfo: map[string]interface{}{}}
	assert.Error(t, bundle.Power.Validate(context.Background(), node))
}

func TestRegistryLoad(t *testing.T) {
	registry := NewRegistry()
	RegisterFake(registry)
	RegisterRedfish(registry)

	bundle, err := registry.Load("fake-hardware")
	require.NoError(t, err)
	assert.Equal(t, "fake-hardware", bundle.HardwareType)
	assert.NotNil(t, bundle.InterfaceByName("power"))
	assert.Nil(t, bundle.InterfaceByName("raid"))

	_, err = registry.Load("ipmi")
	assert.Error(t, err)
}
