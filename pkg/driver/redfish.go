package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/ferrohq/ferro/pkg/ferroerr"
	"github.com/ferrohq/ferro/pkg/types"
)

// Driver info keys the redfish bundle reads from the node record.
const (
	redfishAddressKey  = "redfish_address"
	redfishSystemIDKey = "redfish_system_id"
	redfishUsernameKey = "redfish_username"
	redfishPasswordKey = "redfish_password"
)

// redfishClient wraps the retrying HTTP client shared by every facet of
// one redfish bundle.
type redfishClient struct {
	http *retryablehttp.Client
}

func newRedfishClient() *redfishClient {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.Logger = nil
	return &redfishClient{http: client}
}

func redfishInfo(node *types.Node, key string) (string, bool) {
	v, ok := node.DriverInternalInfo[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}

func (c *redfishClient) systemURL(node *types.Node) (string, error) {
	addr, ok := redfishInfo(node, redfishAddressKey)
	if !ok {
		return "", ferroerr.Invalidf("node %s is missing required driver info %q", node.UUID, redfishAddressKey)
	}
	system, ok := redfishInfo(node, redfishSystemIDKey)
	if !ok {
		system = "/redfish/v1/Systems/1"
	}
	return addr + system, nil
}

func (c *redfishClient) get(ctx context.Context, node *types.Node, url string, out interface{}) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if user, ok := redfishInfo(node, redfishUsernameKey); ok {
		pass, _ := redfishInfo(node, redfishPasswordKey)
		req.SetBasicAuth(user, pass)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("redfish request to %s failed: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("redfish request to %s returned status %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *redfishClient) post(ctx context.Context, node *types.Node, url string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if user, ok := redfishInfo(node, redfishUsernameKey); ok {
		pass, _ := redfishInfo(node, redfishPasswordKey)
		req.SetBasicAuth(user, pass)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("redfish request to %s failed: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("redfish request to %s returned status %d", url, resp.StatusCode)
	}
	return nil
}

type redfishSystem struct {
	PowerState   string `json:"PowerState"`
	Manufacturer string `json:"Manufacturer"`
	Boot         struct {
		BootSourceOverrideMode string `json:"BootSourceOverrideMode"`
	} `json:"Boot"`
	SecureBoot struct {
		SecureBootEnable bool `json:"SecureBootEnable"`
	} `json:"SecureBoot"`
}

// redfishPower drives power through the ComputerSystem.Reset action.
type redfishPower struct {
	client *redfishClient
}

func (p *redfishPower) Name() string { return "power" }

func (p *redfishPower) Validate(ctx context.Context, node *types.Node) error {
	_, err := p.client.systemURL(node)
	return err
}

func (p *redfishPower) Steps(phase types.Phase) []types.Step {
	if phase != types.PhaseClean {
		return nil
	}
	return []types.Step{
		// Manual-only unless a template or user request raises it.
		{Interface: "power", Step: "power_cycle", Priority: 0, Abortable: true},
	}
}

func (p *redfishPower) ExecuteStep(ctx context.Context, node *types.Node, step types.Step) (StepResult, error) {
	switch step.Step {
	case "power_cycle":
		if err := p.SetPowerState(ctx, node, types.PowerOff); err != nil {
			return StepDone, err
		}
		return StepDone, p.SetPowerState(ctx, node, types.PowerOn)
	}
	return StepDone, fmt.Errorf("unknown power step %q", step.Step)
}

func (p *redfishPower) PowerState(ctx context.Context, node *types.Node) (types.PowerState, error) {
	url, err := p.client.systemURL(node)
	if err != nil {
		return types.PowerUnknown, err
	}
	var system redfishSystem
	if err := p.client.get(ctx, node, url, &system); err != nil {
		return types.PowerUnknown, err
	}
	switch system.PowerState {
	case "On":
		return types.PowerOn, nil
	case "Off":
		return types.PowerOff, nil
	default:
		return types.PowerUnknown, nil
	}
}

func (p *redfishPower) SetPowerState(ctx context.Context, node *types.Node, target types.PowerState) error {
	var resetType string
	switch target {
	case types.PowerOn:
		resetType = "On"
	case types.PowerOff:
		resetType = "ForceOff"
	default:
		return fmt.Errorf("unsupported power target %q", target)
	}
	url, err := p.client.systemURL(node)
	if err != nil {
		return err
	}
	return p.client.post(ctx, node, url+"/Actions/ComputerSystem.Reset",
		map[string]string{"ResetType": resetType})
}

// redfishManagement reads identity and boot configuration.
type redfishManagement struct {
	client *redfishClient
}

func (m *redfishManagement) Name() string { return "management" }

func (m *redfishManagement) Validate(ctx context.Context, node *types.Node) error {
	_, err := m.client.systemURL(node)
	return err
}

func (m *redfishManagement) Steps(phase types.Phase) []types.Step { return nil }

func (m *redfishManagement) ExecuteStep(ctx context.Context, node *types.Node, step types.Step) (StepResult, error) {
	return StepDone, fmt.Errorf("unknown management step %q", step.Step)
}

func (m *redfishManagement) BootInfo(ctx context.Context, node *types.Node) (BootInfo, error) {
	url, err := m.client.systemURL(node)
	if err != nil {
		return BootInfo{}, err
	}
	var system redfishSystem
	if err := m.client.get(ctx, node, url, &system); err != nil {
		return BootInfo{}, err
	}
	mode := "bios"
	if system.Boot.BootSourceOverrideMode == "UEFI" {
		mode = "uefi"
	}
	return BootInfo{BootMode: mode, SecureBoot: system.SecureBoot.SecureBootEnable}, nil
}

func (m *redfishManagement) VendorName(ctx context.Context, node *types.Node) (string, error) {
	url, err := m.client.systemURL(node)
	if err != nil {
		return "", err
	}
	var system redfishSystem
	if err := m.client.get(ctx, node, url, &system); err != nil {
		return "", err
	}
	return system.Manufacturer, nil
}

// redfishBIOS reads firmware attributes.
type redfishBIOS struct {
	client *redfishClient
}

func (b *redfishBIOS) Name() string { return "bios" }

func (b *redfishBIOS) Validate(ctx context.Context, node *types.Node) error {
	_, err := b.client.systemURL(node)
	return err
}

func (b *redfishBIOS) Steps(phase types.Phase) []types.Step {
	if phase != types.PhaseClean {
		return nil
	}
	return []types.Step{
		{Interface: "bios", Step: "factory_reset", Priority: 0},
	}
}

func (b *redfishBIOS) ExecuteStep(ctx context.Context, node *types.Node, step types.Step) (StepResult, error) {
	switch step.Step {
	case "factory_reset":
		url, err := b.client.systemURL(node)
		if err != nil {
			return StepDone, err
		}
		err = b.client.post(ctx, node, url+"/Bios/Actions/Bios.ResetBios", map[string]string{})
		// The BMC applies the reset on next boot; poll for completion.
		return StepAsync, err
	}
	return StepDone, fmt.Errorf("unknown bios step %q", step.Step)
}

func (b *redfishBIOS) Settings(ctx context.Context, node *types.Node) (map[string]string, error) {
	url, err := b.client.systemURL(node)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Attributes map[string]interface{} `json:"Attributes"`
	}
	if err := b.client.get(ctx, node, url+"/Bios", &payload); err != nil {
		return nil, err
	}
	settings := make(map[string]string, len(payload.Attributes))
	for k, v := range payload.Attributes {
		settings[k] = fmt.Sprintf("%v", v)
	}
	return settings, nil
}

// NewRedfishBundle builds the redfish bundle; every facet shares one
// retrying HTTP client.
func NewRedfishBundle() *Bundle {
	client := newRedfishClient()
	return &Bundle{
		HardwareType: "redfish",
		Power:        &redfishPower{client: client},
		Management:   &redfishManagement{client: client},
		BIOS:         &redfishBIOS{client: client},
	}
}

// RegisterRedfish wires the redfish hardware type into a registry.
func RegisterRedfish(registry *Registry) {
	registry.Register("redfish", func() (*Bundle, error) {
		return NewRedfishBundle(), nil
	})
}
