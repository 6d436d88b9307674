package health

import (
	"fmt"
	"net"

	"github.com/ferrohq/ferro/pkg/ferroerr"
	"github.com/ferrohq/ferro/pkg/types"
)

// ForNode builds the right checker for a node's BMC from its driver
// info: a Redfish endpoint gets an HTTP probe of the service root, an
// IPMI address gets a TCP probe of the RMCP port.
func ForNode(node *types.Node) (Checker, error) {
	if addr, ok := infoString(node, "redfish_address"); ok {
		return NewHTTPChecker(addr + "/redfish/v1/"), nil
	}
	if addr, ok := infoString(node, "ipmi_address"); ok {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			addr = net.JoinHostPort(addr, "623")
		}
		return NewTCPChecker(addr), nil
	}
	return nil, ferroerr.Invalidf("node %s has no BMC address to health check", node.UUID)
}

// Describe renders a one-line summary for status endpoints.
func Describe(status *Status) string {
	if status.Healthy {
		return fmt.Sprintf("reachable (last check %s)", status.LastCheck.Format("15:04:05"))
	}
	return fmt.Sprintf("unreachable after %d consecutive failures: %s",
		status.ConsecutiveFailures, status.LastResult.Message)
}

func infoString(node *types.Node, key string) (string, bool) {
	v, ok := node.DriverInternalInfo[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}
