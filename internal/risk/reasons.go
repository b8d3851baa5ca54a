package risk

import "fmt"

// Reason identifies a single scoring rule that fired during an assessment.
// The set is closed: only the codes declared below are valid.
type Reason string

const (
	ReasonVPNDetected        Reason = "vpn_detected"
	ReasonProxyDetected      Reason = "proxy_detected"
	ReasonTorDetected        Reason = "tor_detected"
	ReasonNewCountry         Reason = "new_country"
	ReasonNewRegion          Reason = "new_region"
	ReasonImpossibleTravel   Reason = "impossible_travel"
	ReasonHighRiskCountry    Reason = "high_risk_country"
	ReasonNewDevice          Reason = "new_device"
	ReasonRepeatedFailures   Reason = "repeated_failures"
	ReasonConcurrentSessions Reason = "concurrent_sessions"
	// ReasonThreatEscalated marks an IP a principal has already denied a
	// login from. It weighs nothing unless configured.
	ReasonThreatEscalated Reason = "threat_escalated"
)

type reasonInfo struct {
	points      int
	description string
}

var reasonCatalog = map[Reason]reasonInfo{
	ReasonVPNDetected:        {30, "Login from a VPN network"},
	ReasonProxyDetected:      {25, "Login through a proxy"},
	ReasonTorDetected:        {50, "Login from the Tor network"},
	ReasonNewCountry:         {40, "Login from a country not seen before"},
	ReasonNewRegion:          {20, "Login from a region not seen before"},
	ReasonImpossibleTravel:   {35, "Travel from the previous login location is physically impossible"},
	ReasonHighRiskCountry:    {25, "Login from a high-risk country"},
	ReasonNewDevice:          {30, "Login from an unrecognized device"},
	ReasonRepeatedFailures:   {15, "Multiple failed login attempts recently"},
	ReasonConcurrentSessions: {20, "Logins from several IP addresses within a short period"},
	ReasonThreatEscalated:    {0, "Login from an address a previous login was rejected from"},
}

// reasonOrder is the evaluation order, used when listing the catalog.
var reasonOrder = []Reason{
	ReasonVPNDetected,
	ReasonProxyDetected,
	ReasonTorDetected,
	ReasonNewCountry,
	ReasonNewRegion,
	ReasonImpossibleTravel,
	ReasonHighRiskCountry,
	ReasonNewDevice,
	ReasonRepeatedFailures,
	ReasonConcurrentSessions,
	ReasonThreatEscalated,
}

// AllReasons returns every reason code in evaluation order.
func AllReasons() []Reason {
	out := make([]Reason, len(reasonOrder))
	copy(out, reasonOrder)
	return out
}

// Valid reports whether r is a known reason code.
func (r Reason) Valid() bool {
	_, ok := reasonCatalog[r]
	return ok
}

// DefaultPoints returns the built-in weight of the reason.
func (r Reason) DefaultPoints() int {
	return reasonCatalog[r].points
}

// Describe returns the human-readable explanation shown to end users.
func (r Reason) Describe() string {
	if info, ok := reasonCatalog[r]; ok {
		return info.description
	}
	return string(r)
}

// ParseReason converts a stored code back into a Reason.
func ParseReason(s string) (Reason, error) {
	r := Reason(s)
	if !r.Valid() {
		return "", fmt.Errorf("unknown reason code %q", s)
	}
	return r, nil
}

// DescribeReasons maps codes to their descriptions, preserving order.
func DescribeReasons(reasons []Reason) []string {
	out := make([]string, 0, len(reasons))
	for _, r := range reasons {
		out = append(out, r.Describe())
	}
	return out
}
