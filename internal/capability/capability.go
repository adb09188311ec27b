// Package capability decodes OpAMP capability bit-fields into named sets and
// implements the supervisor-mode inference fallback (spec §4.4). Resolution
// is a pure function: no registry or session state is consulted, which is
// what lets tests assert it in isolation (spec §8 property 3).
package capability

// Agent capability bit positions.
const (
	ReportsStatus uint64 = 1 << iota
	AcceptsRemoteConfig
	ReportsEffectiveConfig
	AcceptsPackages
	ReportsPackageStatuses
	ReportsOwnTraces
	ReportsOwnMetrics
	ReportsOwnLogs
	AcceptsOpAMPConnectionSettings
	AcceptsOtherConnectionSettings
	AcceptsRestartCommand
	ReportsHealth
	ReportsRemoteConfig
	ReportsHeartbeat
	ReportsAvailableComponents
	ReportsConnectionSettingsStatus
)

// names maps each bit to its spec name, in bit order, for String/Names.
var names = []struct {
	bit  uint64
	name string
}{
	{ReportsStatus, "ReportsStatus"},
	{AcceptsRemoteConfig, "AcceptsRemoteConfig"},
	{ReportsEffectiveConfig, "ReportsEffectiveConfig"},
	{AcceptsPackages, "AcceptsPackages"},
	{ReportsPackageStatuses, "ReportsPackageStatuses"},
	{ReportsOwnTraces, "ReportsOwnTraces"},
	{ReportsOwnMetrics, "ReportsOwnMetrics"},
	{ReportsOwnLogs, "ReportsOwnLogs"},
	{AcceptsOpAMPConnectionSettings, "AcceptsOpAMPConnectionSettings"},
	{AcceptsOtherConnectionSettings, "AcceptsOtherConnectionSettings"},
	{AcceptsRestartCommand, "AcceptsRestartCommand"},
	{ReportsHealth, "ReportsHealth"},
	{ReportsRemoteConfig, "ReportsRemoteConfig"},
	{ReportsHeartbeat, "ReportsHeartbeat"},
	{ReportsAvailableComponents, "ReportsAvailableComponents"},
	{ReportsConnectionSettingsStatus, "ReportsConnectionSettingsStatus"},
}

// SupervisorDefaultCapabilities is the fixed bit-field FlowGate infers for a
// supervisor-mode agent that reports zero capabilities: bits 0-2 and 5-8,
// 10-14 (ReportsStatus, AcceptsRemoteConfig, ReportsEffectiveConfig,
// ReportsOwnTraces, ReportsOwnMetrics, ReportsOwnLogs,
// AcceptsOpAMPConnectionSettings, AcceptsRestartCommand, ReportsHealth,
// ReportsRemoteConfig, ReportsHeartbeat, ReportsAvailableComponents). Equals
// the spec's documented
// constant 0x7DE7.
const SupervisorDefaultCapabilities uint64 = 0x7DE7

// ManagementMode mirrors the Agent.management_mode enum from the data model.
type ManagementMode string

const (
	ModeSupervisor ManagementMode = "supervisor"
	ModeExtension  ManagementMode = "extension"
)

// Resolve applies the spec §4.4/§4.3 inference rule: a supervisor-mode agent
// reporting zero capabilities gets SupervisorDefaultCapabilities; any other
// reported value (including zero from an extension-mode agent) passes
// through unchanged. Pure function, safe to call without any other FlowGate
// state — see spec §8 property 3.
func Resolve(mode ManagementMode, reported uint64) uint64 {
	if mode == ModeSupervisor && reported == 0 {
		return SupervisorDefaultCapabilities
	}
	return reported
}

// Set is a decoded, named view over a capability bit-field.
type Set struct {
	bits uint64
}

// Decode wraps a raw bit-field for named lookups.
func Decode(bits uint64) Set {
	return Set{bits: bits}
}

// Has reports whether the given single-bit capability constant is set.
func (s Set) Has(bit uint64) bool {
	return s.bits&bit != 0
}

// Bits returns the raw, still-opaque bit-field (spec §4.1: "capability
// bit-fields are preserved as opaque 64-bit integers").
func (s Set) Bits() uint64 {
	return s.bits
}

// Names returns the sorted (by bit position) list of named capabilities set
// in s, for display in the Control API's AgentView.
func (s Set) Names() []string {
	var out []string
	for _, n := range names {
		if s.bits&n.bit != 0 {
			out = append(out, n.name)
		}
	}
	return out
}

// ServerCapability bit positions, a disjoint namespace from agent
// capabilities (spec §4.4: "Server capabilities are a static constant set").
const (
	AcceptsStatus uint64 = 1 << iota
	OffersRemoteConfig
	AcceptsEffectiveConfig
	OffersPackages
	AcceptsPackagesStatus
	OffersConnectionSettings
	AcceptsConnectionSettingsRequest
)

// ServerCapabilities is the fixed set FlowGate advertises on every session,
// computed once at startup (spec §4.4).
const ServerCapabilities = AcceptsStatus | OffersRemoteConfig | AcceptsEffectiveConfig |
	OffersPackages | AcceptsPackagesStatus | OffersConnectionSettings | AcceptsConnectionSettingsRequest
