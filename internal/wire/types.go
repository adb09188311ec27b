// Package wire is the single source of truth for FlowGate's binary OpAMP-style
// wire protocol: the structured records exchanged between agent and server,
// and their encoding to/from length-prefixed binary frames.
//
// Decoding accepts any prefix of known fields and ignores unknown ones
// (forward compatibility); it never produces a partial record. Encoding is
// deterministic: the same record value always produces the same bytes, which
// is what makes round-trip and golden-byte tests stable.
package wire

// InstanceUIDSize is the fixed length of an agent's opaque instance
// identifier. Shorter values are rejected by Decode.
const InstanceUIDSize = 16

// InstanceUID is a 16-byte opaque identifier an agent chooses and keeps for
// the life of its installation.
type InstanceUID [InstanceUIDSize]byte

// RemoteConfigStatusEnum is the agent-reported application state of the most
// recently offered remote configuration.
type RemoteConfigStatusEnum byte

const (
	RemoteConfigStatusUnset RemoteConfigStatusEnum = iota
	RemoteConfigStatusApplying
	RemoteConfigStatusApplied
	RemoteConfigStatusFailed
)

// ErrorResponseType enumerates the wire error_response variants from spec §6.
type ErrorResponseType byte

const (
	ErrorResponseUnknown ErrorResponseType = iota
	ErrorResponseBadRequest
	ErrorResponseUnavailable
	ErrorResponseInternalError
)

// CommandType enumerates the commands a server may push to an agent.
type CommandType byte

const (
	CommandNone CommandType = iota
	CommandRestart
)

// PackageStatusEnum mirrors an agent's package-application lifecycle, parallel
// to RemoteConfigStatusEnum but for the (optional) package-delivery facility.
type PackageStatusEnum byte

const (
	PackageStatusUnset PackageStatusEnum = iota
	PackageStatusInstalling
	PackageStatusInstalled
	PackageStatusFailed
)

// AgentDescription carries identity attributes the agent self-reports.
// Both maps are forward-compatible: unknown keys just pass through.
type AgentDescription struct {
	IdentifyingAttributes    map[string]string
	NonIdentifyingAttributes map[string]string
}

// EffectiveConfig is the configuration currently in force on the agent, as a
// named-file map plus its overall content hash.
type EffectiveConfig struct {
	ConfigMap map[string][]byte
	Hash      []byte
}

// RemoteConfigStatusReport is what the agent reports about the remote config
// it was last offered.
type RemoteConfigStatusReport struct {
	Status               RemoteConfigStatusEnum
	LastRemoteConfigHash []byte
	ErrorMessage         string
}

// HealthReport is the agent's self-reported health.
type HealthReport struct {
	Healthy         bool
	StartTimeNanos  uint64
	LastError       string
}

// AvailableComponents describes the receiver/processor/exporter component
// types an agent's collector binary supports, per component kind, with a
// hash over the full descriptor so the server can detect drift.
type AvailableComponents struct {
	Hash       []byte
	Components map[string]string // component type -> version or build id
}

// PackageStatus reports the state of a single named package delivered to the
// agent via the (optional) package-delivery facility.
type PackageStatus struct {
	Name    string
	Version string
	Hash    []byte
	Status  PackageStatusEnum
	Error   string
}

// AgentToServer is every field an agent may report in one message. All
// pointer/slice fields are optional except InstanceUID and SequenceNum.
type AgentToServer struct {
	InstanceUID         InstanceUID
	SequenceNum         uint64
	Capabilities        uint64
	AgentDescription    *AgentDescription
	EffectiveConfig     *EffectiveConfig
	RemoteConfigStatus  *RemoteConfigStatusReport
	Health              *HealthReport
	AvailableComponents *AvailableComponents
	PackageStatuses     []PackageStatus
}

// RemoteConfig is the configuration the server is offering an agent.
type RemoteConfig struct {
	ConfigMap map[string][]byte
	Hash      []byte
}

// ErrorResponse is the server's typed error signal to an agent.
type ErrorResponse struct {
	Type           ErrorResponseType
	Message        string
	RetryAfterNanos uint64
}

// ServerFlags are single-bit signals piggybacked on a ServerToAgent message.
type ServerFlags uint64

const (
	// FlagReportFullState asks the agent to report its full effective
	// configuration on its next message (used by ConfigRequestTicket).
	FlagReportFullState ServerFlags = 1 << iota
	// FlagMoreAvailable tells a polling agent more outbound messages are
	// queued and it should poll again promptly.
	FlagMoreAvailable
)

// Command is a server-pushed instruction such as a restart.
type Command struct {
	Type CommandType
}

// ServerToAgent is every field a server may push in one message.
type ServerToAgent struct {
	InstanceUID   InstanceUID
	Capabilities  uint64
	RemoteConfig  *RemoteConfig
	ErrorResponse *ErrorResponse
	Command       *Command
	Flags         ServerFlags
}
