package audit

import (
	"time"
)

// EventType is the closed set of auditable platform operations. The prefix
// before the dot is the event's Category.
type EventType string

const (
	// Auth events
	EventAuthLogin          EventType = "auth.login"
	EventAuthLogout         EventType = "auth.logout"
	EventAuthRegister       EventType = "auth.register"
	EventAuthFailed         EventType = "auth.failed"
	EventAuthPasswordReset  EventType = "auth.password_reset"
	EventAuthWalletLinked   EventType = "auth.wallet_connected"
	EventAuthTokenRefreshed EventType = "auth.token_refreshed"

	// Content events
	EventNFTMint            EventType = "nft.mint"
	EventNFTTransfer        EventType = "nft.transfer"
	EventNFTBurn            EventType = "nft.burn"
	EventNFTListed          EventType = "nft.listed"
	EventNFTDelisted        EventType = "nft.delisted"
	EventNFTMetadataUpdated EventType = "nft.metadata_updated"

	// Trading events
	EventTradeOrderCreated   EventType = "trade.order_created"
	EventTradeOrderCancelled EventType = "trade.order_cancelled"
	EventTradeExecuted       EventType = "trade.executed"
	EventTradeSettled        EventType = "trade.settled"

	// Royalty events
	EventRoyaltyConfigured  EventType = "royalty.configured"
	EventRoyaltyDistributed EventType = "royalty.distributed"
	EventRoyaltyClaimed     EventType = "royalty.claimed"

	// Governance events
	EventGovernanceProposalCreated   EventType = "governance.proposal_created"
	EventGovernanceVoteCast          EventType = "governance.vote_cast"
	EventGovernanceProposalExecuted  EventType = "governance.proposal_executed"
	EventGovernanceProposalCancelled EventType = "governance.proposal_cancelled"

	// Admin events
	EventAdminUserBanned       EventType = "admin.user_banned"
	EventAdminUserUnbanned     EventType = "admin.user_unbanned"
	EventAdminRoleChanged      EventType = "admin.role_changed"
	EventAdminConfigChanged    EventType = "admin.config_changed"
	EventAdminContractUpgraded EventType = "admin.contract_upgraded"
	EventAdminContractPaused   EventType = "admin.contract_paused"

	// Security events
	EventSecurityUnauthorizedAccess EventType = "security.unauthorized_access"
	EventSecuritySuspiciousActivity EventType = "security.suspicious_activity"
	EventSecurityRateLimitExceeded  EventType = "security.rate_limit_exceeded"
	EventSecurityChainIntegrity     EventType = "security.chain_integrity_violation"

	// System events
	EventSystemStartup        EventType = "system.startup"
	EventSystemShutdown       EventType = "system.shutdown"
	EventSystemError          EventType = "system.error"
	EventSystemRetentionSweep EventType = "system.retention_sweep"
)

var knownEventTypes = map[EventType]struct{}{
	EventAuthLogin: {}, EventAuthLogout: {}, EventAuthRegister: {}, EventAuthFailed: {},
	EventAuthPasswordReset: {}, EventAuthWalletLinked: {}, EventAuthTokenRefreshed: {},

	EventNFTMint: {}, EventNFTTransfer: {}, EventNFTBurn: {}, EventNFTListed: {},
	EventNFTDelisted: {}, EventNFTMetadataUpdated: {},

	EventTradeOrderCreated: {}, EventTradeOrderCancelled: {}, EventTradeExecuted: {}, EventTradeSettled: {},

	EventRoyaltyConfigured: {}, EventRoyaltyDistributed: {}, EventRoyaltyClaimed: {},

	EventGovernanceProposalCreated: {}, EventGovernanceVoteCast: {},
	EventGovernanceProposalExecuted: {}, EventGovernanceProposalCancelled: {},

	EventAdminUserBanned: {}, EventAdminUserUnbanned: {}, EventAdminRoleChanged: {},
	EventAdminConfigChanged: {}, EventAdminContractUpgraded: {}, EventAdminContractPaused: {},

	EventSecurityUnauthorizedAccess: {}, EventSecuritySuspiciousActivity: {},
	EventSecurityRateLimitExceeded: {}, EventSecurityChainIntegrity: {},

	EventSystemStartup: {}, EventSystemShutdown: {}, EventSystemError: {}, EventSystemRetentionSweep: {},
}

// criticalEventTypes are alerted regardless of the severity the caller chose.
var criticalEventTypes = map[EventType]struct{}{
	EventSecurityUnauthorizedAccess: {},
	EventSecuritySuspiciousActivity: {},
	EventSecurityChainIntegrity:     {},
	EventAdminContractUpgraded:      {},
	EventAdminContractPaused:        {},
	EventAdminConfigChanged:         {},
	EventAdminUserBanned:            {},
}

// IsValid reports whether t belongs to the closed event type set.
func (t EventType) IsValid() bool {
	_, ok := knownEventTypes[t]
	return ok
}

// Category returns the prefix of the event type ("auth", "nft", ...).
func (t EventType) Category() string {
	for i := 0; i < len(t); i++ {
		if t[i] == '.' {
			return string(t[:i])
		}
	}
	return string(t)
}

// Severity levels, ordered from least to most urgent.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

func (s Severity) IsValid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// Status is the outcome of the audited operation.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusPending Status = "pending"
)

func (s Status) IsValid() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusPending:
		return true
	}
	return false
}

const (
	// DefaultRetentionDays applies when a draft does not set RetentionPeriod.
	DefaultRetentionDays = 90
	// DefaultClassification applies when a draft does not set DataClassification.
	DefaultClassification = "internal"
)

// Actor identifies who performed the operation.
type Actor struct {
	UserID        string `json:"userId,omitempty"`
	WalletAddress string `json:"walletAddress,omitempty"`
	IPAddress     string `json:"ipAddress"`
	UserAgent     string `json:"userAgent"`
}

// Resource identifies what the operation acted on.
type Resource struct {
	Type string `json:"resourceType,omitempty"`
	ID   string `json:"resourceId,omitempty"`
}

// ChainContext is on-chain transaction context passed through untouched.
type ChainContext struct {
	TransactionHash string  `json:"transactionHash,omitempty"`
	BlockNumber     *uint64 `json:"blockNumber,omitempty"`
	GasUsed         *uint64 `json:"gasUsed,omitempty"`
}

// Event is a finalized, hash-chained audit record. Once a sink acknowledges
// it, no field changes; corrections are new events.
type Event struct {
	ID                 string         `json:"id"`
	Timestamp          time.Time      `json:"timestamp"`
	EventType          EventType      `json:"eventType"`
	Severity           Severity       `json:"severity"`
	Status             Status         `json:"status"`
	Actor              Actor          `json:"actor"`
	Resource           Resource       `json:"resource"`
	Action             string         `json:"action"`
	Description        string         `json:"description"`
	Metadata           map[string]any `json:"metadata,omitempty"`
	RequestID          string         `json:"requestId,omitempty"`
	SessionID          string         `json:"sessionId,omitempty"`
	Chain              ChainContext   `json:"chain"`
	DataClassification string         `json:"dataClassification"`
	RetentionPeriod    int            `json:"retentionPeriod"`
	Hash               string         `json:"hash"`
	PreviousHash       string         `json:"previousHash"`
}

// IsCritical reports whether the event must reach the alert dispatcher.
func (e Event) IsCritical() bool {
	if e.Severity == SeverityCritical {
		return true
	}
	_, ok := criticalEventTypes[e.EventType]
	return ok
}

// Retention returns the event's retention as a duration.
func (e Event) Retention() time.Duration {
	days := e.RetentionPeriod
	if days <= 0 {
		days = DefaultRetentionDays
	}
	return time.Duration(days) * 24 * time.Hour
}

// ExpiresAt is the moment the event leaves the fast store.
func (e Event) ExpiresAt() time.Time {
	return e.Timestamp.Add(e.Retention())
}

// ChainLink returns the event's footprint in the hash chain.
func (e Event) ChainLink() Link {
	return Link{
		ID:           e.ID,
		Hash:         e.Hash,
		PreviousHash: e.PreviousHash,
		Timestamp:    e.Timestamp,
		ExpiresAt:    e.ExpiresAt(),
	}
}

// Link is what the fast store keeps of an event after its record is gone.
// Orphan marks events whose record was never written.
type Link struct {
	ID           string    `json:"id"`
	Hash         string    `json:"hash"`
	PreviousHash string    `json:"previousHash"`
	Timestamp    time.Time `json:"timestamp"`
	ExpiresAt    time.Time `json:"expiresAt"`
	Orphan       bool      `json:"orphan,omitempty"`
}

// Head returns the link as an event carrying only chain fields.
func (l Link) Head() Event {
	return Event{
		ID:           l.ID,
		Timestamp:    l.Timestamp,
		Hash:         l.Hash,
		PreviousHash: l.PreviousHash,
	}
}

// Draft is what collaborators hand to the ledger. The ledger fills ID,
// Timestamp, Hash and PreviousHash.
type Draft struct {
	EventType          EventType
	Severity           Severity
	Status             Status
	Actor              Actor
	Resource           Resource
	Action             string
	Description        string
	Metadata           map[string]any
	RequestID          string
	SessionID          string
	Chain              ChainContext
	DataClassification string
	RetentionPeriod    int
}

// WithDefaults returns a copy with severity, status, classification and
// retention defaulted.
func (d Draft) WithDefaults() Draft {
	if d.Severity == "" {
		d.Severity = SeverityInfo
	}
	if d.Status == "" {
		d.Status = StatusSuccess
	}
	if d.DataClassification == "" {
		d.DataClassification = DefaultClassification
	}
	if d.RetentionPeriod <= 0 {
		d.RetentionPeriod = DefaultRetentionDays
	}
	return d
}

// ToEvent copies the draft into an unsequenced Event.
func (d Draft) ToEvent() Event {
	return Event{
		EventType:          d.EventType,
		Severity:           d.Severity,
		Status:             d.Status,
		Actor:              d.Actor,
		Resource:           d.Resource,
		Action:             d.Action,
		Description:        d.Description,
		Metadata:           d.Metadata,
		RequestID:          d.RequestID,
		SessionID:          d.SessionID,
		Chain:              d.Chain,
		DataClassification: d.DataClassification,
		RetentionPeriod:    d.RetentionPeriod,
	}
}
