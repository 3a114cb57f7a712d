package contracts

// MessageTyper lets a message choose its own wire type name instead of the
// one derived from its Go type
type MessageTyper interface {
	MessageTypeName() string
}

// Acknowledgement confirms receipt to a sender that asked for one
type Acknowledgement struct {
	CorrelationID string `json:"correlationId"`
}

func (Acknowledgement) MessageTypeName() string { return "courier.acknowledgement" }

// FailureAcknowledgement tells the original sender that its message could
// not be processed
type FailureAcknowledgement struct {
	CorrelationID string `json:"correlationId"`
	Message       string `json:"message"`
}

func (FailureAcknowledgement) MessageTypeName() string { return "courier.failure-acknowledgement" }
