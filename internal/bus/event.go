package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds. The prefix before the first dot is the namespace subscribers filter on.
const (
	KindSyncPassStarted      = "sync.pass_started"
	KindSyncPassFinished     = "sync.pass_finished"
	KindSyncDocumentSynced   = "sync.document_synced"
	KindSyncDocumentFailed   = "sync.document_failed"
	KindSyncDocumentRejected = "sync.document_rejected"
	KindDocumentSaved        = "document.saved"

	KindTransportPhase = "transport.phase_changed"

	KindChatMessage = "chat.message"
	KindChatReceipt = "chat.receipt"
	KindChatFrame   = "chat.frame"

	KindMessageQueued        = "message.queued"
	KindMessageSent          = "message.sent"
	KindMessageStatusChanged = "message.status_changed"
)
