package config

// Durable queue names. Each queue is consumed by exactly one registered stage
// processor; the pipeline composer rejects successors that are not listed here.
const (
	QueueNegotiationExtract      = "negotiation.extract"
	QueueNegotiationPolicyCheck  = "negotiation.policycheck"
	QueueNegotiationCounterOffer = "negotiation.counteroffer"
	QueueNegotiationSend         = "negotiation.send"
	QueueNegotiationDealUpdate   = "negotiation.dealupdate"
	QueueNegotiationDecision     = "negotiation.decision"
	QueueNegotiationSilence      = "negotiation.silence"
	QueueNegotiationClosing      = "negotiation.closing"

	QueueContractReview   = "contract.review"
	QueueContractFinalise = "contract.finalise"

	QueueSignatureProcess = "signature.process"

	QueueDeliverableReview = "deliverable.review"

	QueuePaymentChase = "payment.chase"
)

// NSQ topics. The intake topics decouple provider-side retries from internal
// processing: webhook handlers publish verbatim and return 200, consumers
// bridge messages onto the durable queues above.
const (
	TopicEmailInbound   = "email.inbound"
	TopicSignatureEvent = "signature.event"
	TopicEmailOutbound  = "email.outbound"
	TopicOpsAlert       = "ops.alert"
)

// Topics returns every NSQ topic the backend publishes or consumes, for
// pre-creation against nsqd at bootstrap.
func Topics() []string {
	return []string{TopicEmailInbound, TopicSignatureEvent, TopicEmailOutbound, TopicOpsAlert}
}
