package dto

type CreateTransactionRequest struct {
	PostID   *string `json:"post_id,omitempty"`
	SellerID string  `json:"seller_id"`
	Item     string  `json:"item"`
	Amount   string  `json:"amount"` // decimal string, e.g. "19.99"
}

type ShipRequest struct {
	TrackingNumber   string `json:"tracking_number"`
	ShippingProofURL string `json:"shipping_proof_url"`
}

type CancelRequest struct {
	Reason string `json:"reason"`
}

type RaiseDisputeRequest struct {
	Reason string `json:"reason"`
}

type DisputeMessageRequest struct {
	Text string `json:"text"`
}

type ResolveDisputeRequest struct {
	Outcome        string  `json:"outcome"` // buyer_favored, seller_favored, split
	RefundedAmount *string `json:"refunded_amount,omitempty"`
}
