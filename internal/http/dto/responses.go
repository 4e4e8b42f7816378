package dto

import "github.com/social-marketplace/backend/internal/models"

type ErrorResponse struct {
	Error     string   `json:"error"`
	RequestID string   `json:"request_id,omitempty"`
	Field     string   `json:"field,omitempty"`
	Current   string   `json:"current,omitempty"`
	Allowed   []string `json:"allowed,omitempty"`
	Retryable bool     `json:"retryable,omitempty"`
}

type SuccessResponse struct {
	OK   bool `json:"ok"`
	Data any  `json:"data,omitempty"`
}

type TransactionResponse struct {
	Transaction *models.Transaction `json:"transaction"`
	Dispute     *models.Dispute     `json:"dispute,omitempty"`
}
