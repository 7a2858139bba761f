package models

// Member is owned by the member directory and only read here.
type Member struct {
	ID          int64  `json:"id"`
	BusinessKey string `json:"business_key"` // string encoded in the QR code
	DisplayName string `json:"display_name"`
}
