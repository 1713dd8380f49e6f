package subscription

// Status is the custom type to define the current status of a subscription record
type Status string

// Defining different statuses for a Subscription
const (
	StatusActive    Status = "Active"
	StatusCancelled Status = "Cancelled"
	StatusExpired   Status = "Expired"
)
