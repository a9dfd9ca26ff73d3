package types

// Response represents the standard API response wrapper
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	Count   *int        `json:"count,omitempty"`
}

// SuccessResponse creates a successful API response
func SuccessResponse(data interface{}) Response {
	return Response{
		Success: true,
		Data:    data,
	}
}

// ListResponse creates a successful API response carrying a list and its
// length.
func ListResponse[T any](items []T) Response {
	if items == nil {
		items = []T{}
	}
	n := len(items)
	return Response{
		Success: true,
		Data:    items,
		Count:   &n,
	}
}
