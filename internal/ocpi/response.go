package ocpi

import "time"

// OCPI status codes
const (
	StatusSuccess              = 1000
	StatusClientError          = 2000
	StatusInvalidParameters    = 2001
	StatusNotEnoughInformation = 2002
	StatusUnknownLocation      = 2003
	StatusServerError          = 3000
	StatusUnableToUseClientAPI = 3001
	StatusUnsupportedVersion   = 3002
)

// Response is the envelope of every OCPI response
type Response struct {
	Data          interface{} `json:"data,omitempty"`
	StatusCode    int         `json:"status_code"`
	StatusMessage string      `json:"status_message,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
}

// Success wraps data in a success envelope
func Success(data interface{}) Response {
	return Response{
		Data:          data,
		StatusCode:    StatusSuccess,
		StatusMessage: "Success",
		Timestamp:     time.Now().UTC(),
	}
}

// Failure builds an error envelope
func Failure(code int, msg string, data interface{}) Response {
	return Response{
		Data:          data,
		StatusCode:    code,
		StatusMessage: msg,
		Timestamp:     time.Now().UTC(),
	}
}

// OK reports whether the envelope carries a success status
func (r *Response) OK() bool {
	return r.StatusCode >= 1000 && r.StatusCode < 2000
}
