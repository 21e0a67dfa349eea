package syncer

import "net/http"

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeRejected
	outcomeTransient
	outcomeAborted
)

// classifyStatus maps a server response to a replay outcome. Any 2xx is
// success. 408 and 429 are transient despite being 4xx. Every other 4xx is a
// deterministic rejection, including 401/403: a stored token does not heal
// without operator action, so retrying is pointless. 5xx and anything
// unexpected is transient.
func classifyStatus(code int) outcome {
	switch {
	case code >= 200 && code < 300:
		return outcomeSuccess
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests:
		return outcomeTransient
	case code >= 400 && code < 500:
		return outcomeRejected
	default:
		return outcomeTransient
	}
}
