package common

// AccessTokenHeaderName is the gRPC metadata key used to carry the
// access token on inbound requests.
const AccessTokenHeaderName = "access_token"

// Metadata keys carried on the Upload stream.
const (
	TransferIDHeaderName = "transfer-id"
	SizeHintHeaderName   = "size-hint"
)
