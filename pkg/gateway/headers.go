package gateway

// Proof and provenance headers. Matching is case-insensitive per HTTP.
const (
	HeaderOMLCID              = "X-ODIN-OML-CID"
	HeaderOMLCPath            = "X-ODIN-OML-C-Path"
	HeaderOPE                 = "X-ODIN-OPE"
	HeaderOPEKID              = "X-ODIN-OPE-KID"
	HeaderJWKS                = "X-ODIN-JWKS"
	HeaderAcceptProof         = "X-ODIN-Accept-Proof"
	HeaderProofStatus         = "X-ODIN-Proof-Status"
	HeaderTransformReceipt    = "X-ODIN-Transform-Receipt"
	HeaderTransformReceiptURL = "X-ODIN-Transform-Receipt-URL"
	HeaderTransformMap        = "X-ODIN-Transform-Map"
	HeaderTraceID             = "X-ODIN-Trace-Id"
	HeaderHop                 = "X-ODIN-Hop"
	HeaderTenant              = "X-ODIN-Tenant"
)

// Accept-Proof client preferences.
const (
	ProofRequired    = "required"
	ProofIfAvailable = "if-available"
	ProofNone        = "none"
)

// Proof-Status response values.
const (
	StatusSigned = "signed"
	StatusAbsent = "absent"
	StatusIgnore = "ignored"
)

// Well-known paths.
const (
	PathDiscovery = "/.well-known/odin/discovery.json"
	PathJWKS      = "/.well-known/odin/jwks.json"
)
